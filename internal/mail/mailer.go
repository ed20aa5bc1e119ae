// Package mail sends account notifications through Gmail. Messages go out
// over SMTP authenticated with XOAUTH2; the access token is minted from the
// refresh token an administrator granted through the consent flow.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const GmailScope = "https://mail.google.com/"

var (
	ErrNoRefreshToken = errors.New("authorization did not return a refresh token")
	ErrNoRecipient    = errors.New("message has no recipient")
)

type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Mailer is the outbound mail collaborator.
type Mailer interface {
	SendMessage(ctx context.Context, msg Message, accessToken string) error
	ExchangeAuthCode(ctx context.Context, code string) (string, error)
	AccessToken(ctx context.Context, refreshToken string) (string, error)
	AuthCodeURL(state string) string
}

type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	SMTPAddr     string
	Timeout      time.Duration
}

type GmailClient struct {
	oauth    *oauth2.Config
	smtpAddr string
	timeout  time.Duration
}

func NewGmailClient(cfg GmailConfig) *GmailClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &GmailClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{GmailScope},
			Endpoint:     endpoints.Google,
		},
		smtpAddr: cfg.SMTPAddr,
		timeout:  cfg.Timeout,
	}
}

// AuthCodeURL returns the consent page address. Offline access with a
// forced prompt makes Google issue a refresh token every time.
func (g *GmailClient) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

func (g *GmailClient) ExchangeAuthCode(ctx context.Context, code string) (string, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange auth code: %w", err)
	}
	if tok.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}
	return tok.RefreshToken, nil
}

func (g *GmailClient) AccessToken(ctx context.Context, refreshToken string) (string, error) {
	tok, err := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	return tok.AccessToken, nil
}

func (g *GmailClient) SendMessage(ctx context.Context, msg Message, accessToken string) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	host, _, err := net.SplitHostPort(g.smtpAddr)
	if err != nil {
		return fmt.Errorf("smtp address: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", g.smtpAddr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}
	if err := c.Auth(xoauth2{user: msg.From, token: accessToken}); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := c.Mail(msg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(Compose(msg, time.Now())); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}

// Compose renders msg as an RFC 5322 plain-text message.
func Compose(msg Message, now time.Time) []byte {
	headers := []string{
		"From: " + headerValue(msg.From),
		"To: " + headerValue(msg.To),
		"Subject: " + mime.QEncoding.Encode("utf-8", headerValue(msg.Subject)),
		"Date: " + now.Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"Content-Transfer-Encoding: 8bit",
	}
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + body + "\r\n")
}

func headerValue(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

type xoauth2 struct {
	user  string
	token string
}

func (a xoauth2) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "XOAUTH2", []byte("user=" + a.user + "\x01auth=Bearer " + a.token + "\x01\x01"), nil
}

// Next answers a server challenge with an empty response so the server
// completes the exchange with its error status.
func (a xoauth2) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}
