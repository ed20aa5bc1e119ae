package admin

import (
	"context"
	"errors"
	"fmt"

	"membersite/internal/auth"
	"membersite/internal/logging"
	"membersite/internal/mail"
	"membersite/internal/store"
)

// ErrInvalidState is returned when the consent redirect carries a state
// that is expired, forged or was issued to another administrator.
var ErrInvalidState = &RejectedError{Err: errors.New("The mail authorization expired or belongs to another administrator. Please start again.")}

const adminTable = "admin"

// MailAuth runs the consent flow that lets the site send mail as an
// administrator's Gmail account.
type MailAuth struct {
	mailer  mail.Mailer
	storage store.Storage
	state   auth.TokenConfig
	logger  logging.Logger
}

func NewMailAuth(mailer mail.Mailer, storage store.Storage, state auth.TokenConfig, logger logging.Logger) *MailAuth {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MailAuth{mailer: mailer, storage: storage, state: state, logger: logger}
}

// AuthURL returns the consent page address with a state bound to the
// administrator.
func (m *MailAuth) AuthURL(g Grant) (string, error) {
	if err := g.check(); err != nil {
		return "", err
	}
	state, err := auth.CreateState(g.email, m.state)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return m.mailer.AuthCodeURL(state), nil
}

// Complete exchanges the consent code for a refresh token and stores it
// against the administrator's address, replacing any earlier grant.
func (m *MailAuth) Complete(ctx context.Context, g Grant, code, state string) error {
	if err := g.check(); err != nil {
		return err
	}
	if err := auth.VerifyState(state, g.email, m.state); err != nil {
		m.logger.Warn(ctx, "mail authorization state rejected", "admin", g.email, "error", err)
		return ErrInvalidState
	}
	refresh, err := m.mailer.ExchangeAuthCode(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}

	known, err := m.storage.Exists(ctx, adminTable, "email", g.email)
	if err != nil {
		return fmt.Errorf("find admin row: %w", err)
	}
	if known {
		err = m.storage.UpdateWhere(ctx, adminTable, "email", g.email, "refresh_token", refresh)
	} else {
		err = m.storage.Insert(ctx, adminTable, []string{"email", "refresh_token"}, []string{g.email, refresh})
	}
	if err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	m.logger.Info(ctx, "mail authorization stored", "admin", g.email)
	return nil
}
