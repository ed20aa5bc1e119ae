// Package account implements signup, login and the confirmed account
// changes (signup verification, password reset, email change, deletion).
package account

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"membersite/internal/logging"
	"membersite/internal/mail"
	"membersite/internal/session"
	"membersite/internal/store"
	"membersite/internal/validate"
	"membersite/internal/workflow"
)

const usersTable = "users"

type Hasher interface {
	Hash(plaintext string) (string, error)
	Matches(plaintext, digest string) bool
}

type Deps struct {
	Storage   store.Storage
	Sessions  *session.Store
	Hasher    Hasher
	Validator *validate.Validator
	Notifier  mail.Notifier
	Logger    logging.Logger
	// Workflow options applied to every instance, e.g. a metrics recorder.
	WorkflowOptions []workflow.Option
}

type Config struct {
	SiteName       string
	SupportContact string
}

type Service struct {
	storage   store.Storage
	sessions  *session.Store
	hasher    Hasher
	validator *validate.Validator
	logger    logging.Logger
	text      templates

	passwordReset *workflow.Workflow[string]
	emailChange   *workflow.Workflow[string]
	deletion      *workflow.Workflow[struct{}]
	verification  *workflow.Workflow[struct{}]
}

func NewService(deps Deps, cfg Config) *Service {
	s := &Service{
		storage:   deps.Storage,
		sessions:  deps.Sessions,
		hasher:    deps.Hasher,
		validator: deps.Validator,
		logger:    deps.Logger,
		text:      templates{siteName: cfg.SiteName, support: cfg.SupportContact},
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	s.buildWorkflows(deps.Notifier, deps.WorkflowOptions)
	return s
}

// LoginResult is what signup and login hand back to the visitor.
type LoginResult struct {
	SessionID string
	Verified  bool
}

// Lookup selects the user row a session is refreshed from.
type Lookup struct {
	Column string
	Value  string
}

func ByEmail(email string) Lookup { return Lookup{Column: "email", Value: email} }
func ByID(id string) Lookup       { return Lookup{Column: "id", Value: id} }

// Signup registers an unverified account and opens a session for it. A
// password is optional; accounts created without one set it through the
// password reset flow.
func (s *Service) Signup(ctx context.Context, email, password1, password2 string) (LoginResult, error) {
	email = strings.ToLower(email)
	if err := s.validator.Email(ctx, email); err != nil {
		return LoginResult{}, err
	}

	digest := ""
	if password1 != "" || password2 != "" {
		if err := s.validator.PasswordPair(password1, password2); err != nil {
			return LoginResult{}, err
		}
		var err error
		if digest, err = s.hasher.Hash(password1); err != nil {
			return LoginResult{}, fmt.Errorf("hash password: %w", err)
		}
	}

	err := s.storage.Insert(ctx, usersTable,
		[]string{"email", "password", "verified", "admin", "subscription_policy", "invalid_email"},
		[]string{email, digest, "0", "0", "1", "0"})
	if errors.Is(err, store.ErrDuplicateKey) {
		return LoginResult{}, errEmailTaken
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("insert user: %w", err)
	}
	s.logger.Info(ctx, "account created", "email", email)

	sess := s.sessions.Create()
	verified, err := s.Refresh(ctx, sess, ByEmail(email), nil)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{SessionID: sess.ID(), Verified: verified}, nil
}

// Login opens a session and fills it from the account matching email. On
// failure the result still names the new session, which stays empty.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = strings.ToLower(email)
	sess := s.sessions.Create()
	verified, err := s.Refresh(ctx, sess, ByEmail(email), &password)
	if err != nil {
		return LoginResult{SessionID: sess.ID()}, err
	}
	return LoginResult{SessionID: sess.ID(), Verified: verified}, nil
}

// Refresh copies the account found by lookup into sess. When password is
// non-nil it must match the stored hash. Verified accounts get their full
// identity; unverified ones only the address awaiting verification.
func (s *Service) Refresh(ctx context.Context, sess *session.Session, lookup Lookup, password *string) (bool, error) {
	rows, err := s.storage.RowsMatching(ctx, usersTable, lookup.Column, lookup.Value)
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}
	if rows.Len() == 0 {
		return false, ErrNotRegistered
	}
	if password != nil && !s.hasher.Matches(*password, rows.Text(0, "password")) {
		return false, ErrWrongPassword
	}

	sess.Set(session.KeyID, rows.Text(0, "id")).
		Set(session.KeyInvalidEmail, rows.Text(0, "invalid_email"))

	if rows.Text(0, "verified") == "1" {
		sess.Set(session.KeyVerified, "1").
			Set(session.KeyEmail, rows.Text(0, "email")).
			Set(session.KeyAdmin, rows.Text(0, "admin")).
			Set(session.KeySubscriptionPolicy, rows.Text(0, "subscription_policy"))
		return true, nil
	}
	sess.Set(session.KeyVerified, "0").
		Set(session.KeyNotVerifiedEmail, rows.Text(0, "email"))
	return false, nil
}

var accountDetails = []session.Key{session.KeyEmail, session.KeyAdmin, session.KeySubscriptionPolicy}

// Account returns the requested identity fields of a verified session.
// details is matched by substring, so "email,admin" asks for both.
func (s *Service) Account(sess *session.Session, details string) (map[string]string, error) {
	if sess == nil {
		return nil, ErrNotAuthorized
	}
	values := sess.Values()
	if values[session.KeyVerified] != "1" {
		return nil, ErrNotAuthorized
	}
	out := make(map[string]string)
	for _, key := range accountDetails {
		if strings.Contains(details, string(key)) {
			out[string(key)] = values[key]
		}
	}
	return out, nil
}

func (s *Service) Logout(sess *session.Session) {
	if sess != nil {
		sess.Delete()
	}
}

// RefreshSession re-reads the session's account by id.
func (s *Service) RefreshSession(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return ErrNotAuthorized
	}
	id, ok := sess.Get(session.KeyID)
	if !ok {
		return ErrNotAuthorized
	}
	_, err := s.Refresh(ctx, sess, ByID(id), nil)
	return err
}

// ChangeSubscription stores a new mailing preference and returns the
// confirmation text for it.
func (s *Service) ChangeSubscription(ctx context.Context, sess *session.Session, raw string) (string, error) {
	if sess == nil || !sess.Verified() {
		return "", ErrNotAuthorized
	}
	id, ok := sess.UserID()
	if !ok {
		return "", ErrNotAuthorized
	}
	policy, err := s.validator.Subscription(raw)
	if err != nil {
		return "", err
	}
	value := strconv.Itoa(policy)
	if err := s.storage.UpdateWhere(ctx, usersTable, "id", strconv.FormatInt(id, 10), "subscription_policy", value); err != nil {
		return "", fmt.Errorf("update subscription: %w", err)
	}
	sess.Set(session.KeySubscriptionPolicy, value)
	return subscriptionMessages[policy], nil
}
