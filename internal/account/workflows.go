package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"membersite/internal/mail"
	"membersite/internal/session"
	"membersite/internal/store"
	"membersite/internal/workflow"
)

func (s *Service) buildWorkflows(n mail.Notifier, opts []workflow.Option) {
	s.passwordReset = workflow.New(workflow.Definition[string]{
		Name:    "password_reset",
		CodeKey: session.KeyPasswordChangeCode,
		Pending: []session.Key{session.KeyNewPassword},
		Stash: func(digest string) map[session.Key]string {
			return map[session.Key]string{session.KeyNewPassword: digest}
		},
		Apply:   s.applyPasswordReset,
		Subject: subjectPasswordChange,
		Body:    func(code, _ string) string { return s.text.passwordChange(code) },
	}, n, opts...)

	s.emailChange = workflow.New(workflow.Definition[string]{
		Name:    "email_change",
		CodeKey: session.KeyEmailChangeCode,
		Pending: []session.Key{session.KeyNewEmail},
		Stash: func(newEmail string) map[session.Key]string {
			return map[session.Key]string{session.KeyNewEmail: newEmail}
		},
		Apply:   s.applyEmailChange,
		Subject: subjectEmailChange,
		Body:    func(code, newEmail string) string { return s.text.emailChange(code, newEmail) },
	}, n, opts...)

	s.deletion = workflow.New(workflow.Definition[struct{}]{
		Name:    "account_deletion",
		CodeKey: session.KeyDeleteCode,
		Apply:   s.applyDeletion,
		Subject: subjectDeletion,
		Body:    func(code string, _ struct{}) string { return s.text.deletion(code) },
	}, n, opts...)

	s.verification = workflow.New(workflow.Definition[struct{}]{
		Name:    "signup_verification",
		CodeKey: session.KeyVerificationCode,
		Apply:   s.applyVerification,
		Subject: s.text.verificationSubject(),
		Body:    func(code string, _ struct{}) string { return s.text.verification(code) },
	}, n, opts...)
}

// startFailed answers a session that expired between lookup and Start like
// any other missing session.
func startFailed(err error) error {
	if errors.Is(err, workflow.ErrSessionGone) {
		return ErrNotAuthorized
	}
	return err
}

// PasswordResetStarted tells the visitor where the code went and which
// session to confirm it with.
type PasswordResetStarted struct {
	Email     string
	SessionID string
}

// StartPasswordReset issues a password change code. With a verified session
// the code goes to the session's address. Without one, email must belong to
// an account and a new session is opened to carry the pending change.
func (s *Service) StartPasswordReset(ctx context.Context, sess *session.Session, email, password1, password2 string) (PasswordResetStarted, error) {
	if sess != nil {
		if !sess.Verified() {
			return PasswordResetStarted{}, ErrNotAuthorized
		}
		email, _ = sess.Email()
	} else {
		email = strings.ToLower(email)
		registered, err := s.storage.Exists(ctx, usersTable, "email", email)
		if err != nil {
			return PasswordResetStarted{}, fmt.Errorf("load user: %w", err)
		}
		if !registered {
			return PasswordResetStarted{}, ErrNotAuthorized
		}
	}

	if err := s.validator.PasswordPair(password1, password2); err != nil {
		return PasswordResetStarted{}, err
	}
	digest, err := s.hasher.Hash(password1)
	if err != nil {
		return PasswordResetStarted{}, fmt.Errorf("hash password: %w", err)
	}

	if sess == nil {
		sess = s.sessions.Create()
		sess.Set(session.KeyForgotPasswordEmail, email)
	}
	if _, err := s.passwordReset.Start(ctx, sess, digest, email); err != nil {
		return PasswordResetStarted{}, startFailed(err)
	}
	return PasswordResetStarted{Email: email, SessionID: sess.ID()}, nil
}

// ConfirmPasswordReset stores the pending password. A session opened only
// for the reset is closed afterwards.
func (s *Service) ConfirmPasswordReset(ctx context.Context, sess *session.Session, code string) error {
	if sess == nil {
		return ErrNotAuthorized
	}
	if err := s.passwordReset.Confirm(ctx, sess, code); err != nil {
		return err
	}
	if !sess.Verified() {
		sess.Delete()
	}
	return nil
}

func (s *Service) applyPasswordReset(ctx context.Context, sess *session.Session, pending map[session.Key]string) error {
	email, ok := sess.Email()
	if !ok || !sess.Verified() {
		email, ok = sess.Get(session.KeyForgotPasswordEmail)
	}
	digest, hasDigest := pending[session.KeyNewPassword]
	if !ok || !hasDigest {
		return ErrNotAuthorized
	}
	if err := s.storage.UpdateWhere(ctx, usersTable, "email", email, "password", digest); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	s.logger.Info(ctx, "password changed", "email", email)
	return nil
}

// StartEmailChange sends a code to the current address authorizing the
// move to newEmail. Returns the current address.
func (s *Service) StartEmailChange(ctx context.Context, sess *session.Session, newEmail string) (string, error) {
	if sess == nil || !sess.Verified() {
		return "", ErrNotAuthorized
	}
	current, ok := sess.Email()
	if !ok {
		return "", ErrNotAuthorized
	}
	newEmail = strings.ToLower(newEmail)
	if err := s.validator.Email(ctx, newEmail); err != nil {
		return "", err
	}
	if _, err := s.emailChange.Start(ctx, sess, newEmail, current); err != nil {
		return "", startFailed(err)
	}
	return current, nil
}

func (s *Service) ConfirmEmailChange(ctx context.Context, sess *session.Session, code string) error {
	if sess == nil || !sess.Verified() {
		return ErrNotAuthorized
	}
	return s.emailChange.Confirm(ctx, sess, code)
}

func (s *Service) applyEmailChange(ctx context.Context, sess *session.Session, pending map[session.Key]string) error {
	id, hasID := sess.Get(session.KeyID)
	newEmail, hasEmail := pending[session.KeyNewEmail]
	if !hasID || !hasEmail {
		return ErrNotAuthorized
	}
	// The address may have been taken since the code was issued.
	if err := s.validator.Email(ctx, newEmail); err != nil {
		return err
	}
	err := s.storage.UpdateWhere(ctx, usersTable, "id", id, "email", newEmail)
	if errors.Is(err, store.ErrDuplicateKey) {
		return errEmailTaken
	}
	if err != nil {
		return fmt.Errorf("update email: %w", err)
	}
	if _, err := s.Refresh(ctx, sess, ByID(id), nil); err != nil {
		return err
	}
	s.logger.Info(ctx, "email changed", "id", id)
	return nil
}

// StartDeletion sends an account deletion code to the session's address.
func (s *Service) StartDeletion(ctx context.Context, sess *session.Session) (string, error) {
	if sess == nil || !sess.Verified() {
		return "", ErrNotAuthorized
	}
	email, ok := sess.Email()
	if !ok {
		return "", ErrNotAuthorized
	}
	if _, err := s.deletion.Start(ctx, sess, struct{}{}, email); err != nil {
		return "", startFailed(err)
	}
	return email, nil
}

// ConfirmDeletion removes the account and closes every session signed in
// to it.
func (s *Service) ConfirmDeletion(ctx context.Context, sess *session.Session, code string) error {
	if sess == nil || !sess.Verified() {
		return ErrNotAuthorized
	}
	if err := s.deletion.Confirm(ctx, sess, code); err != nil {
		return err
	}
	sess.Delete()
	return nil
}

func (s *Service) applyDeletion(ctx context.Context, sess *session.Session, _ map[session.Key]string) error {
	id, ok := sess.Get(session.KeyID)
	if !ok {
		return ErrNotAuthorized
	}
	if err := s.storage.DeleteWhere(ctx, usersTable, "id", id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	swept := s.sessions.DeleteMatching(session.KeyID, id)
	s.logger.Info(ctx, "account deleted", "id", id, "sessions", swept)
	return nil
}

// SendVerification mails a verification code to an account that has not
// confirmed its address yet.
func (s *Service) SendVerification(ctx context.Context, sess *session.Session) error {
	if sess == nil || !sess.Unverified() {
		return ErrNotAuthorized
	}
	email, ok := sess.Get(session.KeyNotVerifiedEmail)
	if !ok {
		return ErrNotAuthorized
	}
	_, err := s.verification.Start(ctx, sess, struct{}{}, email)
	return startFailed(err)
}

func (s *Service) VerifyAccount(ctx context.Context, sess *session.Session, code string) error {
	if sess == nil || !sess.Unverified() {
		return ErrNotAuthorized
	}
	return s.verification.Confirm(ctx, sess, code)
}

func (s *Service) applyVerification(ctx context.Context, sess *session.Session, _ map[session.Key]string) error {
	email, ok := sess.Get(session.KeyNotVerifiedEmail)
	if !ok {
		return ErrNotAuthorized
	}
	if err := s.storage.UpdateWhere(ctx, usersTable, "email", email, "verified", "1"); err != nil {
		return fmt.Errorf("verify user: %w", err)
	}
	sess.Unset(session.KeyNotVerifiedEmail)
	if _, err := s.Refresh(ctx, sess, ByEmail(email), nil); err != nil {
		return err
	}
	s.logger.Info(ctx, "account verified", "email", email)
	return nil
}
