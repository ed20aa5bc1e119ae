// Package validate checks account input before anything is written. Each
// check returns a *Error carrying the text shown to the user, or a plain
// error when the registry could not be consulted.
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	MsgInvalidEmail      = "Please enter a valid email address."
	MsgEmailRegistered   = "This email address is already registered. Please log in or use a different address."
	MsgPasswordsMismatch = "The passwords do not match, please try again."
	MsgPasswordTooShort  = "Your password must be at least 8 characters long."
	MsgPasswordTooLong   = "Your password must be at most 128 characters long."
	MsgInvalidSubscribe  = "Please choose a valid subscription option."
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

type Error struct {
	Message string
}

func (e *Error) Error() string       { return e.Message }
func (e *Error) UserMessage() string { return e.Message }

func fail(msg string) error { return &Error{Message: msg} }

// Registry answers whether an email already belongs to an account.
type Registry interface {
	Exists(ctx context.Context, table, column, value string) (bool, error)
}

type Validator struct {
	v     *validator.Validate
	users Registry
}

func New(users Registry) *Validator {
	return &Validator{v: validator.New(), users: users}
}

// Email accepts a well-formed address that no account uses yet.
func (val *Validator) Email(ctx context.Context, email string) error {
	if err := val.EmailFormat(email); err != nil {
		return err
	}
	taken, err := val.users.Exists(ctx, "users", "email", strings.ToLower(email))
	if err != nil {
		return fmt.Errorf("email lookup: %w", err)
	}
	if taken {
		return fail(MsgEmailRegistered)
	}
	return nil
}

func (val *Validator) EmailFormat(email string) error {
	if err := val.v.Var(email, "required,email,max=255"); err != nil {
		return fail(MsgInvalidEmail)
	}
	return nil
}

func (val *Validator) PasswordPair(p1, p2 string) error {
	if p1 != p2 {
		return fail(MsgPasswordsMismatch)
	}
	if err := val.v.Var(p1, fmt.Sprintf("min=%d", MinPasswordLength)); err != nil {
		return fail(MsgPasswordTooShort)
	}
	if err := val.v.Var(p1, fmt.Sprintf("max=%d", MaxPasswordLength)); err != nil {
		return fail(MsgPasswordTooLong)
	}
	return nil
}

// Subscription accepts "0", "1" or "2" and returns the parsed policy.
func (val *Validator) Subscription(raw string) (int, error) {
	if err := val.v.Var(raw, "required,numeric,oneof=0 1 2"); err != nil {
		return 0, fail(MsgInvalidSubscribe)
	}
	return int(raw[0] - '0'), nil
}
