package account

import (
	"errors"

	"membersite/internal/validate"
)

// UserError is a failure whose message is shown to the visitor as is.
type UserError struct {
	Message string
}

func (e *UserError) Error() string       { return e.Message }
func (e *UserError) UserMessage() string { return e.Message }

var (
	ErrNotRegistered = &UserError{Message: "This email address is not registered. Please create a new account."}
	ErrWrongPassword = &UserError{Message: "Wrong password, please try again."}

	// errEmailTaken answers a registration that lost a race for an address
	// the validator had just seen as free.
	errEmailTaken = &UserError{Message: validate.MsgEmailRegistered}

	// ErrNotAuthorized covers a missing session and a session lacking the
	// state an operation needs. Callers answer it without detail.
	ErrNotAuthorized = errors.New("not authorized")
)
