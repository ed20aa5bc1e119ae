// Package admin implements the administrator console: a privilege-gated
// editor over arbitrary tables, the Gmail authorization flow and bulk mail.
//
// Every operation takes a Grant, which only Guard can produce. Operations
// called with a zero Grant fail with ErrForbidden before touching storage.
package admin

import (
	"errors"

	"membersite/internal/session"
)

var ErrForbidden = errors.New("admin privileges required")

// Grant is proof that the caller's session carried the admin flag when
// Guard ran.
type Grant struct {
	email     string
	sessionID string
}

func (g Grant) Email() string { return g.email }

func (g Grant) valid() bool { return g.sessionID != "" && g.email != "" }

func (g Grant) check() error {
	if !g.valid() {
		return ErrForbidden
	}
	return nil
}

// Guard returns a Grant for a verified administrator session.
func Guard(sess *session.Session) (Grant, error) {
	if sess == nil || !sess.Verified() || !sess.Admin() {
		return Grant{}, ErrForbidden
	}
	email, ok := sess.Email()
	if !ok || email == "" {
		return Grant{}, ErrForbidden
	}
	return Grant{email: email, sessionID: sess.ID()}, nil
}
