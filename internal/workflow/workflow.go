// Package workflow implements the one-time-code confirmation pattern shared
// by every sensitive account change: issue a code, park the pending change
// in the visitor's session, mail the code, and apply the change only when
// the same session returns the same code.
//
// A code and its pending change are written in one session update and taken
// back out in one step, so a code always confirms the change it was mailed
// for. Codes are single use: a replayed or concurrent confirmation with the
// same code is rejected rather than applied twice. Confirmation attempts are
// not throttled; the session TTL is the only bound on guessing.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"membersite/internal/mail"
	"membersite/internal/session"
)

var (
	ErrCodeMismatch = errors.New("verification code does not match")
	// ErrSessionGone means the session expired or was evicted before the
	// code could be stored. No mail is sent.
	ErrSessionGone = errors.New("session no longer exists")
)

type Recorder interface {
	CodeIssued(workflow string)
	CodeConfirmed(workflow string, ok bool)
}

// Definition describes one workflow instance. P is the pending payload
// carried from Start to Confirm.
type Definition[P any] struct {
	Name    string
	CodeKey session.Key
	// Pending lists the session keys that carry the payload until Confirm.
	Pending []session.Key
	// Stash renders the payload as values for the Pending keys. May be nil.
	Stash func(payload P) map[session.Key]string
	// Apply performs the guarded change with the pending values that were
	// stored next to the confirmed code.
	Apply   func(ctx context.Context, s *session.Session, pending map[session.Key]string) error
	Subject string
	Body    func(code string, payload P) string
}

type Workflow[P any] struct {
	def      Definition[P]
	notifier mail.Notifier
	recorder Recorder
	newCode  func() (string, error)
}

type config struct {
	recorder Recorder
	newCode  func() (string, error)
}

type Option func(*config)

func WithRecorder(r Recorder) Option {
	return func(c *config) { c.recorder = r }
}

// WithCodeSource replaces the random code generator.
func WithCodeSource(f func() (string, error)) Option {
	return func(c *config) { c.newCode = f }
}

func New[P any](def Definition[P], notifier mail.Notifier, opts ...Option) *Workflow[P] {
	cfg := config{recorder: nopRecorder{}, newCode: NewCode}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Workflow[P]{def: def, notifier: notifier, recorder: cfg.recorder, newCode: cfg.newCode}
}

func (w *Workflow[P]) Name() string { return w.def.Name }

// Start issues a fresh code, replacing any earlier one for this workflow,
// and queues the notification to recipient.
func (w *Workflow[P]) Start(ctx context.Context, s *session.Session, payload P, recipient string) (string, error) {
	code, err := w.newCode()
	if err != nil {
		return "", fmt.Errorf("%s: generate code: %w", w.def.Name, err)
	}

	var fields map[session.Key]string
	if w.def.Stash != nil {
		fields = w.def.Stash(payload)
	}
	live := s.Update(func(values map[session.Key]string) {
		for _, k := range w.def.Pending {
			delete(values, k)
		}
		for k, v := range fields {
			values[k] = v
		}
		values[w.def.CodeKey] = code
	})
	if !live {
		return "", fmt.Errorf("%s: %w", w.def.Name, ErrSessionGone)
	}

	w.notifier.Notify(ctx, mail.Message{
		To:      recipient,
		Subject: w.def.Subject,
		Body:    w.def.Body(code, payload),
	})
	w.recorder.CodeIssued(w.def.Name)
	return code, nil
}

// Confirm applies the pending change if code matches the stored one. On
// mismatch nothing changes. If Apply fails the code and its pending values
// are put back so the visitor can retry, unless a newer code was issued
// meanwhile.
func (w *Workflow[P]) Confirm(ctx context.Context, s *session.Session, code string) error {
	pending, ok := s.ConsumeWith(w.def.CodeKey, code, w.def.Pending...)
	if !ok {
		w.recorder.CodeConfirmed(w.def.Name, false)
		return ErrCodeMismatch
	}

	if err := w.def.Apply(ctx, s, pending); err != nil {
		s.Update(func(values map[session.Key]string) {
			if _, newer := values[w.def.CodeKey]; newer {
				return
			}
			values[w.def.CodeKey] = code
			for k, v := range pending {
				values[k] = v
			}
		})
		return fmt.Errorf("%s: %w", w.def.Name, err)
	}

	w.recorder.CodeConfirmed(w.def.Name, true)
	return nil
}

type nopRecorder struct{}

func (nopRecorder) CodeIssued(string)          {}
func (nopRecorder) CodeConfirmed(string, bool) {}
