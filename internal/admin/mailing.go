package admin

import (
	"context"
	"fmt"

	"membersite/internal/logging"
	"membersite/internal/mail"
	"membersite/internal/store"
	"membersite/internal/validate"
)

// Announcement is a message written in the console. With AllUsers set it
// goes to every verified, subscribed account whose address is not marked
// invalid; otherwise to Recipient alone.
type Announcement struct {
	AllUsers  bool
	Recipient string
	Subject   string
	Body      string
}

type Mailing struct {
	storage   store.Storage
	notifier  mail.Notifier
	validator *validate.Validator
	logger    logging.Logger
}

func NewMailing(storage store.Storage, notifier mail.Notifier, validator *validate.Validator, logger logging.Logger) *Mailing {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Mailing{storage: storage, notifier: notifier, validator: validator, logger: logger}
}

// Send queues the announcement and returns how many messages were queued.
func (m *Mailing) Send(ctx context.Context, g Grant, a Announcement) (int, error) {
	if err := g.check(); err != nil {
		return 0, err
	}
	if !a.AllUsers {
		if err := m.validator.EmailFormat(a.Recipient); err != nil {
			return 0, err
		}
		m.notifier.Notify(ctx, mail.Message{To: a.Recipient, Subject: a.Subject, Body: a.Body})
		m.logger.Info(ctx, "announcement queued", "admin", g.email, "recipients", 1)
		return 1, nil
	}

	recipients, err := m.subscribers(ctx)
	if err != nil {
		return 0, err
	}
	for _, to := range recipients {
		m.notifier.Notify(ctx, mail.Message{To: to, Subject: a.Subject, Body: a.Body})
	}
	m.logger.Info(ctx, "announcement queued", "admin", g.email, "recipients", len(recipients))
	return len(recipients), nil
}

func (m *Mailing) subscribers(ctx context.Context) ([]string, error) {
	rows, err := m.storage.AllRows(ctx, "users", true)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	var out []string
	for i := 0; i < rows.Len(); i++ {
		if rows.Text(i, "verified") != "1" || rows.Text(i, "invalid_email") == "1" {
			continue
		}
		policy, err := rows.Int(i, "subscription_policy")
		if err != nil || policy < 1 {
			continue
		}
		out = append(out, rows.Text(i, "email"))
	}
	return out, nil
}
