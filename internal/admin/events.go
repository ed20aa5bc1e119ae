package admin

import (
	"context"

	"membersite/internal/logging"
)

// FeedTopic is the hub topic admin consoles subscribe to.
const FeedTopic = "admin"

type EventType string

const (
	RowAdded   EventType = "row_added"
	RowUpdated EventType = "row_updated"
	RowDeleted EventType = "row_deleted"
	RowMoved   EventType = "row_moved"
)

// Event describes one committed table edit.
type Event struct {
	Type   EventType `json:"type"`
	Table  string    `json:"table"`
	ID     string    `json:"id"`
	OldID  string    `json:"old_id,omitempty"`
	Column string    `json:"column,omitempty"`
	Row    []string  `json:"row,omitempty"`
}

// Publisher is satisfied by *hub.Hub.
type Publisher interface {
	Publish(topic string, event any) (int, error)
}

type publisher struct {
	p      Publisher
	logger logging.Logger
}

func (p publisher) publish(ctx context.Context, ev Event) {
	if p.p == nil {
		return
	}
	n, err := p.p.Publish(FeedTopic, ev)
	if err != nil {
		p.logger.Error(ctx, "publish admin event", "error", err)
		return
	}
	p.logger.Debug(ctx, "admin event published", "type", ev.Type, "table", ev.Table, "consoles", n)
}
