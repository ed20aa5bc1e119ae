// Package hub fans JSON events out to live subscribers grouped by topic.
//
// Every subscriber owns a bounded queue drained by its own goroutine, so a
// slow console never holds up the publisher. A subscriber is closed and
// dropped when its queue overflows, a write fails, or its access check
// stops passing.
package hub

import (
	"encoding/json"
	"sync"
)

const defaultQueueSize = 32

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Subscriber is one registered writer.
type Subscriber struct {
	topic   string
	writer  Writer
	allowed func() bool
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

// Done is closed once the subscriber has been dropped.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

type Hub struct {
	mu        sync.RWMutex
	topics    map[string]map[*Subscriber]struct{}
	queueSize int
}

type Option func(*Hub)

// WithQueueSize bounds how many undelivered events a subscriber may hold.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		topics:    make(map[string]map[*Subscriber]struct{}),
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers w under topic and starts delivering to it. allowed,
// when non-nil, is asked before every delivery; once it returns false the
// subscriber is dropped.
func (h *Hub) Subscribe(topic string, w Writer, allowed func() bool) *Subscriber {
	s := &Subscriber{
		topic:   topic,
		writer:  w,
		allowed: allowed,
		queue:   make(chan []byte, h.queueSize),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Subscriber]struct{})
	}
	h.topics[topic][s] = struct{}{}
	h.mu.Unlock()

	go h.pump(s)
	return s
}

// Unsubscribe drops s. Calling it again is a no-op.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if set := h.topics[s.topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.topics, s.topic)
		}
	}
	h.mu.Unlock()

	s.once.Do(func() {
		close(s.done)
		_ = s.writer.Close()
	})
}

func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Publish encodes event once and queues it for every allowed subscriber of
// topic. It returns how many subscribers took the event.
func (h *Hub) Publish(topic string, event any) (int, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	queued := 0
	for _, s := range subs {
		if s.allowed != nil && !s.allowed() {
			h.Unsubscribe(s)
			continue
		}
		select {
		case s.queue <- payload:
			queued++
		default:
			h.Unsubscribe(s)
		}
	}
	return queued, nil
}

func (h *Hub) pump(s *Subscriber) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if err := s.writer.Write(msg); err != nil {
				h.Unsubscribe(s)
				return
			}
		}
	}
}
