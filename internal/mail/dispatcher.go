package mail

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"membersite/internal/logging"
	"membersite/internal/store"
)

var ErrNoCredential = errors.New("no administrator has authorized outbound mail")

// Notifier accepts a message for delivery without waiting for it.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

type Recorder interface {
	MailSent()
	MailFailed()
	MailDropped()
}

// CredentialSource reads the stored administrator mail grants.
type CredentialSource interface {
	AllRows(ctx context.Context, table string, orderedByID bool) (store.Rows, error)
}

type DispatcherConfig struct {
	// From overrides the sender; empty means the authorizing admin's address.
	From        string
	QueueSize   int
	SendTimeout time.Duration
	Logger      logging.Logger
	Recorder    Recorder
}

// Dispatcher delivers messages on a single background worker. When the
// queue is full new messages are dropped and counted.
type Dispatcher struct {
	mailer Mailer
	creds  CredentialSource
	cfg    DispatcherConfig

	ch      chan Message
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64

	// mu orders enqueues before Close, so every accepted message is
	// queued before the worker starts its final drain.
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(mailer Mailer, creds CredentialSource, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}

	d := &Dispatcher{
		mailer: mailer,
		creds:  creds,
		cfg:    cfg,
		ch:     make(chan Message, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case msg := <-d.ch:
			d.deliver(msg)
		case <-d.done:
			for {
				select {
				case msg := <-d.ch:
					d.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

// Notify queues msg for delivery. Messages arriving after Close, or while
// the queue is full, are dropped and counted.
func (d *Dispatcher) Notify(ctx context.Context, msg Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(ctx, msg, "mail dispatcher closed, message dropped")
		return
	}
	select {
	case d.ch <- msg:
	default:
		d.drop(ctx, msg, "mail queue full, message dropped")
	}
}

func (d *Dispatcher) drop(ctx context.Context, msg Message, reason string) {
	d.dropped.Add(1)
	d.cfg.Recorder.MailDropped()
	d.cfg.Logger.Warn(ctx, reason, "subject", msg.Subject)
}

// Close stops accepting messages and waits for queued ones to be sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()

	if err := d.send(ctx, msg); err != nil {
		d.cfg.Recorder.MailFailed()
		d.cfg.Logger.Error(ctx, "mail delivery failed", "subject", msg.Subject, "err", err)
		return
	}
	d.cfg.Recorder.MailSent()
	d.cfg.Logger.Debug(ctx, "mail delivered", "subject", msg.Subject)
}

func (d *Dispatcher) send(ctx context.Context, msg Message) error {
	sender, refresh, err := d.credential(ctx)
	if err != nil {
		return err
	}
	token, err := d.mailer.AccessToken(ctx, refresh)
	if err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = d.cfg.From
	}
	if msg.From == "" {
		msg.From = sender
	}
	return d.mailer.SendMessage(ctx, msg, token)
}

// credential returns the first stored admin grant.
func (d *Dispatcher) credential(ctx context.Context) (email, refreshToken string, err error) {
	rows, err := d.creds.AllRows(ctx, "admin", false)
	if err != nil {
		return "", "", err
	}
	if rows.Len() == 0 {
		return "", "", ErrNoCredential
	}
	return rows.Text(0, "email"), rows.Text(0, "refresh_token"), nil
}

type nopRecorder struct{}

func (nopRecorder) MailSent()    {}
func (nopRecorder) MailFailed()  {}
func (nopRecorder) MailDropped() {}
