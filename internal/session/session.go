// Package session keeps short-lived, server-side visitor state.
//
// A Store owns every session. Sessions live for a fixed TTL counted from
// creation (reads never extend it) and the store holds at most capacity of
// them: creating one more evicts the oldest-created session even when it has
// not expired yet. Under load a legitimate session can therefore disappear
// early; callers treat a missing session as the normal unauthenticated path.
//
// Account removal sweeps every session carrying the account's id with
// DeleteMatching, so no surviving session keeps the deleted identity.
package session

import (
	"container/list"
	"crypto/subtle"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Key names a session field. Only the constants below are ever stored.
type Key string

const (
	KeyID                  Key = "id"
	KeyEmail               Key = "email"
	KeyVerified            Key = "verified"
	KeyAdmin               Key = "admin"
	KeySubscriptionPolicy  Key = "subscription_policy"
	KeyInvalidEmail        Key = "invalid_email"
	KeyNotVerifiedEmail    Key = "not_verified_email"
	KeyForgotPasswordEmail Key = "forgot_password_email"
	KeyVerificationCode    Key = "verification_code"
	KeyPasswordChangeCode  Key = "password_change_code"
	KeyNewPassword         Key = "new_password"
	KeyEmailChangeCode     Key = "email_change_code"
	KeyNewEmail            Key = "new_email"
	KeyDeleteCode          Key = "delete_code"
)

// Observer receives lifecycle notifications. Calls happen with the store
// lock held and must not block.
type Observer interface {
	SessionCreated()
	SessionEvicted()
	SessionExpired()
}

type entry struct {
	id        string
	createdAt time.Time
	values    map[Key]string
	elem      *list.Element
}

type Store struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time
	observer Observer

	byID  map[string]*entry
	order *list.List // oldest first
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

func New(ttl time.Duration, capacity int, opts ...Option) *Store {
	if capacity < 1 {
		capacity = 1
	}
	s := &Store{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		byID:     make(map[string]*entry),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates an empty session with a fresh random identifier.
func (s *Store) Create() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.purgeExpiredLocked(now)
	for s.order.Len() >= s.capacity {
		s.removeLocked(s.order.Front().Value.(*entry))
		if s.observer != nil {
			s.observer.SessionEvicted()
		}
	}

	id := uuid.NewString()
	for s.byID[id] != nil {
		id = uuid.NewString()
	}

	e := &entry{id: id, createdAt: now, values: make(map[Key]string)}
	e.elem = s.order.PushBack(e)
	s.byID[id] = e
	if s.observer != nil {
		s.observer.SessionCreated()
	}
	return &Session{store: s, id: id}
}

// Lookup returns the session if it exists and has not expired.
func (s *Store) Lookup(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked(s.now())
	if _, ok := s.byID[id]; !ok {
		return nil, false
	}
	return &Session{store: s, id: id}, true
}

// Len reports the number of sessions currently held, expired ones included
// until the next purge.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *Store) expiredLocked(e *entry, now time.Time) bool {
	return !now.Before(e.createdAt.Add(s.ttl))
}

// purgeExpiredLocked drops expired sessions from the front of the creation
// order. All sessions share one TTL, so the first live one ends the scan.
func (s *Store) purgeExpiredLocked(now time.Time) {
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		e := front.Value.(*entry)
		if !s.expiredLocked(e, now) {
			return
		}
		s.removeLocked(e)
		if s.observer != nil {
			s.observer.SessionExpired()
		}
	}
}

func (s *Store) removeLocked(e *entry) {
	s.order.Remove(e.elem)
	delete(s.byID, e.id)
}

// DeleteMatching removes every session whose key field equals value and
// reports how many went.
func (s *Store) DeleteMatching(key Key, value string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.byID {
		if v, ok := e.values[key]; ok && v == value {
			s.removeLocked(e)
			n++
		}
	}
	return n
}

// liveLocked returns the entry for id if it is present and unexpired.
func (s *Store) liveLocked(id string) (*entry, bool) {
	e, ok := s.byID[id]
	if !ok || s.expiredLocked(e, s.now()) {
		return nil, false
	}
	return e, true
}

// Session is a handle to one stored session. Every method goes through the
// owning store's lock; once the session is gone reads report absent and
// writes are dropped.
type Session struct {
	store *Store
	id    string
}

func (s *Session) ID() string { return s.id }

func (s *Session) Get(key Key) (string, bool) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	e, ok := s.store.liveLocked(s.id)
	if !ok {
		return "", false
	}
	v, ok := e.values[key]
	return v, ok
}

func (s *Session) Set(key Key, value string) *Session {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if e, ok := s.store.liveLocked(s.id); ok {
		e.values[key] = value
	}
	return s
}

func (s *Session) Unset(keys ...Key) *Session {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if e, ok := s.store.liveLocked(s.id); ok {
		for _, key := range keys {
			delete(e.values, key)
		}
	}
	return s
}

// Update runs fn on the session's fields under the store lock, so several
// fields change together. It reports false without calling fn once the
// session is gone.
func (s *Session) Update(fn func(values map[Key]string)) bool {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	e, ok := s.store.liveLocked(s.id)
	if !ok {
		return false
	}
	fn(e.values)
	return true
}

// ConsumeWith removes key if its value equals want, comparing in constant
// time. In the same step it removes the fields named by take and returns
// those that were set. Two concurrent callers cannot both consume the same
// value.
func (s *Session) ConsumeWith(key Key, want string, take ...Key) (map[Key]string, bool) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	e, ok := s.store.liveLocked(s.id)
	if !ok {
		return nil, false
	}
	have, ok := e.values[key]
	if !ok || want == "" || subtle.ConstantTimeCompare([]byte(have), []byte(want)) != 1 {
		return nil, false
	}
	delete(e.values, key)

	taken := make(map[Key]string, len(take))
	for _, k := range take {
		if v, ok := e.values[k]; ok {
			taken[k] = v
			delete(e.values, k)
		}
	}
	return taken, true
}

// Delete removes the session from its store. Deleting twice is a no-op.
func (s *Session) Delete() {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if e, ok := s.store.byID[s.id]; ok {
		s.store.removeLocked(e)
	}
}

// Values returns a copy of every field currently set.
func (s *Session) Values() map[Key]string {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	out := make(map[Key]string)
	if e, ok := s.store.liveLocked(s.id); ok {
		for k, v := range e.values {
			out[k] = v
		}
	}
	return out
}

func (s *Session) flag(key Key) bool {
	v, ok := s.Get(key)
	return ok && v == "1"
}

func (s *Session) Verified() bool { return s.flag(KeyVerified) }

// Unverified reports whether the session belongs to an account that still
// awaits email verification. Anonymous sessions are neither verified nor
// unverified.
func (s *Session) Unverified() bool {
	v, ok := s.Get(KeyVerified)
	return ok && v == "0"
}

func (s *Session) Admin() bool { return s.flag(KeyAdmin) }

func (s *Session) UserID() (int64, bool) {
	raw, ok := s.Get(KeyID)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (s *Session) Email() (string, bool) {
	v, ok := s.Get(KeyEmail)
	return v, ok && v != ""
}
