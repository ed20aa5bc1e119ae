package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membersite/internal/mail"
	"membersite/internal/session"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []mail.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg mail.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

type testPayload struct{ value string }

// hooks lets a test pause a workflow inside Stash or Apply.
type hooks struct {
	stash func(p testPayload)
	apply func(value string)
}

func testDefinition(applied *[]string, applyErr *error, h hooks) Definition[testPayload] {
	var mu sync.Mutex
	return Definition[testPayload]{
		Name:    "test",
		CodeKey: session.KeyPasswordChangeCode,
		Pending: []session.Key{session.KeyNewPassword},
		Stash: func(p testPayload) map[session.Key]string {
			if h.stash != nil {
				h.stash(p)
			}
			return map[session.Key]string{session.KeyNewPassword: p.value}
		},
		Apply: func(_ context.Context, _ *session.Session, pending map[session.Key]string) error {
			if applyErr != nil && *applyErr != nil {
				return *applyErr
			}
			v := pending[session.KeyNewPassword]
			if h.apply != nil {
				h.apply(v)
			}
			mu.Lock()
			*applied = append(*applied, v)
			mu.Unlock()
			return nil
		},
		Subject: "Confirm",
		Body:    func(code string, p testPayload) string { return fmt.Sprintf("code %s for %s", code, p.value) },
	}
}

func newTestWorkflow(n mail.Notifier, applied *[]string, applyErr *error, opts ...Option) *Workflow[testPayload] {
	return New(testDefinition(applied, applyErr, hooks{}), n, opts...)
}

// sequentialCodes hands out CODE0000000000001, CODE0000000000002, ...
func sequentialCodes() Option {
	var (
		mu sync.Mutex
		n  int
	)
	return WithCodeSource(func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("CODE%012d", n), nil
	})
}

func TestNewCode_Shape(t *testing.T) {
	re := regexp.MustCompile(`^[A-Za-z0-9]{16}$`)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := NewCode()
		require.NoError(t, err)
		require.Regexp(t, re, code)
		require.False(t, seen[code])
		seen[code] = true
	}
}

func TestNewCode_RejectsBiasedBytes(t *testing.T) {
	src := bytes.NewReader(append(bytes.Repeat([]byte{255}, 32), bytes.Repeat([]byte{1}, 32)...))
	code, err := newCodeFrom(src)
	require.NoError(t, err)
	assert.Equal(t, "BBBBBBBBBBBBBBBB", code)
}

func TestWorkflow_StartThenConfirm(t *testing.T) {
	store := session.New(time.Minute, 10)
	sess := store.Create()
	n := &recordingNotifier{}
	var applied []string
	w := newTestWorkflow(n, &applied, nil)

	code, err := w.Start(context.Background(), sess, testPayload{value: "p1"}, "a@x.com")
	require.NoError(t, err)
	require.Len(t, n.msgs, 1)
	assert.Equal(t, "a@x.com", n.msgs[0].To)
	assert.Equal(t, "code "+code+" for p1", n.msgs[0].Body)

	require.NoError(t, w.Confirm(context.Background(), sess, code))
	assert.Equal(t, []string{"p1"}, applied)
	_, ok := sess.Get(session.KeyPasswordChangeCode)
	assert.False(t, ok)
	_, ok = sess.Get(session.KeyNewPassword)
	assert.False(t, ok)
}

func TestWorkflow_MismatchHasNoEffect(t *testing.T) {
	store := session.New(time.Minute, 10)
	sess := store.Create()
	var applied []string
	w := newTestWorkflow(&recordingNotifier{}, &applied, nil)

	code, err := w.Start(context.Background(), sess, testPayload{value: "p1"}, "a@x.com")
	require.NoError(t, err)

	err = w.Confirm(context.Background(), sess, "wrong")
	assert.ErrorIs(t, err, ErrCodeMismatch)
	assert.Empty(t, applied)
	v, _ := sess.Get(session.KeyPasswordChangeCode)
	assert.Equal(t, code, v)
	v, _ = sess.Get(session.KeyNewPassword)
	assert.Equal(t, "p1", v)
}

func TestWorkflow_ConfirmWithoutStart(t *testing.T) {
	store := session.New(time.Minute, 10)
	var applied []string
	w := newTestWorkflow(&recordingNotifier{}, &applied, nil)

	err := w.Confirm(context.Background(), store.Create(), "")
	assert.ErrorIs(t, err, ErrCodeMismatch)
	assert.Empty(t, applied)
}

func TestWorkflow_NewCodeReplacesOld(t *testing.T) {
	store := session.New(time.Minute, 10)
	sess := store.Create()
	var applied []string
	w := newTestWorkflow(&recordingNotifier{}, &applied, nil)
	ctx := context.Background()

	oldCode, err := w.Start(ctx, sess, testPayload{value: "first"}, "a@x.com")
	require.NoError(t, err)
	newCode, err := w.Start(ctx, sess, testPayload{value: "second"}, "a@x.com")
	require.NoError(t, err)
	require.NotEqual(t, oldCode, newCode)

	assert.ErrorIs(t, w.Confirm(ctx, sess, oldCode), ErrCodeMismatch)
	require.NoError(t, w.Confirm(ctx, sess, newCode))
	assert.Equal(t, []string{"second"}, applied)
}

func TestWorkflow_ReconfirmRejected(t *testing.T) {
	store := session.New(time.Minute, 10)
	sess := store.Create()
	var applied []string
	w := newTestWorkflow(&recordingNotifier{}, &applied, nil)
	ctx := context.Background()

	code, err := w.Start(ctx, sess, testPayload{value: "p"}, "a@x.com")
	require.NoError(t, err)
	require.NoError(t, w.Confirm(ctx, sess, code))
	assert.ErrorIs(t, w.Confirm(ctx, sess, code), ErrCodeMismatch)
	assert.Len(t, applied, 1)
}

func TestWorkflow_ApplyFailureKeepsCode(t *testing.T) {
	store := session.New(time.Minute, 10)
	sess := store.Create()
	var applied []string
	applyErr := errors.New("db down")
	w := newTestWorkflow(&recordingNotifier{}, &applied, &applyErr)
	ctx := context.Background()

	code, err := w.Start(ctx, sess, testPayload{value: "p"}, "a@x.com")
	require.NoError(t, err)

	err = w.Confirm(ctx, sess, code)
	require.ErrorIs(t, err, applyErr)
	assert.NotErrorIs(t, err, ErrCodeMismatch)

	applyErr = nil
	require.NoError(t, w.Confirm(ctx, sess, code))
	assert.Equal(t, []string{"p"}, applied)
}

func TestWorkflow_ExpiredSession(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := session.New(time.Minute, 10, session.WithClock(func() time.Time { return now }))
	sess := store.Create()
	var applied []string
	w := newTestWorkflow(&recordingNotifier{}, &applied, nil)

	code, err := w.Start(context.Background(), sess, testPayload{value: "p"}, "a@x.com")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	assert.ErrorIs(t, w.Confirm(context.Background(), sess, code), ErrCodeMismatch)
	assert.Empty(t, applied)
}

func TestWorkflow_FixedCodeSource(t *testing.T) {
	store := session.New(time.Minute, 10)
	n := &recordingNotifier{}
	w := New(Definition[struct{}]{
		Name:    "fixed",
		CodeKey: session.KeyDeleteCode,
		Apply:   func(context.Context, *session.Session, map[session.Key]string) error { return nil },
		Subject: "s",
		Body:    func(code string, _ struct{}) string { return code },
	}, n, WithCodeSource(func() (string, error) { return "FIXEDCODE0000000", nil }))

	code, err := w.Start(context.Background(), store.Create(), struct{}{}, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "FIXEDCODE0000000", code)
	assert.Equal(t, "FIXEDCODE0000000", n.msgs[0].Body)
}

func TestWorkflow_InterleavedStartsKeepCodeWithPayload(t *testing.T) {
	store := session.New(time.Minute, 10)
	sess := store.Create()
	var applied []string
	paused := make(chan struct{})
	resume := make(chan struct{})
	w := New(testDefinition(&applied, nil, hooks{stash: func(p testPayload) {
		if p.value == "A" {
			close(paused)
			<-resume
		}
	}}), &recordingNotifier{}, sequentialCodes())
	ctx := context.Background()

	var codeA string
	done := make(chan error, 1)
	go func() {
		var err error
		codeA, err = w.Start(ctx, sess, testPayload{value: "A"}, "a@x.com")
		done <- err
	}()
	<-paused
	codeB, err := w.Start(ctx, sess, testPayload{value: "B"}, "a@x.com")
	require.NoError(t, err)
	close(resume)
	require.NoError(t, <-done)

	assert.ErrorIs(t, w.Confirm(ctx, sess, codeB), ErrCodeMismatch, "the later write replaced code B")
	require.NoError(t, w.Confirm(ctx, sess, codeA))
	assert.Equal(t, []string{"A"}, applied)
}

func TestWorkflow_StartDuringConfirmIsNotConsumed(t *testing.T) {
	store := session.New(time.Minute, 10)
	sess := store.Create()
	var applied []string
	applying := make(chan struct{})
	resume := make(chan struct{})
	w := New(testDefinition(&applied, nil, hooks{apply: func(v string) {
		if v == "A" {
			close(applying)
			<-resume
		}
	}}), &recordingNotifier{}, sequentialCodes())
	ctx := context.Background()

	codeA, err := w.Start(ctx, sess, testPayload{value: "A"}, "a@x.com")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Confirm(ctx, sess, codeA) }()
	<-applying
	codeB, err := w.Start(ctx, sess, testPayload{value: "B"}, "a@x.com")
	require.NoError(t, err)
	close(resume)
	require.NoError(t, <-done)

	v, ok := sess.Get(session.KeyNewPassword)
	require.True(t, ok, "B's payload survives A's confirmation")
	assert.Equal(t, "B", v)

	require.NoError(t, w.Confirm(ctx, sess, codeB))
	assert.Equal(t, []string{"A", "B"}, applied)
}

func TestWorkflow_ApplyFailureRestoresPayload(t *testing.T) {
	store := session.New(time.Minute, 10)
	sess := store.Create()
	var applied []string
	applyErr := errors.New("db down")
	w := newTestWorkflow(&recordingNotifier{}, &applied, &applyErr, sequentialCodes())
	ctx := context.Background()

	code, err := w.Start(ctx, sess, testPayload{value: "p"}, "a@x.com")
	require.NoError(t, err)
	require.Error(t, w.Confirm(ctx, sess, code))

	v, _ := sess.Get(session.KeyNewPassword)
	assert.Equal(t, "p", v)

	newer, err := w.Start(ctx, sess, testPayload{value: "q"}, "a@x.com")
	require.NoError(t, err)
	require.Error(t, w.Confirm(ctx, sess, newer))
	held, _ := sess.Get(session.KeyPasswordChangeCode)
	assert.Equal(t, newer, held)
}

func TestWorkflow_StartOnGoneSession(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := session.New(time.Minute, 10, session.WithClock(func() time.Time { return now }))
	sess := store.Create()
	n := &recordingNotifier{}
	var applied []string
	w := newTestWorkflow(n, &applied, nil)

	now = now.Add(time.Minute)
	_, err := w.Start(context.Background(), sess, testPayload{value: "p"}, "a@x.com")
	assert.ErrorIs(t, err, ErrSessionGone)
	assert.Empty(t, n.msgs, "no code is mailed for a session that cannot hold it")

	deleted := store.Create()
	deleted.Delete()
	_, err = w.Start(context.Background(), deleted, testPayload{value: "p"}, "a@x.com")
	assert.ErrorIs(t, err, ErrSessionGone)
	assert.Empty(t, n.msgs)
}
