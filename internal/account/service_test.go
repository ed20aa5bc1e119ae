package account

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membersite/internal/mail"
	"membersite/internal/password"
	"membersite/internal/session"
	"membersite/internal/store"
	"membersite/internal/validate"
	"membersite/internal/workflow"
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

func (r *recordingNotifier) last(t *testing.T) mail.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.msgs)
	return r.msgs[len(r.msgs)-1]
}

type fixture struct {
	svc      *Service
	storage  *store.Memory
	sessions *session.Store
	notifier *recordingNotifier
	hasher   *password.Hasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hasher, err := password.NewHasher(password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16})
	require.NoError(t, err)

	f := &fixture{
		storage:  store.NewMemory(store.DefaultSchema()),
		sessions: session.New(30*time.Minute, 100),
		notifier: &recordingNotifier{},
		hasher:   hasher,
	}
	f.svc = NewService(Deps{
		Storage:   f.storage,
		Sessions:  f.sessions,
		Hasher:    hasher,
		Validator: validate.New(f.storage),
		Notifier:  f.notifier,
	}, Config{SiteName: "OLMMCC", SupportContact: "help@x.com"})
	return f
}

// addUser inserts a verified account with the given password.
func (f *fixture) addUser(t *testing.T, email, plain string, admin bool) {
	t.Helper()
	digest, err := f.hasher.Hash(plain)
	require.NoError(t, err)
	adminFlag := "0"
	if admin {
		adminFlag = "1"
	}
	require.NoError(t, f.storage.Insert(context.Background(), "users",
		[]string{"email", "password", "verified", "admin", "subscription_policy", "invalid_email"},
		[]string{email, digest, "1", adminFlag, "2", "0"}))
}

func (f *fixture) session(t *testing.T, id string) *session.Session {
	t.Helper()
	sess, ok := f.sessions.Lookup(id)
	require.True(t, ok, "session %s should exist", id)
	return sess
}

func codeFrom(t *testing.T, msg mail.Message) string {
	t.Helper()
	const marker = "website: "
	i := strings.Index(msg.Body, marker)
	require.GreaterOrEqual(t, i, 0, "body carries no code: %q", msg.Body)
	return msg.Body[i+len(marker) : i+len(marker)+workflow.CodeLength]
}

func TestSignup_NormalizesAndCreatesUnverified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Signup(ctx, "A@X.com", "", "")
	require.NoError(t, err)
	assert.False(t, res.Verified)
	require.NotEmpty(t, res.SessionID)

	rows, err := f.storage.RowsMatching(ctx, "users", "email", "a@x.com")
	require.NoError(t, err)
	require.Equal(t, 1, rows.Len())
	assert.Equal(t, "0", rows.Text(0, "verified"))
	assert.Equal(t, "0", rows.Text(0, "admin"))
	assert.Equal(t, "1", rows.Text(0, "subscription_policy"))
	assert.Equal(t, "", rows.Text(0, "password"))

	sess := f.session(t, res.SessionID)
	assert.True(t, sess.Unverified())
	v, _ := sess.Get(session.KeyNotVerifiedEmail)
	assert.Equal(t, "a@x.com", v)
	_, ok := sess.Get(session.KeyEmail)
	assert.False(t, ok, "unverified sessions carry no email identity")
}

func TestSignup_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "taken@x.com", "password1", false)
	before := f.storage.Mutations()

	_, err := f.svc.Signup(ctx, "TAKEN@x.com", "", "")
	var ve *validate.Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, validate.MsgEmailRegistered, ve.Message)

	_, err = f.svc.Signup(ctx, "bad", "", "")
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, validate.MsgInvalidEmail, ve.Message)

	_, err = f.svc.Signup(ctx, "new@x.com", "password1", "password2")
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, validate.MsgPasswordsMismatch, ve.Message)

	assert.Equal(t, before, f.storage.Mutations(), "validation failures write nothing")
}

func TestSignup_WithPasswordThenLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Signup(ctx, "a@x.com", "password1", "password1")
	require.NoError(t, err)

	res, err := f.svc.Login(ctx, "a@x.com", "password1")
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestLogin_VerifiedAccount(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "a@x.com", "correct-pass", true)

	res, err := f.svc.Login(context.Background(), "A@x.COM", "correct-pass")
	require.NoError(t, err)
	assert.True(t, res.Verified)

	sess := f.session(t, res.SessionID)
	assert.True(t, sess.Verified())
	assert.True(t, sess.Admin())
	email, _ := sess.Email()
	assert.Equal(t, "a@x.com", email)
	sub, _ := sess.Get(session.KeySubscriptionPolicy)
	assert.Equal(t, "2", sub)
	id, ok := sess.UserID()
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
}

func TestLogin_WrongPassword(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "a@x.com", "correct-pass", false)
	before := f.sessions.Len()

	res, err := f.svc.Login(context.Background(), "a@x.com", "wrong-pass")
	require.ErrorIs(t, err, ErrWrongPassword)
	assert.Equal(t, "Wrong password, please try again.", err.(*UserError).UserMessage())
	assert.Equal(t, before+1, f.sessions.Len(), "only the empty session was created")
	assert.Empty(t, f.session(t, res.SessionID).Values(), "a failed login writes nothing into the session")
}

func TestLogin_UnknownEmail(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Login(context.Background(), "who@x.com", "whatever")
	require.ErrorIs(t, err, ErrNotRegistered)
	assert.Equal(t, "This email address is not registered. Please create a new account.", ErrNotRegistered.Message)
}

func TestLogin_PasswordlessAccountCannotLogIn(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Signup(context.Background(), "a@x.com", "", "")
	require.NoError(t, err)

	_, err = f.svc.Login(context.Background(), "a@x.com", "")
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestPasswordReset_LoggedIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "a@x.com", "old-password", false)

	res, err := f.svc.Login(ctx, "a@x.com", "old-password")
	require.NoError(t, err)
	sess := f.session(t, res.SessionID)

	started, err := f.svc.StartPasswordReset(ctx, sess, "", "new-password", "new-password")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", started.Email)
	assert.Equal(t, res.SessionID, started.SessionID)

	msg := f.notifier.last(t)
	assert.Equal(t, "a@x.com", msg.To)
	assert.Equal(t, "Verify your Password Change Request", msg.Subject)
	assert.Contains(t, msg.Body, "help@x.com")

	require.NoError(t, f.svc.ConfirmPasswordReset(ctx, sess, codeFrom(t, msg)))

	for _, key := range []session.Key{session.KeyPasswordChangeCode, session.KeyNewPassword} {
		_, ok := sess.Get(key)
		assert.False(t, ok, "%s should be cleared", key)
	}

	_, err = f.svc.Login(ctx, "a@x.com", "old-password")
	assert.ErrorIs(t, err, ErrWrongPassword)
	_, err = f.svc.Login(ctx, "a@x.com", "new-password")
	assert.NoError(t, err)
}

func TestPasswordReset_Forgotten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "a@x.com", "old-password", false)

	started, err := f.svc.StartPasswordReset(ctx, nil, "A@X.com", "new-password", "new-password")
	require.NoError(t, err)
	sess := f.session(t, started.SessionID)
	v, _ := sess.Get(session.KeyForgotPasswordEmail)
	assert.Equal(t, "a@x.com", v)

	require.NoError(t, f.svc.ConfirmPasswordReset(ctx, sess, codeFrom(t, f.notifier.last(t))))
	_, ok := f.sessions.Lookup(started.SessionID)
	assert.False(t, ok, "reset-only session is closed")

	_, err = f.svc.Login(ctx, "a@x.com", "new-password")
	assert.NoError(t, err)
}

func TestPasswordReset_UnknownEmailAndMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "a@x.com", "old-password", false)

	_, err := f.svc.StartPasswordReset(ctx, nil, "nobody@x.com", "new-password", "new-password")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	started, err := f.svc.StartPasswordReset(ctx, nil, "a@x.com", "new-password", "new-password")
	require.NoError(t, err)
	sess := f.session(t, started.SessionID)

	before := f.storage.Mutations()
	err = f.svc.ConfirmPasswordReset(ctx, sess, "AAAAAAAAAAAAAAAA")
	assert.ErrorIs(t, err, workflow.ErrCodeMismatch)
	assert.Equal(t, before, f.storage.Mutations())

	_, err = f.svc.Login(ctx, "a@x.com", "old-password")
	assert.NoError(t, err)
}

func TestEmailChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "a@x.com", "password1", false)
	f.addUser(t, "b@x.com", "password1", false)

	res, err := f.svc.Login(ctx, "a@x.com", "password1")
	require.NoError(t, err)
	sess := f.session(t, res.SessionID)

	_, err = f.svc.StartEmailChange(ctx, sess, "b@x.com")
	var ve *validate.Error
	require.True(t, errors.As(err, &ve))

	current, err := f.svc.StartEmailChange(ctx, sess, "New@x.com")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", current)

	msg := f.notifier.last(t)
	assert.Equal(t, "a@x.com", msg.To, "the code goes to the current address")
	assert.Contains(t, msg.Body, "new@x.com")

	require.NoError(t, f.svc.ConfirmEmailChange(ctx, sess, codeFrom(t, msg)))
	email, _ := sess.Email()
	assert.Equal(t, "new@x.com", email)
	_, ok := sess.Get(session.KeyNewEmail)
	assert.False(t, ok)

	_, err = f.svc.Login(ctx, "new@x.com", "password1")
	assert.NoError(t, err)
}

func TestAccountDeletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "a@x.com", "password1", false)

	res, err := f.svc.Login(ctx, "a@x.com", "password1")
	require.NoError(t, err)
	sess := f.session(t, res.SessionID)

	email, err := f.svc.StartDeletion(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", email)
	msg := f.notifier.last(t)
	assert.Equal(t, "Verify your Account Deletion Request", msg.Subject)

	require.NoError(t, f.svc.ConfirmDeletion(ctx, sess, codeFrom(t, msg)))
	_, ok := f.sessions.Lookup(res.SessionID)
	assert.False(t, ok)

	_, err = f.svc.Login(ctx, "a@x.com", "password1")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestAccountDeletion_ClosesEverySessionOfTheAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "a@x.com", "password1", true)
	f.addUser(t, "b@x.com", "password1", false)

	first, err := f.svc.Login(ctx, "a@x.com", "password1")
	require.NoError(t, err)
	second, err := f.svc.Login(ctx, "a@x.com", "password1")
	require.NoError(t, err)
	other, err := f.svc.Login(ctx, "b@x.com", "password1")
	require.NoError(t, err)
	require.True(t, f.session(t, second.SessionID).Admin())

	sess := f.session(t, first.SessionID)
	_, err = f.svc.StartDeletion(ctx, sess)
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmDeletion(ctx, sess, codeFrom(t, f.notifier.last(t))))

	_, ok := f.sessions.Lookup(second.SessionID)
	assert.False(t, ok, "a second sign-in of the deleted admin must not survive")
	_, ok = f.sessions.Lookup(other.SessionID)
	assert.True(t, ok)
}

func TestSignup_ConcurrentSameEmail(t *testing.T) {
	f := newFixture(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		messages []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Signup(context.Background(), "a@x.com", "", "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
				return
			}
			var uf interface{ UserMessage() string }
			if errors.As(err, &uf) {
				messages = append(messages, uf.UserMessage())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	require.Len(t, messages, 7)
	for _, m := range messages {
		assert.Equal(t, validate.MsgEmailRegistered, m)
	}
	rows, err := f.storage.RowsMatching(context.Background(), "users", "email", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 1, rows.Len())
}

func TestSignupVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Signup(ctx, "a@x.com", "", "")
	require.NoError(t, err)
	sess := f.session(t, res.SessionID)

	require.NoError(t, f.svc.SendVerification(ctx, sess))
	msg := f.notifier.last(t)
	assert.Equal(t, "Verify your OLMMCC account", msg.Subject)
	assert.Equal(t, "a@x.com", msg.To)

	assert.ErrorIs(t, f.svc.VerifyAccount(ctx, sess, "wrong"), workflow.ErrCodeMismatch)
	require.NoError(t, f.svc.VerifyAccount(ctx, sess, codeFrom(t, msg)))

	assert.True(t, sess.Verified())
	email, _ := sess.Email()
	assert.Equal(t, "a@x.com", email)
	_, ok := sess.Get(session.KeyNotVerifiedEmail)
	assert.False(t, ok)

	assert.ErrorIs(t, f.svc.SendVerification(ctx, sess), ErrNotAuthorized, "verified sessions cannot re-verify")
}

func TestVerifiedOnlyOperationsRejectAnonymous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	anon := f.sessions.Create()

	_, err := f.svc.StartEmailChange(ctx, anon, "x@x.com")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = f.svc.StartDeletion(ctx, anon)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = f.svc.StartPasswordReset(ctx, anon, "", "password1", "password1")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = f.svc.Account(anon, "email")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = f.svc.ChangeSubscription(ctx, anon, "1")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.ErrorIs(t, f.svc.ConfirmDeletion(ctx, nil, "x"), ErrNotAuthorized)
	assert.Empty(t, f.notifier.msgs)
}

func TestAccountDetailsAndSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "a@x.com", "password1", false)

	res, err := f.svc.Login(ctx, "a@x.com", "password1")
	require.NoError(t, err)
	sess := f.session(t, res.SessionID)

	got, err := f.svc.Account(sess, "email,subscription_policy")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "a@x.com", "subscription_policy": "2"}, got)

	msg, err := f.svc.ChangeSubscription(ctx, sess, "0")
	require.NoError(t, err)
	assert.Equal(t, "You are now unsubscribed from receiving emails.", msg)

	_, err = f.svc.ChangeSubscription(ctx, sess, "7")
	var ve *validate.Error
	require.True(t, errors.As(err, &ve))

	rows, err := f.storage.RowsMatching(ctx, "users", "email", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "0", rows.Text(0, "subscription_policy"))

	require.NoError(t, f.storage.UpdateWhere(ctx, "users", "email", "a@x.com", "admin", "1"))
	require.NoError(t, f.svc.RefreshSession(ctx, sess))
	assert.True(t, sess.Admin())

	f.svc.Logout(sess)
	_, ok := f.sessions.Lookup(res.SessionID)
	assert.False(t, ok)
}
