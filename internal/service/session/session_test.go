package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/interview-live/backend/internal/model/fault"
	"github.com/zhouzirui/interview-live/backend/internal/model/message"
	sessionModel "github.com/zhouzirui/interview-live/backend/internal/model/session"
	"github.com/zhouzirui/interview-live/backend/internal/model/session/sessiontest"
	"github.com/zhouzirui/interview-live/backend/internal/model/usage"
	"github.com/zhouzirui/interview-live/backend/internal/service/auth"
)

type stubVerifier struct {
	users map[string]string
	err   error
}

func (v *stubVerifier) Verify(_ context.Context, token string) (string, error) {
	if v.err != nil {
		return "", v.err
	}
	if uid, ok := v.users[token]; ok {
		return uid, nil
	}
	return "", auth.ErrInvalidToken
}

type stubBalances struct {
	remaining int64
	err       error
}

func (b *stubBalances) Check(context.Context, string) (usage.Balance, error) {
	if b.err != nil {
		return usage.Balance{}, b.err
	}
	return usage.Balance{Sufficient: b.remaining > 0, Remaining: b.remaining}, nil
}

type endCall struct {
	userID, sessionID, reason string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []endCall
	err   error
}

func (n *recordingNotifier) EndSession(_ context.Context, userID, sessionID, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, endCall{userID, sessionID, reason})
	return n.err
}

func (n *recordingNotifier) Calls() []endCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]endCall(nil), n.calls...)
}

func newMachine(v *stubVerifier, b BalanceChecker) *Machine {
	return NewMachine(v, b, MachineOptions{AuthTimeout: time.Second, Logger: zerolog.Nop()})
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(RegistryOptions{Logger: zerolog.Nop()})

	a := reg.Create(sessiontest.NewConn())
	b := reg.Create(sessiontest.NewConn())
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, reg.Len())
	assert.ElementsMatch(t, []string{a.ID, b.ID}, reg.IDs())

	got, err := reg.Get(a.ID)
	require.NoError(t, err)
	assert.Same(t, a, got)

	assert.True(t, reg.Remove(a.ID))
	assert.False(t, reg.Remove(a.ID))
	_, err = reg.Get(a.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, reg.Snapshot(), 1)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry(RegistryOptions{Logger: zerolog.Nop()})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := reg.Create(sessiontest.NewConn())
			reg.Remove(s.ID)
		}()
		go func() {
			defer wg.Done()
			_ = reg.Snapshot()
			_ = reg.IDs()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryEndNotifiesOnce(t *testing.T) {
	notifier := &recordingNotifier{}
	reg := NewRegistry(RegistryOptions{Notifier: notifier, Logger: zerolog.Nop()})

	conn := sessiontest.NewConn()
	sess := reg.Create(conn)
	require.NoError(t, sess.Authenticate("u1"))

	assert.True(t, reg.End(context.Background(), sess, "client disconnected"))
	assert.False(t, reg.End(context.Background(), sess, "client disconnected"))

	assert.True(t, conn.IsClosed())
	assert.Equal(t, []endCall{{"u1", sess.ID, "client disconnected"}}, notifier.Calls())
}

func TestRegistryEndSkipsNotifyForAnonymous(t *testing.T) {
	notifier := &recordingNotifier{}
	reg := NewRegistry(RegistryOptions{Notifier: notifier, Logger: zerolog.Nop()})

	sess := reg.Create(sessiontest.NewConn())
	assert.True(t, reg.End(context.Background(), sess, "bye"))
	assert.Empty(t, notifier.Calls())
}

func TestHandleAuthSuccess(t *testing.T) {
	m := newMachine(&stubVerifier{users: map[string]string{"T1": "U1"}}, &stubBalances{remaining: 7})
	sess := sessionModel.New(sessiontest.NewConn(), time.Now())

	resp, err := m.HandleAuth(context.Background(), sess, "T1")
	require.NoError(t, err)

	assert.Equal(t, message.TypeAuthSuccess, resp.Type)
	assert.Equal(t, sess.ID, resp.SessionID)
	require.NotNil(t, resp.RemainingCredit)
	assert.Equal(t, int64(7), *resp.RemainingCredit)

	uid, ok := sess.UserID()
	assert.True(t, ok)
	assert.Equal(t, "U1", uid)
}

func TestHandleAuthIgnoresBalanceFailure(t *testing.T) {
	m := newMachine(&stubVerifier{users: map[string]string{"T1": "U1"}}, &stubBalances{err: errors.New("ledger down")})
	sess := sessionModel.New(sessiontest.NewConn(), time.Now())

	resp, err := m.HandleAuth(context.Background(), sess, "T1")
	require.NoError(t, err)
	assert.Nil(t, resp.RemainingCredit)
	assert.True(t, sess.Authenticated())
}

func TestHandleAuthRejectsInvalidToken(t *testing.T) {
	m := newMachine(&stubVerifier{}, nil)
	sess := sessionModel.New(sessiontest.NewConn(), time.Now())

	_, err := m.HandleAuth(context.Background(), sess, "bad")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.AuthError))
	assert.Equal(t, 401, fault.From(err).Code)
	assert.False(t, sess.Authenticated())
	assert.False(t, sess.Closed())
}

func TestHandleAuthVerifierUnavailable(t *testing.T) {
	m := newMachine(&stubVerifier{err: errors.New("connection refused")}, nil)
	sess := sessionModel.New(sessiontest.NewConn(), time.Now())

	_, err := m.HandleAuth(context.Background(), sess, "T1")
	assert.True(t, fault.Is(err, fault.UpstreamFailure))
	assert.False(t, sess.Authenticated())
}

func TestHandleAuthUserMismatch(t *testing.T) {
	m := newMachine(&stubVerifier{users: map[string]string{"T1": "U1", "T2": "U2"}}, nil)
	sess := sessionModel.New(sessiontest.NewConn(), time.Now())

	_, err := m.HandleAuth(context.Background(), sess, "T1")
	require.NoError(t, err)

	_, err = m.HandleAuth(context.Background(), sess, "T1")
	require.NoError(t, err)

	_, err = m.HandleAuth(context.Background(), sess, "T2")
	assert.True(t, fault.Is(err, fault.AuthorizationError))
	uid, _ := sess.UserID()
	assert.Equal(t, "U1", uid)
}

func TestAuthorize(t *testing.T) {
	m := newMachine(&stubVerifier{}, nil)
	sess := sessionModel.New(sessiontest.NewConn(), time.Now())

	assert.NoError(t, m.Authorize(sess, message.TypeAuth))
	err := m.Authorize(sess, message.TypeAudio)
	assert.True(t, fault.Is(err, fault.AuthorizationError))
	assert.Equal(t, 403, fault.From(err).Code)

	require.NoError(t, sess.Authenticate("U1"))
	assert.NoError(t, m.Authorize(sess, message.TypeScreenshot))
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	now := func() time.Time { return clock }

	notifier := &recordingNotifier{err: errors.New("stats down")}
	reg := NewRegistry(RegistryOptions{Notifier: notifier, Logger: zerolog.Nop(), Now: now})
	sweeper := NewSweeper(reg, SweeperOptions{Threshold: 30 * time.Minute, Logger: zerolog.Nop(), Now: now})

	idleConn := sessiontest.NewConn()
	idle := reg.Create(idleConn)
	require.NoError(t, idle.Authenticate("U1"))

	activeConn := sessiontest.NewConn()
	active := reg.Create(activeConn)

	clock = base.Add(20 * time.Minute)
	active.Touch(clock)

	evicted := sweeper.Sweep(context.Background(), base.Add(31*time.Minute))
	assert.Equal(t, []string{idle.ID}, evicted)
	assert.True(t, idleConn.IsClosed())
	assert.False(t, activeConn.IsClosed())
	assert.Equal(t, []string{active.ID}, reg.IDs())
	assert.Len(t, notifier.Calls(), 1)
}

func TestSweepNeverEvictsTouchedSession(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	reg := NewRegistry(RegistryOptions{Logger: zerolog.Nop(), Now: func() time.Time { return base }})
	sweeper := NewSweeper(reg, SweeperOptions{Threshold: 30 * time.Minute, Logger: zerolog.Nop()})

	sess := reg.Create(sessiontest.NewConn())
	for tick := 1; tick <= 24; tick++ {
		now := base.Add(time.Duration(tick) * 5 * time.Minute)
		assert.Empty(t, sweeper.Sweep(context.Background(), now))
		sess.Touch(now)
	}
	assert.Equal(t, 1, reg.Len())
}

func TestSweepSkipsBusySession(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	reg := NewRegistry(RegistryOptions{Logger: zerolog.Nop(), Now: func() time.Time { return base }})
	sweeper := NewSweeper(reg, SweeperOptions{Threshold: time.Minute, Logger: zerolog.Nop()})

	sess := reg.Create(sessiontest.NewConn())
	require.True(t, sess.BeginWork())
	assert.Empty(t, sweeper.Sweep(context.Background(), base.Add(time.Hour)))

	sess.EndWork()
	assert.Equal(t, []string{sess.ID}, sweeper.Sweep(context.Background(), base.Add(time.Hour)))
}

func TestSweepBlocksWorkOnEvictedSession(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	reg := NewRegistry(RegistryOptions{Logger: zerolog.Nop(), Now: func() time.Time { return base }})
	sweeper := NewSweeper(reg, SweeperOptions{Threshold: time.Minute, Logger: zerolog.Nop()})

	sess := reg.Create(sessiontest.NewConn())
	assert.Equal(t, []string{sess.ID}, sweeper.Sweep(context.Background(), base.Add(time.Hour)))

	// a frame that raced the sweep must not start billable work
	sess.Touch(base.Add(time.Hour))
	assert.False(t, sess.BeginWork())
	assert.False(t, sess.Busy())
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	reg := NewRegistry(RegistryOptions{Logger: zerolog.Nop()})
	sweeper := NewSweeper(reg, SweeperOptions{Interval: 5 * time.Millisecond, Threshold: time.Nanosecond, Logger: zerolog.Nop()})

	conn := sessiontest.NewConn()
	reg.Create(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, conn.IsClosed, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.Equal(t, 0, reg.Len())
}
