package autoinit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/ashbot/ash/internal/crisis"
	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/kv"
)

type fakeSessions struct {
	mu     sync.Mutex
	starts []string
	err    error
}

func (f *fakeSessions) Start(_ context.Context, userID string, _ crisis.Severity, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.starts = append(f.starts, userID)
	return nil
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type fakeAnnotator struct {
	mu            sync.Mutex
	autoInitiated []string
	optedOut      []string
}

func (f *fakeAnnotator) AnnotateAutoInitiated(_ context.Context, alert *PendingAlert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoInitiated = append(f.autoInitiated, alert.AlertMessageID)
}

func (f *fakeAnnotator) AnnotateOptOut(_ context.Context, alert *PendingAlert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.optedOut = append(f.optedOut, alert.AlertMessageID)
}

type fixture struct {
	mgr      *Manager
	store    kv.Store
	sessions *fakeSessions
	ann      *fakeAnnotator
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewRedisStoreFromClient(client, nil)

	f := &fixture{store: store, sessions: &fakeSessions{}, ann: &fakeAnnotator{}, now: time.Unix(1000, 0)}
	f.mgr = New(store, Options{
		Enabled:     true,
		Delay:       3 * time.Minute,
		MinSeverity: crisis.SeverityHigh,
		Now:         func() time.Time { return f.now },
	})
	f.mgr.SetSessionStarter(f.sessions)
	f.mgr.SetAnnotator(f.ann)
	return f
}

func pending(id, user string, sev crisis.Severity) *PendingAlert {
	return &PendingAlert{
		AlertMessageID: id,
		AlertChannelID: "crisis",
		GuildID:        "g",
		UserID:         user,
		Severity:       sev,
	}
}

func TestTrackPersistsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Track(ctx, pending("a1", "u1", crisis.SeverityHigh)))
	require.Equal(t, 1, f.mgr.Pending())

	raw, err := f.store.Get(ctx, KeyPrefix+"a1")
	require.NoError(t, err)

	var rec PendingAlert
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	require.Equal(t, "u1", rec.UserID)
	require.False(t, rec.Acknowledged)
	require.True(t, rec.ExpiresAt.Equal(f.now.Add(3*time.Minute)))
}

func TestTrackSkipsBelowMinSeverity(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Track(context.Background(), pending("a1", "u1", crisis.SeverityMedium)))
	require.Zero(t, f.mgr.Pending())
}

func TestCancelStopsTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Track(ctx, pending("a1", "u1", crisis.SeverityHigh)))

	resolved, err := f.mgr.Cancel(ctx, "a1", ResolutionAcknowledged, "crt-1")
	require.NoError(t, err)
	require.Equal(t, ResolutionAcknowledged, resolved.Resolution)
	require.Len(t, resolved.Audit, 1)
	require.Equal(t, "crt-1", resolved.Audit[0].Actor)
	require.Zero(t, f.mgr.Pending())

	// The sweep after an acknowledgement must not start a session.
	f.now = f.now.Add(5 * time.Minute)
	f.mgr.sweep(ctx)
	require.Zero(t, f.sessions.count())
}

func TestCancelTwiceReportsAlreadyResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Track(ctx, pending("a1", "u1", crisis.SeverityHigh)))
	_, err := f.mgr.Cancel(ctx, "a1", ResolutionAcknowledged, "crt-1")
	require.NoError(t, err)

	_, err = f.mgr.Cancel(ctx, "a1", ResolutionResolved, "crt-2")
	require.ErrorIs(t, err, errs.ErrAlreadyResolved)
}

func TestCancelUnknownAlert(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Cancel(context.Background(), "missing", ResolutionAcknowledged, "crt-1")
	require.ErrorIs(t, err, errs.ErrAlreadyResolved)
}

func TestSweepFiresExpiredAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Track(ctx, pending("a1", "u1", crisis.SeverityCritical)))

	f.now = f.now.Add(2 * time.Minute)
	f.mgr.sweep(ctx)
	require.Zero(t, f.sessions.count(), "nothing fires before the delay")

	f.now = f.now.Add(2 * time.Minute)
	f.mgr.sweep(ctx)
	require.Equal(t, 1, f.sessions.count())
	require.Equal(t, []string{"a1"}, f.ann.autoInitiated)
	require.Zero(t, f.mgr.Pending())

	// The record is gone; a second sweep is a no-op.
	f.mgr.sweep(ctx)
	require.Equal(t, 1, f.sessions.count())
}

func TestFireRespectsOptOut(t *testing.T) {
	f := newFixture(t)
	f.sessions.err = errs.NewID("session.Start", "session", "u1", errs.ErrUserOptedOut)
	ctx := context.Background()

	require.NoError(t, f.mgr.Track(ctx, pending("a1", "u1", crisis.SeverityHigh)))
	f.now = f.now.Add(4 * time.Minute)
	f.mgr.sweep(ctx)

	require.Zero(t, f.sessions.count())
	require.Equal(t, []string{"a1"}, f.ann.optedOut)
}

func TestFireTreatsLiveSessionAsSuccess(t *testing.T) {
	f := newFixture(t)
	f.sessions.err = errs.NewID("session.Start", "session", "u1", errs.ErrSessionExists)
	ctx := context.Background()

	require.NoError(t, f.mgr.Track(ctx, pending("a1", "u1", crisis.SeverityHigh)))
	f.now = f.now.Add(4 * time.Minute)
	f.mgr.sweep(ctx)

	require.Equal(t, []string{"a1"}, f.ann.autoInitiated, "an ongoing chat satisfies the safety net")
	require.Zero(t, f.mgr.Pending())
}

func TestCancelAfterFireLoses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Track(ctx, pending("a1", "u1", crisis.SeverityHigh)))
	f.now = f.now.Add(4 * time.Minute)
	f.mgr.sweep(ctx)
	require.Equal(t, 1, f.sessions.count())

	_, err := f.mgr.Cancel(ctx, "a1", ResolutionAcknowledged, "crt-1")
	require.ErrorIs(t, err, errs.ErrAlreadyResolved)
}

func TestRecoverRebuildsTimers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Track(ctx, pending("a1", "u1", crisis.SeverityHigh)))
	require.NoError(t, f.mgr.Track(ctx, pending("a2", "u2", crisis.SeverityCritical)))

	// A fresh manager simulates the restart; only the KV records survive.
	restarted := New(f.store, Options{
		Enabled:     true,
		Delay:       3 * time.Minute,
		MinSeverity: crisis.SeverityHigh,
		Now:         func() time.Time { return f.now },
	})
	restarted.SetSessionStarter(f.sessions)
	restarted.SetAnnotator(f.ann)

	require.NoError(t, restarted.Recover(ctx))
	require.Equal(t, 2, restarted.Pending())

	f.now = f.now.Add(4 * time.Minute)
	restarted.sweep(ctx)
	require.Equal(t, 2, f.sessions.count())
}

func TestRecoverDropsCorruptRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SetWithTTL(ctx, KeyPrefix+"bad", "{not json", time.Minute))
	require.NoError(t, f.mgr.Track(ctx, pending("a1", "u1", crisis.SeverityHigh)))

	restarted := New(f.store, Options{Enabled: true, Now: func() time.Time { return f.now }})
	restarted.SetSessionStarter(f.sessions)
	require.NoError(t, restarted.Recover(ctx))
	require.Equal(t, 1, restarted.Pending())

	_, err := f.store.Get(ctx, KeyPrefix+"bad")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRunSweepsOnInterval(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := New(f.store, Options{
		Enabled:       true,
		Delay:         time.Millisecond,
		MinSeverity:   crisis.SeverityHigh,
		SweepInterval: 10 * time.Millisecond,
	})
	mgr.SetSessionStarter(f.sessions)
	mgr.SetAnnotator(f.ann)

	require.NoError(t, mgr.Track(ctx, pending("a1", "u1", crisis.SeverityHigh)))

	go mgr.Run(ctx)
	require.Eventually(t, func() bool { return f.sessions.count() == 1 },
		2*time.Second, 10*time.Millisecond)
	mgr.Stop()
}
