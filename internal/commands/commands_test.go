package commands

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/ashbot/ash/internal/gateway"
	"github.com/ashbot/ash/internal/kv"
	"github.com/ashbot/ash/internal/prefs"
)

type fixture struct {
	h     *Handler
	gw    *gateway.Fake
	store kv.Store
	prefs *prefs.Store
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewRedisStoreFromClient(client, nil)

	f := &fixture{gw: gateway.NewFake(), store: store, now: time.Unix(5000, 0)}
	f.prefs = prefs.New(store, prefs.Options{CacheTTL: time.Nanosecond})
	f.h = New(f.prefs, store, f.gw, Options{
		CRTRoleID: "role-crt",
		HealthInfo: func(context.Context) HealthInfo {
			return HealthInfo{
				GatewayConnected: true,
				KVHealthy:        true,
				NLPBreaker:       "closed",
				LLMBreaker:       "open",
				ActiveSessions:   2,
				PendingAlerts:    1,
				Uptime:           3 * time.Hour,
			}
		},
		Now: func() time.Time { return f.now },
	})
	f.gw.GrantRole("role-crt", "crt-1")
	return f
}

func invoke(sub, userID string, r gateway.Responder, opts ...gateway.CommandOption) gateway.CommandEvent {
	return gateway.CommandEvent{
		Name: "ash", Subcommand: sub,
		GuildID: "g", UserID: userID,
		Options: opts,
		Respond: r,
	}
}

func TestForeignCommandIgnored(t *testing.T) {
	f := newFixture(t)
	r := &gateway.FakeResponder{}
	f.h.HandleCommand(context.Background(), gateway.CommandEvent{Name: "poll", Respond: r})
	require.Empty(t, r.Ephemeral)
}

func TestOptOutRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := &gateway.FakeResponder{}
	f.h.HandleCommand(ctx, invoke("optout", "u1", r))
	require.Contains(t, r.Ephemeral[0], "will not DM you")
	require.True(t, f.prefs.IsOptedOut(ctx, "u1"))

	r = &gateway.FakeResponder{}
	f.h.HandleCommand(ctx, invoke("status", "u1", r))
	require.Contains(t, r.Ephemeral[0], "opted out")
	require.Contains(t, r.Ephemeral[0], "expires <t:", "status reports when the opt-out lapses")

	r = &gateway.FakeResponder{}
	f.h.HandleCommand(ctx, invoke("optin", "u1", r))
	require.Contains(t, r.Ephemeral[0], "Welcome back")
	require.False(t, f.prefs.IsOptedOut(ctx, "u1"))
}

func TestOptInWithoutOptOutSucceeds(t *testing.T) {
	f := newFixture(t)
	r := &gateway.FakeResponder{}
	f.h.HandleCommand(context.Background(), invoke("optin", "u1", r))
	require.Contains(t, r.Ephemeral[0], "Welcome back")
}

func TestStatusDefaultsToOptedIn(t *testing.T) {
	f := newFixture(t)
	r := &gateway.FakeResponder{}
	f.h.HandleCommand(context.Background(), invoke("status", "u1", r))
	require.Contains(t, r.Ephemeral[0], "opted in")
}

func TestOperationalCommandsRefusedForNonCRT(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, sub := range []string{"health", "stats", "notes"} {
		r := &gateway.FakeResponder{}
		f.h.HandleCommand(ctx, invoke(sub, "rando", r))
		require.Contains(t, r.Ephemeral[0], "reserved for the crisis response team", sub)
	}
}

func TestHealthRendersSnapshot(t *testing.T) {
	f := newFixture(t)
	r := &gateway.FakeResponder{}
	f.h.HandleCommand(context.Background(), invoke("health", "crt-1", r))

	out := r.Ephemeral[0]
	require.Contains(t, out, "Gateway: up")
	require.Contains(t, out, "KV store: up")
	require.Contains(t, out, "NLP breaker: closed")
	require.Contains(t, out, "LLM breaker: open")
	require.Contains(t, out, "3h0m0s")
}

func TestStatsRendersCounts(t *testing.T) {
	f := newFixture(t)
	r := &gateway.FakeResponder{}
	f.h.HandleCommand(context.Background(), invoke("stats", "crt-1", r))

	out := r.Ephemeral[0]
	require.Contains(t, out, "Active sessions: 2")
	require.Contains(t, out, "Pending alerts: 1")
}

func TestNotesAddAndView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := &gateway.FakeResponder{}
	f.h.HandleCommand(ctx, invoke("notes", "crt-1", r,
		gateway.CommandOption{Name: "action", Value: "add"},
		gateway.CommandOption{Name: "user", Value: "u1"},
		gateway.CommandOption{Name: "text", Value: "prefers morning check-ins"},
	))
	require.Equal(t, []string{"Note saved."}, r.Ephemeral)

	f.now = f.now.Add(time.Minute)
	r = &gateway.FakeResponder{}
	f.h.HandleCommand(ctx, invoke("notes", "crt-1", r,
		gateway.CommandOption{Name: "action", Value: "add"},
		gateway.CommandOption{Name: "user", Value: "u1"},
		gateway.CommandOption{Name: "text", Value: "escalate straight to lead"},
	))
	require.Equal(t, []string{"Note saved."}, r.Ephemeral)

	r = &gateway.FakeResponder{}
	f.h.HandleCommand(ctx, invoke("notes", "crt-1", r,
		gateway.CommandOption{Name: "action", Value: "view"},
		gateway.CommandOption{Name: "user", Value: "u1"},
	))
	out := r.Ephemeral[0]
	require.Contains(t, out, "prefers morning check-ins")
	require.Contains(t, out, "escalate straight to lead")
	require.Contains(t, out, "<@crt-1>")
}

func TestNotesViewEmpty(t *testing.T) {
	f := newFixture(t)
	r := &gateway.FakeResponder{}
	f.h.HandleCommand(context.Background(), invoke("notes", "crt-1", r,
		gateway.CommandOption{Name: "action", Value: "view"},
		gateway.CommandOption{Name: "user", Value: "ghost"},
	))
	require.Contains(t, r.Ephemeral[0], "No notes for <@ghost>")
}

func TestNotesRequiresTarget(t *testing.T) {
	f := newFixture(t)
	r := &gateway.FakeResponder{}
	f.h.HandleCommand(context.Background(), invoke("notes", "crt-1", r,
		gateway.CommandOption{Name: "action", Value: "add"},
		gateway.CommandOption{Name: "text", Value: "orphan"},
	))
	require.Contains(t, r.Ephemeral[0], "target user is required")
}

func TestNotesAddRequiresText(t *testing.T) {
	f := newFixture(t)
	r := &gateway.FakeResponder{}
	f.h.HandleCommand(context.Background(), invoke("notes", "crt-1", r,
		gateway.CommandOption{Name: "action", Value: "add"},
		gateway.CommandOption{Name: "user", Value: "u1"},
		gateway.CommandOption{Name: "text", Value: "   "},
	))
	require.Contains(t, r.Ephemeral[0], "Note text is required")
}

func TestNotesCapAtFifty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < maxNotes+5; i++ {
		f.now = f.now.Add(time.Second)
		require.NoError(t, f.h.addNote(ctx, "u1", "crt-1", "note"))
	}
	notes, err := f.h.getNotes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, notes, maxNotes)
}

func TestNotesNoTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.h.addNote(ctx, "u1", "crt-1", "keep forever"))

	// Months later the note is still there.
	notes, err := f.h.getNotes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "keep forever", notes[0].Text)
}

func TestUnknownSubcommand(t *testing.T) {
	f := newFixture(t)
	r := &gateway.FakeResponder{}
	f.h.HandleCommand(context.Background(), invoke("dance", "u1", r))
	require.Contains(t, r.Ephemeral[0], "Unknown subcommand")
}
