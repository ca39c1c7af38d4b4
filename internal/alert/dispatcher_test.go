package alert

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/ashbot/ash/internal/autoinit"
	"github.com/ashbot/ash/internal/cooldown"
	"github.com/ashbot/ash/internal/crisis"
	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/gateway"
	"github.com/ashbot/ash/internal/kv"
	"github.com/ashbot/ash/internal/pipeline"
)

func cooldownWindows(s crisis.Severity) time.Duration {
	switch s {
	case crisis.SeverityMedium:
		return 15 * time.Minute
	case crisis.SeverityHigh:
		return 5 * time.Minute
	case crisis.SeverityCritical:
		return 2 * time.Minute
	default:
		return 0
	}
}

type dispatcherFixture struct {
	d       *Dispatcher
	gw      *gateway.Fake
	tracker *autoinit.Manager
	store   kv.Store
	now     time.Time
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewRedisStoreFromClient(client, nil)

	f := &dispatcherFixture{gw: gateway.NewFake(), store: store, now: time.Unix(2000, 0)}
	nowFn := func() time.Time { return f.now }

	f.tracker = autoinit.New(store, autoinit.Options{
		Enabled:     true,
		Delay:       3 * time.Minute,
		MinSeverity: crisis.SeverityHigh,
		Now:         nowFn,
	})
	f.d = New(f.gw, cooldown.New(cooldownWindows, nowFn), f.tracker, Options{
		Controls:        []string{"acknowledge", "talk", "history"},
		CRTRoleID:       "role-crt",
		CRTLeadUserID:   "lead-1",
		CrisisChannelID: "crisis",
		Now:             nowFn,
	})
	return f
}

func outcome(user string, score float64, sev crisis.Severity, target string, ping bool) pipeline.Outcome {
	return pipeline.Outcome{
		Message: crisis.Message{
			GuildID: "g", ChannelID: "chan", MessageID: "orig-1",
			UserID: user, Text: "I can't keep going", At: time.Unix(2000, 0),
		},
		Result: &crisis.Result{
			CrisisScore: score,
			Severity:    sev,
			Categories:  []string{"hopelessness"},
			Confidence:  0.8,
		},
		Decision: crisis.RoutingDecision{TargetChannel: target, PingCRT: ping},
	}
}

func TestDispatchPostsAlertWithControls(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	f.d.Dispatch(ctx, outcome("u1", 0.7, crisis.SeverityHigh, "crisis", true))

	msgs := f.gw.MessagesTo("crisis")
	require.Len(t, msgs, 2, "post, then edit that attaches controls")

	post := msgs[0]
	require.Equal(t, gateway.RoleMention("role-crt"), post.Content)
	require.NotNil(t, post.Embed)
	require.Contains(t, post.Embed.Title, "HIGH")
	require.Contains(t, post.Embed.Description, "I can't keep going")

	edit := msgs[1]
	require.True(t, edit.Edited)
	require.Len(t, edit.Buttons, 3)
	require.Equal(t, "ash:ack:"+post.MessageID, edit.Buttons[0].ID)
	require.Equal(t, "ash:talk:"+post.MessageID, edit.Buttons[1].ID)

	// The pending record exists before the controls go live.
	require.Equal(t, 1, f.tracker.Pending())
}

func TestDispatchSkipsNonAlertingSeverity(t *testing.T) {
	f := newDispatcherFixture(t)
	f.d.Dispatch(context.Background(), outcome("u1", 0.1, crisis.SeverityLow, "", false))
	require.Empty(t, f.gw.Sent)
}

func TestDispatchNoPingForMedium(t *testing.T) {
	f := newDispatcherFixture(t)
	f.d.Dispatch(context.Background(), outcome("u1", 0.3, crisis.SeverityMedium, "monitor", false))

	post := f.gw.MessagesTo("monitor")[0]
	require.Empty(t, post.Content, "medium alerts carry no CRT mention")
	require.Zero(t, f.tracker.Pending(), "medium alerts are below the auto-initiate floor")
}

func TestDispatchSuppressedByCooldown(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	f.d.Dispatch(ctx, outcome("u1", 0.7, crisis.SeverityHigh, "crisis", true))
	first := len(f.gw.MessagesTo("crisis"))

	f.now = f.now.Add(time.Minute)
	f.d.Dispatch(ctx, outcome("u1", 0.7, crisis.SeverityHigh, "crisis", true))
	require.Len(t, f.gw.MessagesTo("crisis"), first, "repeat inside the window is suppressed")

	// Escalation to critical breaks through.
	f.d.Dispatch(ctx, outcome("u1", 0.9, crisis.SeverityCritical, "crisis", true))
	require.Greater(t, len(f.gw.MessagesTo("crisis")), first)
}

func TestDispatchCooldownIsPerUser(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	f.d.Dispatch(ctx, outcome("u1", 0.7, crisis.SeverityHigh, "crisis", true))
	count := len(f.gw.MessagesTo("crisis"))
	f.d.Dispatch(ctx, outcome("u2", 0.7, crisis.SeverityHigh, "crisis", true))
	require.Greater(t, len(f.gw.MessagesTo("crisis")), count)
}

func TestDispatchFallsBackToLeadDM(t *testing.T) {
	f := newDispatcherFixture(t)
	f.gw.FailSend["crisis"] = true

	f.d.Dispatch(context.Background(), outcome("u1", 0.7, crisis.SeverityHigh, "crisis", true))

	dm := f.gw.DMChannel("lead-1")
	require.NotEmpty(t, dm)
	fallback := f.gw.LastTo(dm)
	require.Contains(t, fallback.Content, "unreachable")
	require.NotNil(t, fallback.Embed)
	require.Zero(t, f.tracker.Pending(), "a failed post tracks nothing")
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	f := newDispatcherFixture(t)
	f.gw.SendErr["crisis"] = fmt.Errorf("posting alert: %w", errs.ErrUnavailable)

	f.d.Dispatch(context.Background(), outcome("u1", 0.7, crisis.SeverityHigh, "crisis", true))

	require.Equal(t, 3, f.gw.SendAttempts("crisis"), "a flaky channel uses every attempt")
	require.NotEmpty(t, f.gw.DMChannel("lead-1"), "exhausted retries still reach the lead")
}

func TestDispatchPermanentFailureSkipsRetry(t *testing.T) {
	f := newDispatcherFixture(t)
	f.gw.SendErr["crisis"] = fmt.Errorf("%w: missing access", errs.ErrRequestFailed)

	f.d.Dispatch(context.Background(), outcome("u1", 0.7, crisis.SeverityHigh, "crisis", true))

	require.Equal(t, 1, f.gw.SendAttempts("crisis"), "a permanent refusal is not retried")
	require.NotEmpty(t, f.gw.DMChannel("lead-1"))
}

func TestAnnotateAutoInitiatedRecolorsEmbed(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	f.d.Dispatch(ctx, outcome("u1", 0.7, crisis.SeverityHigh, "crisis", true))
	alertID := f.gw.MessagesTo("crisis")[0].MessageID

	f.d.AnnotateAutoInitiated(ctx, &autoinit.PendingAlert{AlertMessageID: alertID})

	last := f.gw.LastTo("crisis")
	require.True(t, last.Edited)
	require.Equal(t, colorAutoInitiated, last.Embed.Color)
	field := last.Embed.Fields[len(last.Embed.Fields)-1]
	require.Equal(t, "Status", field.Name)
	require.Contains(t, field.Value, "Auto-initiated")
	require.Empty(t, last.Buttons, "annotation strips the controls")
}

func TestAnnotateUnknownAlertIsNoOp(t *testing.T) {
	f := newDispatcherFixture(t)
	f.d.AnnotateOptOutByID(context.Background(), "never-posted")
	require.Empty(t, f.gw.Sent)
}
