package cooldown

import (
	"testing"
	"time"

	"github.com/ashbot/ash/internal/crisis"
)

func windows(s crisis.Severity) time.Duration {
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

func TestSuppressWithinWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	g := New(windows, func() time.Time { return now })

	if g.ShouldSuppress("u1", crisis.SeverityHigh) {
		t.Fatal("first alert must not be suppressed")
	}
	g.Record("u1", crisis.SeverityHigh)

	now = now.Add(time.Minute)
	if !g.ShouldSuppress("u1", crisis.SeverityHigh) {
		t.Error("repeat at same severity inside window should be suppressed")
	}
	if !g.ShouldSuppress("u1", crisis.SeverityMedium) {
		t.Error("lower severity inside window should be suppressed")
	}
}

func TestHigherSeverityBreaksThrough(t *testing.T) {
	now := time.Unix(1000, 0)
	g := New(windows, func() time.Time { return now })

	g.Record("u1", crisis.SeverityMedium)
	now = now.Add(time.Minute)

	if g.ShouldSuppress("u1", crisis.SeverityHigh) {
		t.Error("strictly higher severity must never be suppressed")
	}
	if g.ShouldSuppress("u1", crisis.SeverityCritical) {
		t.Error("critical must never be suppressed by a medium cooldown")
	}
}

func TestWindowExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	g := New(windows, func() time.Time { return now })

	g.Record("u1", crisis.SeverityHigh)
	now = now.Add(5*time.Minute + time.Second)

	if g.ShouldSuppress("u1", crisis.SeverityHigh) {
		t.Error("alert past the window should fire")
	}
}

func TestUsersAreIndependent(t *testing.T) {
	now := time.Unix(1000, 0)
	g := New(windows, func() time.Time { return now })

	g.Record("u1", crisis.SeverityHigh)
	if g.ShouldSuppress("u2", crisis.SeverityHigh) {
		t.Error("cooldown must be per user")
	}
}

func TestRecordUpgradesSeverity(t *testing.T) {
	now := time.Unix(1000, 0)
	g := New(windows, func() time.Time { return now })

	g.Record("u1", crisis.SeverityMedium)
	now = now.Add(time.Minute)
	g.Record("u1", crisis.SeverityCritical)
	now = now.Add(time.Minute)

	if !g.ShouldSuppress("u1", crisis.SeverityHigh) {
		t.Error("after a critical alert, a high repeat inside the window is suppressed")
	}
}
