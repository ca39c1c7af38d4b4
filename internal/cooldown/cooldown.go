// Package cooldown suppresses repeat alerts per user. State is in-process
// only; a restart resets it, which at worst costs one extra alert.
package cooldown

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/ashbot/ash/internal/crisis"
)

const stripes = 32

type entry struct {
	lastAlertAt  time.Time
	lastSeverity crisis.Severity
}

// WindowFunc returns the suppression window for a severity.
type WindowFunc func(crisis.Severity) time.Duration

// Guard tracks the last alert per user behind a striped lock.
type Guard struct {
	window WindowFunc
	now    func() time.Time

	locks [stripes]sync.Mutex
	users [stripes]map[string]entry
}

// New creates a Guard. A nil now defaults to time.Now.
func New(window WindowFunc, now func() time.Time) *Guard {
	g := &Guard{window: window, now: now}
	if g.now == nil {
		g.now = time.Now
	}
	for i := range g.users {
		g.users[i] = make(map[string]entry)
	}
	return g
}

func stripe(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % stripes)
}

// ShouldSuppress reports whether an alert at the given severity is inside the
// user's cooldown window. A strictly higher severity always fires and, via
// Record, resets the window.
func (g *Guard) ShouldSuppress(userID string, severity crisis.Severity) bool {
	i := stripe(userID)
	g.locks[i].Lock()
	defer g.locks[i].Unlock()

	e, ok := g.users[i][userID]
	if !ok {
		return false
	}
	if severity > e.lastSeverity {
		return false
	}
	return g.now().Sub(e.lastAlertAt) < g.window(severity)
}

// Record notes that an alert fired for the user at the given severity.
func (g *Guard) Record(userID string, severity crisis.Severity) {
	i := stripe(userID)
	g.locks[i].Lock()
	defer g.locks[i].Unlock()
	g.users[i][userID] = entry{lastAlertAt: g.now(), lastSeverity: severity}
}
