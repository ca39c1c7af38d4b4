// Package autoinit guarantees a user gets contact even when no human
// acknowledges an alert in time.
//
// Every tracked alert is mirrored to the KV store; an atomic compare-and-swap
// on the stored record is the linearization point for the acknowledged flag,
// so across restarts and replicas each alert resolves exactly one way:
// acknowledged, auto-initiated, or expired without a reachable user.
package autoinit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ashbot/ash/internal/crisis"
	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/kv"
	"github.com/ashbot/ash/internal/logging"
	"github.com/ashbot/ash/internal/metrics"
)

// KeyPrefix is the pending-alert key prefix; full key is
// ash:pending:{alert_message_id}.
const KeyPrefix = "ash:pending:"

// Resolutions recorded on the stored record when it reaches a terminal state.
const (
	ResolutionAcknowledged  = "acknowledged"
	ResolutionAutoInitiated = "auto_initiated"
	ResolutionOptOut        = "opt_out"
	ResolutionResolved      = "resolved"
	ResolutionEscalated     = "escalated"
)

// AuditEntry records who moved the alert and how.
type AuditEntry struct {
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	At     time.Time `json:"at"`
}

// PendingAlert is the durable record of an issued alert awaiting
// acknowledgement or auto-fire.
type PendingAlert struct {
	AlertMessageID    string          `json:"alert_message_id"`
	AlertChannelID    string          `json:"alert_channel_id"`
	GuildID           string          `json:"guild_id"`
	UserID            string          `json:"user_id"`
	OriginalMessageID string          `json:"original_message_id"`
	OriginalChannelID string          `json:"original_channel_id"`
	Severity          crisis.Severity `json:"severity"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	Acknowledged      bool            `json:"acknowledged"`
	Resolution        string          `json:"resolution,omitempty"`
	Audit             []AuditEntry    `json:"audit,omitempty"`
}

// SessionStarter starts the one-on-one support session on fire.
type SessionStarter interface {
	// Start opens (or returns) the user's session. It returns
	// errs.ErrUserOptedOut when the preference blocks the session.
	Start(ctx context.Context, userID string, severity crisis.Severity, sourceAlertID string, bypassOptOut bool) error
}

// Annotator updates the alert embed after a terminal transition. Implemented
// by the alert dispatcher and injected by setter to break the construction
// cycle between the two.
type Annotator interface {
	AnnotateAutoInitiated(ctx context.Context, alert *PendingAlert)
	AnnotateOptOut(ctx context.Context, alert *PendingAlert)
}

// Options configures a Manager.
type Options struct {
	Enabled       bool
	Delay         time.Duration
	MinSeverity   crisis.Severity
	SweepInterval time.Duration
	// Grace extends the KV TTL beyond the delay so a restart near expiry can
	// still recover the record.
	Grace   time.Duration
	Logger  logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Manager tracks pending alerts and fires the safety net.
type Manager struct {
	kv      kv.Store
	opts    Options
	logger  logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	sessions  SessionStarter
	annotator Annotator

	mu      sync.Mutex
	pending map[string]*PendingAlert

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Manager. SetSessionStarter and SetAnnotator must be called
// before Run.
func New(store kv.Store, opts Options) *Manager {
	if opts.Delay <= 0 {
		opts.Delay = 3 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		kv:      store,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		pending: make(map[string]*PendingAlert),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetSessionStarter injects the session manager.
func (m *Manager) SetSessionStarter(s SessionStarter) { m.sessions = s }

// SetAnnotator injects the alert dispatcher's embed annotator.
func (m *Manager) SetAnnotator(a Annotator) { m.annotator = a }

func key(alertID string) string { return KeyPrefix + alertID }

// Track persists a new pending alert and starts its timer. Alerts below the
// minimum severity are ignored. The record is durable before this returns, so
// the dispatcher can enable controls afterwards.
func (m *Manager) Track(ctx context.Context, alert *PendingAlert) error {
	if !m.opts.Enabled || alert.Severity < m.opts.MinSeverity {
		return nil
	}

	now := m.now()
	alert.CreatedAt = now
	alert.ExpiresAt = now.Add(m.opts.Delay)

	data, err := json.Marshal(alert)
	if err != nil {
		return errs.NewID("autoinit.Track", "autoinit", alert.AlertMessageID, err)
	}
	ttl := m.opts.Delay + m.opts.Grace
	if err := m.kv.SetWithTTL(ctx, key(alert.AlertMessageID), string(data), ttl); err != nil {
		return err
	}

	m.mu.Lock()
	m.pending[alert.AlertMessageID] = alert
	m.mu.Unlock()

	m.logger.Debug("tracking pending alert", map[string]interface{}{
		"alert_id": alert.AlertMessageID,
		"user_id":  alert.UserID,
		"severity": alert.Severity.String(),
		"fires_at": alert.ExpiresAt,
	})
	return nil
}

// Cancel resolves a pending alert on behalf of a human action. The CAS on the
// stored record guarantees at most one of Cancel and the sweeper wins; the
// loser is a no-op. ErrAlreadyResolved reports a lost race or an unknown id.
func (m *Manager) Cancel(ctx context.Context, alertID, resolution, actor string) (*PendingAlert, error) {
	resolved, err := m.resolve(ctx, alertID, resolution, actor)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.pending, alertID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AutoInitiates.WithLabelValues("cancelled_" + resolution).Inc()
		m.metrics.AlertResponseTime.Observe(m.now().Sub(resolved.CreatedAt).Seconds())
	}
	_ = m.kv.Delete(ctx, key(alertID))
	return resolved, nil
}

// resolve performs the read-CAS loop that flips acknowledged false -> true.
func (m *Manager) resolve(ctx context.Context, alertID, resolution, actor string) (*PendingAlert, error) {
	for attempt := 0; attempt < 3; attempt++ {
		raw, err := m.kv.Get(ctx, key(alertID))
		if err != nil {
			if errs.IsNotFound(err) {
				return nil, errs.NewID("autoinit.resolve", "autoinit", alertID, errs.ErrAlreadyResolved)
			}
			return nil, err
		}

		var current PendingAlert
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			// A corrupt record cannot be resolved safely; drop it.
			m.logger.Error("deleting corrupt pending alert", map[string]interface{}{
				"alert_id": alertID,
				"error":    err.Error(),
			})
			_ = m.kv.Delete(ctx, key(alertID))
			return nil, errs.NewID("autoinit.resolve", "autoinit", alertID, errs.ErrCorruptRecord)
		}
		if current.Acknowledged {
			return nil, errs.NewID("autoinit.resolve", "autoinit", alertID, errs.ErrAlreadyResolved)
		}

		next := current
		next.Acknowledged = true
		next.Resolution = resolution
		next.Audit = append(append([]AuditEntry(nil), current.Audit...), AuditEntry{
			Actor:  actor,
			Action: resolution,
			At:     m.now(),
		})
		nextData, err := json.Marshal(&next)
		if err != nil {
			return nil, errs.NewID("autoinit.resolve", "autoinit", alertID, err)
		}

		swapped, err := m.kv.CompareAndSwap(ctx, key(alertID), raw, string(nextData))
		if err != nil {
			return nil, err
		}
		if swapped {
			return &next, nil
		}
		// Lost a benign race (audit append); reread and try again.
	}
	return nil, errs.NewID("autoinit.resolve", "autoinit", alertID, errs.ErrAlreadyResolved)
}

// Recover rebuilds the in-memory map from the KV store so timers resume after
// a restart. Already-acknowledged leftovers are deleted.
func (m *Manager) Recover(ctx context.Context) error {
	keys, err := m.kv.ScanPrefix(ctx, KeyPrefix)
	if err != nil {
		return err
	}

	recovered := 0
	for _, k := range keys {
		raw, err := m.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		var alert PendingAlert
		if err := json.Unmarshal([]byte(raw), &alert); err != nil {
			m.logger.Warn("deleting corrupt pending alert during recovery", map[string]interface{}{
				"key":   k,
				"error": err.Error(),
			})
			_ = m.kv.Delete(ctx, k)
			continue
		}
		if alert.Acknowledged {
			_ = m.kv.Delete(ctx, k)
			continue
		}
		m.mu.Lock()
		m.pending[alert.AlertMessageID] = &alert
		m.mu.Unlock()
		recovered++
	}

	if recovered > 0 {
		m.logger.Info("recovered pending alerts", map[string]interface{}{
			"count": recovered,
		})
	}
	return nil
}

// Run sweeps until Stop or context cancellation.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Stop terminates the sweeper and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// Pending returns a snapshot count for health reporting.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) sweep(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var due []*PendingAlert
	for _, alert := range m.pending {
		if !alert.ExpiresAt.After(now) {
			due = append(due, alert)
		}
	}
	m.mu.Unlock()

	for _, alert := range due {
		m.fire(ctx, alert)
	}
}

// fire attempts the auto-initiate transition for one expired alert.
func (m *Manager) fire(ctx context.Context, alert *PendingAlert) {
	resolved, err := m.resolve(ctx, alert.AlertMessageID, ResolutionAutoInitiated, "ash")
	if err != nil {
		// Acknowledged elsewhere, or the record is gone; drop our timer.
		m.mu.Lock()
		delete(m.pending, alert.AlertMessageID)
		m.mu.Unlock()
		if m.metrics != nil && errors.Is(err, errs.ErrAlreadyResolved) {
			m.metrics.AutoInitiates.WithLabelValues("preempted").Inc()
		}
		return
	}

	m.mu.Lock()
	delete(m.pending, alert.AlertMessageID)
	m.mu.Unlock()

	outcome := "fired"
	startErr := m.sessions.Start(ctx, resolved.UserID, resolved.Severity, resolved.AlertMessageID, false)
	switch {
	// A session that is already live means the user is talking to Ash, which
	// is exactly what firing would have achieved.
	case startErr == nil, errors.Is(startErr, errs.ErrSessionExists):
		if m.annotator != nil {
			m.annotator.AnnotateAutoInitiated(ctx, resolved)
		}
	case errors.Is(startErr, errs.ErrUserOptedOut):
		outcome = "opted_out"
		if m.annotator != nil {
			m.annotator.AnnotateOptOut(ctx, resolved)
		}
	default:
		outcome = "failed"
		m.logger.Error("auto-initiate session start failed", map[string]interface{}{
			"alert_id": resolved.AlertMessageID,
			"user_id":  resolved.UserID,
			"error":    startErr.Error(),
		})
	}

	if m.metrics != nil {
		m.metrics.AutoInitiates.WithLabelValues(outcome).Inc()
	}
	m.logger.Info("auto-initiate fired", map[string]interface{}{
		"alert_id": resolved.AlertMessageID,
		"user_id":  resolved.UserID,
		"outcome":  outcome,
	})
	_ = m.kv.Delete(ctx, key(resolved.AlertMessageID))
}
