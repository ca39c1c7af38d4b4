// Package session owns the one-on-one DM support conversations between a user
// and Ash. At most one session is live per user; all mutations go through the
// Manager under a per-user lock.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashbot/ash/internal/crisis"
	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/gateway"
	"github.com/ashbot/ash/internal/llm"
	"github.com/ashbot/ash/internal/logging"
	"github.com/ashbot/ash/internal/metrics"
	"github.com/ashbot/ash/internal/prefs"
)

// OptOutEmoji is the reaction on the welcome message that opts a user out.
const OptOutEmoji = "❌"

const systemPrompt = `You are Ash, a caring peer supporter in a Discord community.
You are not a therapist and you never diagnose. Listen, validate, and gently
encourage reaching out to the human response team or professional resources.
If the person mentions immediate danger, encourage contacting local emergency
services. Keep replies short, warm, and concrete.`

// Session is one live DM conversation.
type Session struct {
	ID              string
	UserID          string
	ChannelID       string
	StartedAt       time.Time
	LastActivityAt  time.Time
	SeverityAtStart crisis.Severity
	SourceAlertID   string
	TurnCount       int
	HandedOffTo     string
	EndedAt         time.Time

	transcript []llm.Turn
}

// CheckInScheduler schedules the post-session follow-up. Implemented by the
// checkin package.
type CheckInScheduler interface {
	Schedule(ctx context.Context, userID, sourceAlertID string) error
}

// AlertAnnotator marks the source alert embed when a user opts out mid-flow.
type AlertAnnotator interface {
	AnnotateOptOutByID(ctx context.Context, alertID string)
}

// Options configures a Manager.
type Options struct {
	IdleTimeout    time.Duration
	ContextTurns   int
	WelcomeTTL     time.Duration
	ReaperInterval time.Duration
	OptOutEnabled  bool
	// CheckInMinSeverity is the severity floor (at session start) for
	// scheduling a follow-up check-in when the session ends.
	CheckInMinSeverity crisis.Severity
	Logger             logging.Logger
	Metrics            *metrics.Metrics
	Now                func() time.Time
}

// Manager owns all sessions.
type Manager struct {
	gw      gateway.Gateway
	llm     llm.Responder
	prefs   *prefs.Store
	opts    Options
	logger  logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	checkins  CheckInScheduler
	annotator AlertAnnotator

	mu       sync.Mutex
	sessions map[string]*Session // userID -> live session
	welcomes map[string]welcomeRef

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type welcomeRef struct {
	userID  string
	expires time.Time
}

// NewManager creates a session Manager. SetCheckInScheduler and SetAnnotator
// are optional and injected after construction.
func NewManager(gw gateway.Gateway, responder llm.Responder, preferences *prefs.Store, opts Options) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = 10
	}
	if opts.WelcomeTTL <= 0 {
		opts.WelcomeTTL = 10 * time.Minute
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = time.Minute
	}
	if opts.CheckInMinSeverity == crisis.SeveritySafe {
		opts.CheckInMinSeverity = crisis.SeverityHigh
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		gw:       gw,
		llm:      responder,
		prefs:    preferences,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		sessions: make(map[string]*Session),
		welcomes: make(map[string]welcomeRef),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetCheckInScheduler injects the follow-up scheduler.
func (m *Manager) SetCheckInScheduler(s CheckInScheduler) { m.checkins = s }

// SetAnnotator injects the alert-embed annotator.
func (m *Manager) SetAnnotator(a AlertAnnotator) { m.annotator = a }

// Start opens a session for the user. A live session is reported through
// ErrSessionExists so callers can tell a fresh welcome from an ongoing chat.
// The opt-out preference is checked here and only here: an in-flight session
// is never interrupted by a later opt-out.
func (m *Manager) Start(ctx context.Context, userID string, severity crisis.Severity, sourceAlertID string, bypassOptOut bool) error {
	if m.opts.OptOutEnabled && !bypassOptOut && m.prefs.IsOptedOut(ctx, userID) {
		return errs.NewID("session.Start", "session", userID, errs.ErrUserOptedOut)
	}

	m.mu.Lock()
	if _, live := m.sessions[userID]; live {
		m.mu.Unlock()
		return errs.NewID("session.Start", "session", userID, errs.ErrSessionExists)
	}
	// Reserve the slot before the DM round-trips so a concurrent Start for
	// the same user returns instead of double-sending the welcome.
	placeholder := &Session{UserID: userID}
	m.sessions[userID] = placeholder
	m.mu.Unlock()

	channelID, err := m.gw.OpenDM(ctx, userID)
	if err != nil {
		m.drop(userID)
		return errs.NewID("session.Start", "session", userID, err)
	}

	welcomeID, err := m.gw.SendMessage(ctx, channelID, welcomeText(severity))
	if err != nil {
		m.drop(userID)
		return errs.NewID("session.Start", "session", userID, err)
	}

	now := m.now()
	sess := &Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		ChannelID:       channelID,
		StartedAt:       now,
		LastActivityAt:  now,
		SeverityAtStart: severity,
		SourceAlertID:   sourceAlertID,
	}

	m.mu.Lock()
	m.sessions[userID] = sess
	m.welcomes[welcomeID] = welcomeRef{userID: userID, expires: now.Add(m.opts.WelcomeTTL)}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsTotal.Inc()
		m.metrics.SessionsActive.Inc()
	}
	m.logger.Info("session started", map[string]interface{}{
		"user_id":  userID,
		"severity": severity.String(),
		"source":   sourceAlertID,
	})
	return nil
}

func (m *Manager) drop(userID string) {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
}

// Active returns the live session for a user, or nil.
func (m *Manager) Active(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[userID]
	if s == nil || s.ID == "" {
		return nil
	}
	return s
}

// ActiveCount reports the number of live sessions for health reporting.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.ID != "" {
			n++
		}
	}
	return n
}

// HandleDM processes a user's DM while a session is live. After a handoff the
// message is recorded but the model is not called; the CRT member owns the
// conversation.
func (m *Manager) HandleDM(ctx context.Context, userID, text string) {
	m.mu.Lock()
	sess := m.sessions[userID]
	if sess == nil || sess.ID == "" {
		m.mu.Unlock()
		return
	}
	sess.LastActivityAt = m.now()
	sess.TurnCount++
	sess.transcript = append(sess.transcript, llm.Turn{Role: llm.RoleUser, Content: text})
	handedOff := sess.HandedOffTo != ""
	channelID := sess.ChannelID
	window := boundedWindow(sess.transcript, m.opts.ContextTurns)
	m.mu.Unlock()

	if handedOff {
		return
	}

	reply, ok := m.llm.Reply(ctx, systemPrompt, window)

	m.mu.Lock()
	if cur := m.sessions[userID]; cur != nil && cur.ID == sess.ID && ok {
		cur.transcript = append(cur.transcript, llm.Turn{Role: llm.RoleAssistant, Content: reply})
	}
	m.mu.Unlock()

	if _, err := m.gw.SendMessage(ctx, channelID, reply); err != nil {
		m.logger.Error("failed to send session reply", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

// boundedWindow keeps the last n turns of the transcript.
func boundedWindow(transcript []llm.Turn, n int) []llm.Turn {
	if len(transcript) <= n {
		return append([]llm.Turn(nil), transcript...)
	}
	return append([]llm.Turn(nil), transcript[len(transcript)-n:]...)
}

// HandleReaction attributes an opt-out reaction on a registered welcome
// message. Any other reaction is ignored.
func (m *Manager) HandleReaction(ctx context.Context, ev gateway.ReactionEvent) {
	if ev.Emoji != OptOutEmoji || !m.opts.OptOutEnabled {
		return
	}

	m.mu.Lock()
	ref, ok := m.welcomes[ev.MessageID]
	if !ok || ref.userID != ev.UserID || m.now().After(ref.expires) {
		m.mu.Unlock()
		return
	}
	delete(m.welcomes, ev.MessageID)
	sess := m.sessions[ev.UserID]
	m.mu.Unlock()

	if err := m.prefs.SetOptOut(ctx, ev.UserID); err != nil {
		m.logger.Error("failed to record opt-out", map[string]interface{}{
			"user_id": ev.UserID,
			"error":   err.Error(),
		})
	}

	var sourceAlertID string
	if sess != nil && sess.ID != "" {
		sourceAlertID = sess.SourceAlertID
		m.end(ctx, ev.UserID, "opt_out", false)
	}

	if _, err := m.gw.SendMessage(ctx, ev.ChannelID,
		"I understand — I'll step back. The team will reach out to you directly."); err != nil {
		m.logger.Warn("failed to acknowledge opt-out", map[string]interface{}{
			"user_id": ev.UserID,
			"error":   err.Error(),
		})
	}

	if m.annotator != nil && sourceAlertID != "" {
		m.annotator.AnnotateOptOutByID(ctx, sourceAlertID)
	}
	m.logger.Info("user opted out via reaction", map[string]interface{}{
		"user_id": ev.UserID,
	})
}

// Handoff transfers the session to a CRT member. Ash acknowledges in the DM
// and stops calling the model for this session.
func (m *Manager) Handoff(ctx context.Context, userID, crtMemberID string) error {
	m.mu.Lock()
	sess := m.sessions[userID]
	if sess == nil || sess.ID == "" {
		m.mu.Unlock()
		return errs.NewID("session.Handoff", "session", userID, errs.ErrNotFound)
	}
	sess.HandedOffTo = crtMemberID
	channelID := sess.ChannelID
	m.mu.Unlock()

	_, err := m.gw.SendMessage(ctx, channelID,
		fmt.Sprintf("Handing you over to <@%s> now — they'll take it from here. I'm glad you talked with me.", crtMemberID))
	if err != nil {
		m.logger.Warn("handoff acknowledgement failed", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
	m.logger.Info("session handed off", map[string]interface{}{
		"user_id": userID,
		"crt":     crtMemberID,
	})
	return nil
}

// End closes the user's session explicitly.
func (m *Manager) End(ctx context.Context, userID, reason string) {
	m.end(ctx, userID, reason, true)
}

// end removes the session and, when it started at HIGH or above and the user
// is not opted out, schedules the follow-up check-in.
func (m *Manager) end(ctx context.Context, userID, reason string, farewell bool) {
	m.mu.Lock()
	sess := m.sessions[userID]
	if sess == nil || sess.ID == "" {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, userID)
	for id, ref := range m.welcomes {
		if ref.userID == userID {
			delete(m.welcomes, id)
		}
	}
	m.mu.Unlock()

	sess.EndedAt = m.now()
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}

	if farewell && reason == "idle" {
		_, _ = m.gw.SendMessage(ctx, sess.ChannelID,
			"I'll close our chat for now — I'm here whenever you want to talk again. Take care of yourself.")
	}

	if m.checkins != nil && reason != "opt_out" &&
		sess.SeverityAtStart >= m.opts.CheckInMinSeverity &&
		!m.prefs.IsOptedOut(ctx, userID) {
		if err := m.checkins.Schedule(ctx, userID, sess.SourceAlertID); err != nil {
			m.logger.Warn("failed to schedule check-in", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
	}

	m.logger.Info("session ended", map[string]interface{}{
		"user_id": userID,
		"reason":  reason,
		"turns":   sess.TurnCount,
	})
}

// Run reaps idle sessions and expired welcome registrations until stopped.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.opts.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reap(ctx)
		}
	}
}

// Stop terminates the reaper and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Manager) reap(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var idle []string
	for userID, sess := range m.sessions {
		if sess.ID != "" && now.Sub(sess.LastActivityAt) >= m.opts.IdleTimeout {
			idle = append(idle, userID)
		}
	}
	for id, ref := range m.welcomes {
		if now.After(ref.expires) {
			delete(m.welcomes, id)
		}
	}
	m.mu.Unlock()

	for _, userID := range idle {
		m.end(ctx, userID, "idle", true)
	}
}

// welcomeText shapes the opening DM by severity: urgent for CRITICAL/HIGH,
// gentler for MEDIUM and below.
func welcomeText(severity crisis.Severity) string {
	switch {
	case severity >= crisis.SeverityHigh:
		return "Hey, I'm Ash. I saw your message and I wanted to check in with you " +
			"right away — what you're carrying sounds really heavy, and you don't " +
			"have to hold it alone. I'm here to listen, whenever you're ready.\n\n" +
			"If you'd rather talk to a person instead, react with ❌ and the team " +
			"will reach out directly."
	default:
		return "Hi, I'm Ash. I noticed your message and just wanted to see how " +
			"you're doing. No pressure at all — I'm here if you feel like talking.\n\n" +
			"If you'd prefer I leave you be, react with ❌ and a person from the " +
			"team will follow up instead."
	}
}
