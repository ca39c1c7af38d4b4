// Package commands implements the /ash slash-command surface. User-facing
// subcommands (status, optout, optin) are open to everyone; the operational
// ones (health, stats, notes) are gated on CRT role membership.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/gateway"
	"github.com/ashbot/ash/internal/kv"
	"github.com/ashbot/ash/internal/logging"
	"github.com/ashbot/ash/internal/metrics"
	"github.com/ashbot/ash/internal/prefs"
)

// NotesKeyPrefix is the CRT notes key prefix; the full key is
// ash:notes:{user_id}. Notes carry no TTL.
const NotesKeyPrefix = "ash:notes:"

const maxNotes = 50

// Note is one CRT annotation about a user.
type Note struct {
	Author string    `json:"author"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// HealthInfo is the snapshot rendered by /ash health.
type HealthInfo struct {
	GatewayConnected bool
	KVHealthy        bool
	NLPBreaker       string
	LLMBreaker       string
	ActiveSessions   int
	PendingAlerts    int
	Uptime           time.Duration
}

// Handler dispatches slash-command invocations.
type Handler struct {
	prefs      *prefs.Store
	kv         kv.Store
	gw         gateway.Gateway
	healthInfo func(context.Context) HealthInfo
	crtRoleID  string
	logger     logging.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Options configures a Handler.
type Options struct {
	CRTRoleID string
	// HealthInfo supplies the snapshot for health and stats.
	HealthInfo func(context.Context) HealthInfo
	Logger     logging.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// New creates a Handler.
func New(preferences *prefs.Store, store kv.Store, gw gateway.Gateway, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HealthInfo == nil {
		opts.HealthInfo = func(context.Context) HealthInfo { return HealthInfo{} }
	}
	return &Handler{
		prefs:      preferences,
		kv:         store,
		gw:         gw,
		healthInfo: opts.HealthInfo,
		crtRoleID:  opts.CRTRoleID,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
}

// HandleCommand routes one invocation. All replies are ephemeral.
func (h *Handler) HandleCommand(ctx context.Context, ev gateway.CommandEvent) {
	if ev.Name != "ash" {
		return
	}

	switch ev.Subcommand {
	case "status":
		h.status(ctx, ev)
	case "optout":
		h.optOut(ctx, ev)
	case "optin":
		h.optIn(ctx, ev)
	case "health":
		h.crtOnly(ctx, ev, h.health)
	case "stats":
		h.crtOnly(ctx, ev, h.stats)
	case "notes":
		h.crtOnly(ctx, ev, h.notes)
	default:
		_ = ev.Respond.RespondEphemeral(ctx, "Unknown subcommand. Try /ash status, /ash optout, or /ash optin.")
	}
}

func (h *Handler) crtOnly(ctx context.Context, ev gateway.CommandEvent, fn func(context.Context, gateway.CommandEvent)) {
	member, err := h.gw.MemberHasRole(ctx, ev.GuildID, ev.UserID, h.crtRoleID)
	if err != nil {
		h.logger.Warn("role check failed", map[string]interface{}{
			"user_id": ev.UserID,
			"error":   err.Error(),
		})
	}
	if !member {
		if h.metrics != nil {
			h.metrics.CommandRefusals.Inc()
		}
		_ = ev.Respond.RespondEphemeral(ctx, "This command is reserved for the crisis response team.")
		return
	}
	fn(ctx, ev)
}

func (h *Handler) status(ctx context.Context, ev gateway.CommandEvent) {
	if h.prefs.IsOptedOut(ctx, ev.UserID) {
		msg := "You are currently opted out: Ash will not DM you. The team reaches out personally instead."
		// The record may be unreadable during a KV hiccup; the state alone
		// still answers the question.
		if pref, err := h.prefs.Get(ctx, ev.UserID); err == nil && !pref.ExpiresAt.IsZero() {
			msg += fmt.Sprintf(" This preference expires <t:%d:R>.", pref.ExpiresAt.Unix())
		}
		_ = ev.Respond.RespondEphemeral(ctx, msg+" Use /ash optin to change this.")
		return
	}
	_ = ev.Respond.RespondEphemeral(ctx,
		"You are opted in: Ash may check in with you by DM when the team is busy. Use /ash optout to change this.")
}

func (h *Handler) optOut(ctx context.Context, ev gateway.CommandEvent) {
	if err := h.prefs.SetOptOut(ctx, ev.UserID); err != nil {
		h.logger.Error("opt-out failed", map[string]interface{}{
			"user_id": ev.UserID,
			"error":   err.Error(),
		})
		_ = ev.Respond.RespondEphemeral(ctx, "Couldn't record that right now. Please try again.")
		return
	}
	_ = ev.Respond.RespondEphemeral(ctx,
		"Done — Ash will not DM you. A person from the team will reach out directly if we're worried about you.")
}

func (h *Handler) optIn(ctx context.Context, ev gateway.CommandEvent) {
	if err := h.prefs.ClearOptOut(ctx, ev.UserID); err != nil && !errs.IsNotFound(err) {
		h.logger.Error("opt-in failed", map[string]interface{}{
			"user_id": ev.UserID,
			"error":   err.Error(),
		})
		_ = ev.Respond.RespondEphemeral(ctx, "Couldn't record that right now. Please try again.")
		return
	}
	_ = ev.Respond.RespondEphemeral(ctx, "Welcome back — Ash may check in with you by DM again.")
}

func (h *Handler) health(ctx context.Context, ev gateway.CommandEvent) {
	info := h.healthInfo(ctx)
	var b strings.Builder
	b.WriteString("**Ash health**\n")
	fmt.Fprintf(&b, "- Gateway: %s\n", upDown(info.GatewayConnected))
	fmt.Fprintf(&b, "- KV store: %s\n", upDown(info.KVHealthy))
	fmt.Fprintf(&b, "- NLP breaker: %s\n", info.NLPBreaker)
	fmt.Fprintf(&b, "- LLM breaker: %s\n", info.LLMBreaker)
	fmt.Fprintf(&b, "- Uptime: %s\n", info.Uptime.Round(time.Second))
	_ = ev.Respond.RespondEphemeral(ctx, b.String())
}

func (h *Handler) stats(ctx context.Context, ev gateway.CommandEvent) {
	info := h.healthInfo(ctx)
	_ = ev.Respond.RespondEphemeral(ctx, fmt.Sprintf(
		"**Ash stats**\n- Active sessions: %d\n- Pending alerts: %d\n- Uptime: %s",
		info.ActiveSessions, info.PendingAlerts, info.Uptime.Round(time.Second)))
}

// notes handles /ash notes add|view. The target user comes from the "user"
// option; the note text from "text".
func (h *Handler) notes(ctx context.Context, ev gateway.CommandEvent) {
	action := optionValue(ev, "action")
	target := optionValue(ev, "user")
	if target == "" {
		_ = ev.Respond.RespondEphemeral(ctx, "A target user is required.")
		return
	}

	switch action {
	case "add":
		text := strings.TrimSpace(optionValue(ev, "text"))
		if text == "" {
			_ = ev.Respond.RespondEphemeral(ctx, "Note text is required.")
			return
		}
		if err := h.addNote(ctx, target, ev.UserID, text); err != nil {
			h.logger.Error("note add failed", map[string]interface{}{
				"user_id": target,
				"error":   err.Error(),
			})
			_ = ev.Respond.RespondEphemeral(ctx, "Couldn't save the note. Please try again.")
			return
		}
		_ = ev.Respond.RespondEphemeral(ctx, "Note saved.")
	case "view":
		notes, err := h.getNotes(ctx, target)
		if err != nil && !errs.IsNotFound(err) {
			_ = ev.Respond.RespondEphemeral(ctx, "Couldn't load notes. Please try again.")
			return
		}
		if len(notes) == 0 {
			_ = ev.Respond.RespondEphemeral(ctx, fmt.Sprintf("No notes for <@%s>.", target))
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Notes for <@%s>:\n", target)
		for _, n := range notes {
			fmt.Fprintf(&b, "- <t:%d:R> <@%s>: %s\n", n.At.Unix(), n.Author, n.Text)
		}
		_ = ev.Respond.RespondEphemeral(ctx, b.String())
	default:
		_ = ev.Respond.RespondEphemeral(ctx, "Use /ash notes add or /ash notes view.")
	}
}

// addNote appends under a read-CAS loop so concurrent CRT members never
// clobber each other.
func (h *Handler) addNote(ctx context.Context, target, author, text string) error {
	k := NotesKeyPrefix + target
	note := Note{Author: author, Text: text, At: h.now()}

	for attempt := 0; attempt < 3; attempt++ {
		raw, err := h.kv.Get(ctx, k)
		switch {
		case errs.IsNotFound(err):
			data, merr := json.Marshal([]Note{note})
			if merr != nil {
				return merr
			}
			if serr := h.kv.SetWithTTL(ctx, k, string(data), 0); serr != nil {
				return serr
			}
			return nil
		case err != nil:
			return err
		}

		var notes []Note
		if err := json.Unmarshal([]byte(raw), &notes); err != nil {
			// Unreadable notes are replaced rather than lost silently.
			h.logger.Warn("resetting corrupt notes record", map[string]interface{}{
				"key":   k,
				"error": err.Error(),
			})
			notes = nil
		}
		notes = append(notes, note)
		if len(notes) > maxNotes {
			notes = notes[len(notes)-maxNotes:]
		}
		data, err := json.Marshal(notes)
		if err != nil {
			return err
		}
		swapped, err := h.kv.CompareAndSwap(ctx, k, raw, string(data))
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return errs.New("commands.addNote", "commands", errs.ErrRequestFailed)
}

func (h *Handler) getNotes(ctx context.Context, target string) ([]Note, error) {
	raw, err := h.kv.Get(ctx, NotesKeyPrefix+target)
	if err != nil {
		return nil, err
	}
	var notes []Note
	if err := json.Unmarshal([]byte(raw), &notes); err != nil {
		return nil, errs.NewID("commands.getNotes", "commands", target, errs.ErrCorruptRecord)
	}
	return notes, nil
}

func optionValue(ev gateway.CommandEvent, name string) string {
	for _, opt := range ev.Options {
		if opt.Name == name {
			return opt.Value
		}
	}
	return ""
}

func upDown(v bool) string {
	if v {
		return "up"
	}
	return "down"
}
