package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashbot/ash/internal/autoinit"
	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/gateway"
	"github.com/ashbot/ash/internal/history"
	"github.com/ashbot/ash/internal/logging"
	"github.com/ashbot/ash/internal/metrics"
)

const refusalText = "These controls are reserved for the crisis response team."

// Controls handles clicks on the alert buttons. Every action is gated on CRT
// role membership.
type Controls struct {
	dispatcher *Dispatcher
	tracker    *autoinit.Manager
	sessions   autoinit.SessionStarter
	history    *history.Store
	gw         gateway.Gateway
	crtRoleID  string
	logger     logging.Logger
	metrics    *metrics.Metrics
}

// NewControls wires the button handler.
func NewControls(d *Dispatcher, tracker *autoinit.Manager, sessions autoinit.SessionStarter, hist *history.Store, gw gateway.Gateway, crtRoleID string, logger logging.Logger, m *metrics.Metrics) *Controls {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Controls{
		dispatcher: d,
		tracker:    tracker,
		sessions:   sessions,
		history:    hist,
		gw:         gw,
		crtRoleID:  crtRoleID,
		logger:     logger,
		metrics:    m,
	}
}

// ParseCustomID splits "ash:<action>:<alertID>"; ok is false for foreign ids.
func ParseCustomID(customID string) (action, alertID string, ok bool) {
	rest, found := strings.CutPrefix(customID, customIDPrefix)
	if !found {
		return "", "", false
	}
	action, alertID, found = strings.Cut(rest, ":")
	if !found || action == "" || alertID == "" {
		return "", "", false
	}
	return action, alertID, true
}

// HandleButton processes one control click.
func (c *Controls) HandleButton(ctx context.Context, ev gateway.ButtonEvent) {
	action, alertID, ok := ParseCustomID(ev.CustomID)
	if !ok {
		return
	}

	member, err := c.gw.MemberHasRole(ctx, ev.GuildID, ev.UserID, c.crtRoleID)
	if err != nil {
		c.logger.Warn("role check failed", map[string]interface{}{
			"user_id": ev.UserID,
			"error":   err.Error(),
		})
	}
	if !member {
		if c.metrics != nil {
			c.metrics.CommandRefusals.Inc()
		}
		_ = ev.Respond.RespondEphemeral(ctx, refusalText)
		return
	}

	switch action {
	case ActionAcknowledge:
		c.acknowledge(ctx, ev, alertID)
	case ActionTalk:
		c.talk(ctx, ev, alertID)
	case ActionHistory:
		c.showHistory(ctx, ev, alertID)
	case ActionResolve:
		c.resolveAlert(ctx, ev, alertID)
	case ActionEscalate:
		c.escalate(ctx, ev, alertID)
	default:
		_ = ev.Respond.Acknowledge(ctx)
	}
}

func (c *Controls) acknowledge(ctx context.Context, ev gateway.ButtonEvent, alertID string) {
	_, err := c.tracker.Cancel(ctx, alertID, autoinit.ResolutionAcknowledged, ev.UserID)
	if err != nil {
		c.respondResolveError(ctx, ev, alertID, err)
		return
	}
	c.dispatcher.AnnotateAcknowledged(ctx, alertID, ev.UserID)
	_ = ev.Respond.RespondEphemeral(ctx, "Acknowledged. The auto-initiate timer is stopped — the user is yours.")
}

func (c *Controls) talk(ctx context.Context, ev gateway.ButtonEvent, alertID string) {
	resolved, err := c.tracker.Cancel(ctx, alertID, autoinit.ResolutionAcknowledged, ev.UserID)
	if err != nil {
		c.respondResolveError(ctx, ev, alertID, err)
		return
	}

	err = c.sessions.Start(ctx, resolved.UserID, resolved.Severity, alertID, false)
	switch {
	case err == nil:
		c.dispatcher.AnnotateAcknowledged(ctx, alertID, ev.UserID)
		_ = ev.Respond.RespondEphemeral(ctx, "Ash is reaching out to the user in DMs now.")
	case errors.Is(err, errs.ErrUserOptedOut):
		c.dispatcher.AnnotateOptOutByID(ctx, alertID)
		_ = ev.Respond.RespondEphemeral(ctx, "This user has opted out of Ash contact. Please reach out personally.")
	case errors.Is(err, errs.ErrSessionExists):
		_ = ev.Respond.RespondEphemeral(ctx, "Ash is already in a session with this user.")
	default:
		c.logger.Error("session start from alert failed", map[string]interface{}{
			"alert_id": alertID,
			"user_id":  resolved.UserID,
			"error":    err.Error(),
		})
		_ = ev.Respond.RespondEphemeral(ctx, "Couldn't open the DM session. Please reach out personally.")
	}
}

func (c *Controls) showHistory(ctx context.Context, ev gateway.ButtonEvent, alertID string) {
	p := c.dispatcher.recall(alertID)
	if p == nil {
		_ = ev.Respond.RespondEphemeral(ctx, "History is no longer available for this alert.")
		return
	}

	entries := c.history.Recent(ctx, p.guildID, p.userID, 10)
	if len(entries) == 0 {
		_ = ev.Respond.RespondEphemeral(ctx, "No recent crisis history for this user.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent history for <@%s> (newest first):\n", p.userID)
	for _, entry := range entries {
		fmt.Fprintf(&b, "- %s **%s** (%.2f): %s\n",
			formatTimestamp(entry.Timestamp), entry.Severity.String(), entry.CrisisScore, redact(entry.Text))
	}
	_ = ev.Respond.RespondEphemeral(ctx, b.String())
}

func (c *Controls) resolveAlert(ctx context.Context, ev gateway.ButtonEvent, alertID string) {
	_, err := c.tracker.Cancel(ctx, alertID, autoinit.ResolutionResolved, ev.UserID)
	if err != nil {
		c.respondResolveError(ctx, ev, alertID, err)
		return
	}
	c.dispatcher.annotate(ctx, alertID, colorAcknowledged, gateway.EmbedField{
		Name: "Status", Value: "Resolved by <@" + ev.UserID + ">",
	})
	_ = ev.Respond.RespondEphemeral(ctx, "Marked resolved.")
}

// escalate resolves the pending alert and reposts it to the crisis channel
// with a CRT ping. Severity presentation never decreases on escalation.
func (c *Controls) escalate(ctx context.Context, ev gateway.ButtonEvent, alertID string) {
	resolved, err := c.tracker.Cancel(ctx, alertID, autoinit.ResolutionEscalated, ev.UserID)
	if err != nil {
		c.respondResolveError(ctx, ev, alertID, err)
		return
	}

	embed := gateway.Embed{
		Title:       "Escalated alert",
		Description: fmt.Sprintf("<@%s> escalated an alert for <@%s>.", ev.UserID, resolved.UserID),
		Color:       colorCritical,
		Fields: []gateway.EmbedField{
			{Name: "Original severity", Value: strings.ToUpper(resolved.Severity.String()), Inline: true},
			{Name: "Message", Value: gateway.MessageLink(resolved.GuildID, resolved.OriginalChannelID, resolved.OriginalMessageID)},
		},
	}
	if p := c.dispatcher.recall(alertID); p != nil {
		embed.Description = p.embed.Description
		embed.Fields = append(embed.Fields, gateway.EmbedField{
			Name: "Escalated by", Value: "<@" + ev.UserID + ">", Inline: true,
		})
	}

	content := ""
	if c.dispatcher.crtRoleID != "" {
		content = gateway.RoleMention(c.dispatcher.crtRoleID)
	}
	if _, err := c.gw.SendEmbed(ctx, c.dispatcher.crisisChannelID, content, &embed, nil); err != nil {
		c.logger.Error("escalation post failed", map[string]interface{}{
			"alert_id": alertID,
			"error":    err.Error(),
		})
		_ = ev.Respond.RespondEphemeral(ctx, "Escalation post failed; please raise it manually.")
		return
	}

	c.dispatcher.AnnotateEscalated(ctx, alertID, ev.UserID)
	_ = ev.Respond.RespondEphemeral(ctx, "Escalated to the crisis channel.")
}

func (c *Controls) respondResolveError(ctx context.Context, ev gateway.ButtonEvent, alertID string, err error) {
	switch {
	case errors.Is(err, errs.ErrAlreadyResolved):
		_ = ev.Respond.RespondEphemeral(ctx, "This alert was already handled.")
	case errors.Is(err, errs.ErrCorruptRecord):
		_ = ev.Respond.RespondEphemeral(ctx, "This alert's record was unreadable and has been cleared.")
	default:
		c.logger.Error("alert control failed", map[string]interface{}{
			"alert_id": alertID,
			"error":    err.Error(),
		})
		_ = ev.Respond.RespondEphemeral(ctx, "Something went wrong handling this alert. Try again.")
	}
}

// redact trims stored text for the ephemeral history view.
func redact(text string) string {
	const max = 80
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

func formatTimestamp(unix int64) string {
	return fmt.Sprintf("<t:%d:R>", unix)
}
