// Package alert builds and posts crisis alerts, owns their interactive
// controls, and annotates the posted embeds as alerts move through their
// lifecycle.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ashbot/ash/internal/autoinit"
	"github.com/ashbot/ash/internal/cooldown"
	"github.com/ashbot/ash/internal/crisis"
	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/gateway"
	"github.com/ashbot/ash/internal/logging"
	"github.com/ashbot/ash/internal/metrics"
	"github.com/ashbot/ash/internal/pipeline"
	"github.com/ashbot/ash/internal/resilience"
)

// Severity accent colors for the alert embed.
const (
	colorCritical      = 0xE74C3C
	colorHigh          = 0xE67E22
	colorMedium        = 0xF1C40F
	colorAcknowledged  = 0x2ECC71
	colorAutoInitiated = 0x9B59B6
	colorOptOut        = 0x95A5A6
)

// Custom-id prefix for the alert controls; full ids are ash:<action>:<alertID>.
const customIDPrefix = "ash:"

// Control actions.
const (
	ActionAcknowledge = "ack"
	ActionTalk        = "talk"
	ActionHistory     = "history"
	ActionResolve     = "resolve"
	ActionEscalate    = "escalate"
)

// postedAlert remembers what we posted so lifecycle annotations can rebuild
// the embed without refetching the message.
type postedAlert struct {
	channelID string
	guildID   string
	userID    string
	content   string
	embed     gateway.Embed
	postedAt  time.Time
}

// Dispatcher routes analyzed messages into alerts.
type Dispatcher struct {
	gw       gateway.Gateway
	guard    *cooldown.Guard
	tracker  *autoinit.Manager
	logger   logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	controls []string

	crtRoleID       string
	crtLeadUserID   string
	crisisChannelID string

	mu     sync.Mutex
	posted map[string]*postedAlert
}

// Options configures a Dispatcher.
type Options struct {
	Controls        []string
	CRTRoleID       string
	CRTLeadUserID   string
	CrisisChannelID string
	Logger          logging.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// New creates a Dispatcher.
func New(gw gateway.Gateway, guard *cooldown.Guard, tracker *autoinit.Manager, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Controls) == 0 {
		opts.Controls = []string{"acknowledge", "talk", "history"}
	}
	return &Dispatcher{
		gw:              gw,
		guard:           guard,
		tracker:         tracker,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		now:             opts.Now,
		controls:        opts.Controls,
		crtRoleID:       opts.CRTRoleID,
		crtLeadUserID:   opts.CRTLeadUserID,
		crisisChannelID: opts.CrisisChannelID,
		posted:          make(map[string]*postedAlert),
	}
}

// Dispatch posts the alert for an analyzed message, if one is due. It never
// returns an error to the caller: dispatch failures degrade to the CRT-lead
// DM fallback and a log line, and must not block message ingestion.
func (d *Dispatcher) Dispatch(ctx context.Context, outcome pipeline.Outcome) {
	result := outcome.Result
	decision := outcome.Decision
	if decision.TargetChannel == "" {
		return
	}

	userID := outcome.Message.UserID
	if d.guard.ShouldSuppress(userID, result.Severity) {
		if d.metrics != nil {
			d.metrics.AlertsSuppressed.WithLabelValues("cooldown").Inc()
		}
		return
	}

	content := ""
	if decision.PingCRT && d.crtRoleID != "" {
		content = gateway.RoleMention(d.crtRoleID)
	}
	embed := d.buildEmbed(outcome)
	buttons := d.buildButtons("")

	// Permanent gateway refusals (missing permissions, deleted channel) go
	// straight to the fallback; only transient transport errors retry.
	var messageID string
	err := resilience.Retry(ctx, &resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		ShouldRetry:  errs.IsRetryable,
	}, func() error {
		id, sendErr := d.gw.SendEmbed(ctx, decision.TargetChannel, content, &embed, nil)
		if sendErr != nil {
			return sendErr
		}
		messageID = id
		return nil
	})
	if err != nil {
		d.fallback(ctx, outcome, err)
		return
	}

	d.guard.Record(userID, result.Severity)
	if d.metrics != nil {
		d.metrics.AlertsSent.WithLabelValues(result.Severity.String(), decision.TargetChannel).Inc()
	}

	pending := &autoinit.PendingAlert{
		AlertMessageID:    messageID,
		AlertChannelID:    decision.TargetChannel,
		GuildID:           outcome.Message.GuildID,
		UserID:            userID,
		OriginalMessageID: outcome.Message.MessageID,
		OriginalChannelID: outcome.Message.ChannelID,
		Severity:          result.Severity,
	}
	// The pending record must be durable before the controls go live.
	if err := d.tracker.Track(ctx, pending); err != nil {
		d.logger.Error("failed to track pending alert", map[string]interface{}{
			"alert_id": messageID,
			"error":    err.Error(),
		})
	}

	buttons = d.buildButtons(messageID)
	if err := d.gw.EditEmbed(ctx, decision.TargetChannel, messageID, content, &embed, buttons); err != nil {
		d.logger.Warn("failed to attach alert controls", map[string]interface{}{
			"alert_id": messageID,
			"error":    err.Error(),
		})
	}

	d.remember(messageID, &postedAlert{
		channelID: decision.TargetChannel,
		guildID:   outcome.Message.GuildID,
		userID:    userID,
		content:   content,
		embed:     embed,
		postedAt:  d.now(),
	})

	d.logger.Info("alert dispatched", map[string]interface{}{
		"alert_id": messageID,
		"user_id":  userID,
		"severity": result.Severity.String(),
		"channel":  decision.TargetChannel,
		"ping_crt": decision.PingCRT,
	})
}

// fallback DMs the CRT lead when the alert channel cannot be reached.
func (d *Dispatcher) fallback(ctx context.Context, outcome pipeline.Outcome, cause error) {
	d.logger.Error("alert post failed, falling back to CRT lead DM", map[string]interface{}{
		"user_id": outcome.Message.UserID,
		"error":   cause.Error(),
	})
	if d.metrics != nil {
		d.metrics.AlertsSuppressed.WithLabelValues("post_failed").Inc()
	}
	if d.crtLeadUserID == "" {
		return
	}

	dm, err := d.gw.OpenDM(ctx, d.crtLeadUserID)
	if err == nil {
		embed := d.buildEmbed(outcome)
		_, err = d.gw.SendEmbed(ctx, dm,
			"Alert channel unreachable — direct notification:", &embed, nil)
	}
	if err != nil {
		// Both paths failed; the history entry survives either way.
		d.logger.Error("CRT lead fallback failed", map[string]interface{}{
			"user_id": outcome.Message.UserID,
			"error":   err.Error(),
		})
	}
}

func (d *Dispatcher) buildEmbed(outcome pipeline.Outcome) gateway.Embed {
	result := outcome.Result
	msg := outcome.Message

	embed := gateway.Embed{
		Title:       fmt.Sprintf("%s crisis indicators detected", strings.ToUpper(result.Severity.String())),
		Description: quoteTruncated(msg.Text),
		Color:       severityColor(result.Severity),
		Timestamp:   msg.At,
		Footer:      "Ash crisis response",
	}

	embed.Fields = append(embed.Fields,
		gateway.EmbedField{Name: "User", Value: "<@" + msg.UserID + ">", Inline: true},
		gateway.EmbedField{Name: "Score", Value: fmt.Sprintf("%.2f", result.CrisisScore), Inline: true},
		gateway.EmbedField{Name: "Confidence", Value: fmt.Sprintf("%.2f", result.Confidence), Inline: true},
	)
	if result.Sensitivity != 0 && result.Sensitivity != 1.0 {
		embed.Fields = append(embed.Fields, gateway.EmbedField{
			Name:   "Channel sensitivity",
			Value:  fmt.Sprintf("%.2f (raw score %.2f)", result.Sensitivity, result.OriginalScore),
			Inline: true,
		})
	}
	if len(result.Categories) > 0 {
		embed.Fields = append(embed.Fields, gateway.EmbedField{
			Name: "Categories", Value: strings.Join(result.Categories, ", "),
		})
	}
	embed.Fields = append(embed.Fields, gateway.EmbedField{
		Name:  "Message",
		Value: gateway.MessageLink(msg.GuildID, msg.ChannelID, msg.MessageID),
	})
	return embed
}

func (d *Dispatcher) buildButtons(alertID string) []gateway.Button {
	if alertID == "" {
		return nil
	}
	var buttons []gateway.Button
	for _, control := range d.controls {
		switch control {
		case "acknowledge":
			buttons = append(buttons, gateway.Button{
				ID: customIDPrefix + ActionAcknowledge + ":" + alertID, Label: "Acknowledge", Style: gateway.ButtonSuccess,
			})
		case "talk":
			buttons = append(buttons, gateway.Button{
				ID: customIDPrefix + ActionTalk + ":" + alertID, Label: "Talk to Ash", Style: gateway.ButtonPrimary,
			})
		case "history":
			buttons = append(buttons, gateway.Button{
				ID: customIDPrefix + ActionHistory + ":" + alertID, Label: "History", Style: gateway.ButtonSecondary,
			})
		case "resolve":
			buttons = append(buttons, gateway.Button{
				ID: customIDPrefix + ActionResolve + ":" + alertID, Label: "Resolved", Style: gateway.ButtonSecondary,
			})
		case "escalate":
			buttons = append(buttons, gateway.Button{
				ID: customIDPrefix + ActionEscalate + ":" + alertID, Label: "Escalate", Style: gateway.ButtonDanger,
			})
		}
	}
	return buttons
}

func (d *Dispatcher) remember(alertID string, p *postedAlert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.posted[alertID] = p
	// Prune stale entries; annotations only make sense for recent alerts.
	cutoff := d.now().Add(-2 * time.Hour)
	for id, entry := range d.posted {
		if entry.postedAt.Before(cutoff) {
			delete(d.posted, id)
		}
	}
}

func (d *Dispatcher) recall(alertID string) *postedAlert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.posted[alertID]
}

// annotate recolors the remembered embed, appends a field, and strips the
// controls.
func (d *Dispatcher) annotate(ctx context.Context, alertID string, color int, field gateway.EmbedField) {
	p := d.recall(alertID)
	if p == nil {
		return
	}
	embed := p.embed
	embed.Color = color
	embed.Fields = append(append([]gateway.EmbedField(nil), p.embed.Fields...), field)
	if err := d.gw.EditEmbed(ctx, p.channelID, alertID, p.content, &embed, nil); err != nil {
		d.logger.Warn("failed to annotate alert", map[string]interface{}{
			"alert_id": alertID,
			"error":    err.Error(),
		})
	}
}

// AnnotateAutoInitiated implements autoinit.Annotator.
func (d *Dispatcher) AnnotateAutoInitiated(ctx context.Context, alert *autoinit.PendingAlert) {
	d.annotate(ctx, alert.AlertMessageID, colorAutoInitiated, gateway.EmbedField{
		Name: "Status", Value: "Auto-initiated (no staff response)",
	})
}

// AnnotateOptOut implements autoinit.Annotator.
func (d *Dispatcher) AnnotateOptOut(ctx context.Context, alert *autoinit.PendingAlert) {
	d.AnnotateOptOutByID(ctx, alert.AlertMessageID)
}

// AnnotateOptOutByID implements session.AlertAnnotator.
func (d *Dispatcher) AnnotateOptOutByID(ctx context.Context, alertID string) {
	d.annotate(ctx, alertID, colorOptOut, gateway.EmbedField{
		Name: "Status", Value: "User prefers human support",
	})
}

// AnnotateAcknowledged marks the alert as handled by a CRT member.
func (d *Dispatcher) AnnotateAcknowledged(ctx context.Context, alertID, byUserID string) {
	d.annotate(ctx, alertID, colorAcknowledged, gateway.EmbedField{
		Name: "Status", Value: "Acknowledged by <@" + byUserID + ">",
	})
}

// AnnotateEscalated marks the alert as escalated.
func (d *Dispatcher) AnnotateEscalated(ctx context.Context, alertID, byUserID string) {
	d.annotate(ctx, alertID, colorCritical, gateway.EmbedField{
		Name: "Status", Value: "Escalated by <@" + byUserID + ">",
	})
}

func severityColor(s crisis.Severity) int {
	switch s {
	case crisis.SeverityCritical:
		return colorCritical
	case crisis.SeverityHigh:
		return colorHigh
	default:
		return colorMedium
	}
}

func quoteTruncated(text string) string {
	text = crisis.TruncateText(text)
	return "> " + strings.ReplaceAll(text, "\n", "\n> ")
}

var _ autoinit.Annotator = (*Dispatcher)(nil)
