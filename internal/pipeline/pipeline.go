// Package pipeline runs the history-aware classification for each accepted
// message: fetch recent history, call the classifier, apply channel
// sensitivity, persist the entry, and produce the routing decision.
//
// Per user the pipeline is strictly sequential so the classifier always sees a
// history that is a prefix of all earlier accepted messages. Across users it
// runs in parallel.
package pipeline

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/ashbot/ash/internal/crisis"
	"github.com/ashbot/ash/internal/history"
	"github.com/ashbot/ash/internal/logging"
	"github.com/ashbot/ash/internal/metrics"
	"github.com/ashbot/ash/internal/nlp"
	"github.com/ashbot/ash/internal/policy"
)

const userStripes = 64

// Outcome is the pipeline result for one message.
type Outcome struct {
	Message  crisis.Message
	Result   *crisis.Result
	Decision crisis.RoutingDecision
}

// Pipeline classifies accepted messages.
type Pipeline struct {
	classifier nlp.Classifier
	history    *history.Store
	policy     *policy.ChannelPolicy
	thresholds crisis.Thresholds
	contextN   int
	logger     logging.Logger
	metrics    *metrics.Metrics

	userLocks [userStripes]sync.Mutex
}

// Options configures a Pipeline.
type Options struct {
	Classifier     nlp.Classifier
	History        *history.Store
	Policy         *policy.ChannelPolicy
	Thresholds     crisis.Thresholds
	ContextEntries int
	Logger         logging.Logger
	Metrics        *metrics.Metrics
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.ContextEntries <= 0 {
		opts.ContextEntries = 20
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}
	return &Pipeline{
		classifier: opts.Classifier,
		history:    opts.History,
		policy:     opts.Policy,
		thresholds: opts.Thresholds,
		contextN:   opts.ContextEntries,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

func userStripe(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % userStripes)
}

// Process classifies one message. The per-user lock serializes concurrent
// messages from the same user so the history insert lands before the next
// message's fetch.
func (p *Pipeline) Process(ctx context.Context, msg crisis.Message) Outcome {
	i := userStripe(msg.UserID)
	p.userLocks[i].Lock()
	defer p.userLocks[i].Unlock()

	text := crisis.TruncateText(msg.Text)
	recent := p.history.Recent(ctx, msg.GuildID, msg.UserID, p.contextN)

	result := p.classifier.Analyze(ctx, nlp.Request{
		Text:      text,
		UserID:    msg.UserID,
		ChannelID: msg.ChannelID,
		History:   recent,
	})

	result = p.applySensitivity(msg.ChannelID, result)

	if p.metrics != nil {
		p.metrics.MessagesAnalyzed.WithLabelValues(result.Severity.String()).Inc()
	}

	if result.Severity >= crisis.SeverityLow {
		// Insert before returning so the next message for this user sees it.
		// The store itself fails soft on KV trouble.
		_, err := p.history.Insert(ctx, msg.GuildID, msg.UserID, crisis.StoredMessage{
			Text:              text,
			Timestamp:         msg.At.Unix(),
			CrisisScore:       result.CrisisScore,
			Severity:          result.Severity,
			ExternalMessageID: msg.MessageID,
		})
		if err != nil {
			p.logger.Warn("history insert failed", map[string]interface{}{
				"user_id": msg.UserID,
				"error":   err.Error(),
			})
		}
	}

	return Outcome{
		Message:  msg,
		Result:   result,
		Decision: p.policy.Decide(result.Severity),
	}
}

// applySensitivity scales the crisis score by the channel's modifier and
// recomputes the severity. The result is annotated with the original score so
// alerts can show both.
func (p *Pipeline) applySensitivity(channelID string, result *crisis.Result) *crisis.Result {
	sensitivity := p.policy.Sensitivity(channelID)
	if sensitivity == 1.0 || result.Reason != "" {
		return result
	}

	modified := result.CrisisScore * sensitivity
	if modified > 1.0 {
		modified = 1.0
	}

	adjusted := *result
	adjusted.OriginalScore = result.CrisisScore
	adjusted.Sensitivity = sensitivity
	adjusted.CrisisScore = modified
	adjusted.Severity = p.thresholds.FromScore(modified)

	if p.metrics != nil {
		p.metrics.SensitivityAdjustments.WithLabelValues(channelID).Inc()
	}
	return &adjusted
}
