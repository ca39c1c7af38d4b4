// Package policy decides which channels Ash watches, how sensitive each one
// is, and where alerts for each severity go.
package policy

import (
	"sync"

	"github.com/ashbot/ash/internal/config"
	"github.com/ashbot/ash/internal/crisis"
	"github.com/ashbot/ash/internal/logging"
)

// ChannelPolicy holds the monitored-channel set, per-channel sensitivity
// modifiers, and the severity routing table. Reads dominate; runtime overrides
// take the write lock.
type ChannelPolicy struct {
	mu                 sync.RWMutex
	monitored          map[string]struct{}
	sensitivities      map[string]float64
	defaultSensitivity float64
	crisisChannel      string
	monitorChannel     string
	logger             logging.Logger
}

// New builds a ChannelPolicy from config. Out-of-range sensitivities were
// already clamped by config validation; runtime overrides clamp here.
func New(cfg config.ChannelsConfig, logger logging.Logger) *ChannelPolicy {
	monitored := make(map[string]struct{}, len(cfg.Monitored))
	for _, ch := range cfg.Monitored {
		monitored[ch] = struct{}{}
	}
	sensitivities := make(map[string]float64, len(cfg.Sensitivities))
	for ch, s := range cfg.Sensitivities {
		sensitivities[ch] = s
	}
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &ChannelPolicy{
		monitored:          monitored,
		sensitivities:      sensitivities,
		defaultSensitivity: cfg.DefaultSensitivity,
		crisisChannel:      cfg.AlertChannelCrisis,
		monitorChannel:     cfg.AlertChannelMon,
		logger:             logger,
	}
}

// IsMonitored reports whether messages in the channel enter the pipeline.
func (p *ChannelPolicy) IsMonitored(channelID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.monitored[channelID]
	return ok
}

// Sensitivity returns the score modifier for a channel.
func (p *ChannelPolicy) Sensitivity(channelID string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.sensitivities[channelID]; ok {
		return s
	}
	return p.defaultSensitivity
}

// SetSensitivity overrides a channel's sensitivity at runtime, clamping out of
// range values with a warning.
func (p *ChannelPolicy) SetSensitivity(channelID string, sensitivity float64) {
	clamped := config.ClampSensitivity(sensitivity)
	if clamped != sensitivity {
		p.logger.Warn("sensitivity out of range, clamped", map[string]interface{}{
			"channel_id": channelID,
			"requested":  sensitivity,
			"applied":    clamped,
		})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sensitivities[channelID] = clamped
}

// Route returns the alert channel for a severity, or empty when the severity
// does not alert. HIGH and CRITICAL go to the crisis channel, MEDIUM to the
// monitor channel.
func (p *ChannelPolicy) Route(severity crisis.Severity) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch severity {
	case crisis.SeverityHigh, crisis.SeverityCritical:
		return p.crisisChannel
	case crisis.SeverityMedium:
		return p.monitorChannel
	default:
		return ""
	}
}

// Decide returns the full routing decision for a severity. CRT is pinged for
// HIGH and CRITICAL only.
func (p *ChannelPolicy) Decide(severity crisis.Severity) crisis.RoutingDecision {
	return crisis.RoutingDecision{
		TargetChannel: p.Route(severity),
		PingCRT:       severity >= crisis.SeverityHigh,
	}
}
