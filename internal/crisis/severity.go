// Package crisis holds the domain types shared across the pipeline: the ordered
// severity scale, the score thresholds that produce it, classifier results, and
// the stored history record.
package crisis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity is the ordered crisis classification. Higher values are more severe.
type Severity int

const (
	SeveritySafe Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase wire name of the severity.
func (s Severity) String() string {
	switch s {
	case SeveritySafe:
		return "safe"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a wire name to a Severity. Unknown names map to safe so a
// misbehaving classifier can never escalate by accident.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe", "none", "":
		return SeveritySafe, nil
	case "low":
		return SeverityLow, nil
	case "medium", "moderate":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeveritySafe, fmt.Errorf("unknown severity %q", s)
	}
}

// MarshalJSON encodes the severity as its wire name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a wire name, tolerating unknown values as safe.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, _ := ParseSeverity(name)
	*s = parsed
	return nil
}

// Thresholds maps a crisis score in [0,1] to a severity. Each field is the
// minimum score for that severity; scores below Low classify as safe.
type Thresholds struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
	Low      float64 `yaml:"low"`
}

// DefaultThresholds are the operator defaults; deployments tune them.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 0.85, High: 0.55, Medium: 0.28, Low: 0.16}
}

// Validate rejects threshold sets that are not strictly ordered in (0,1].
func (t Thresholds) Validate() error {
	if t.Low <= 0 || t.Critical > 1 {
		return fmt.Errorf("thresholds must lie in (0,1]: %+v", t)
	}
	if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical) {
		return fmt.Errorf("thresholds must be strictly increasing: %+v", t)
	}
	return nil
}

// FromScore returns the highest severity whose threshold the score meets.
func (t Thresholds) FromScore(score float64) Severity {
	switch {
	case score >= t.Critical:
		return SeverityCritical
	case score >= t.High:
		return SeverityHigh
	case score >= t.Medium:
		return SeverityMedium
	case score >= t.Low:
		return SeverityLow
	default:
		return SeveritySafe
	}
}
