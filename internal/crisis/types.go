package crisis

import "time"

// MaxStoredTextLen caps persisted and classified message text. Truncation is
// lossy and deliberate: it bounds both storage and classifier cost.
const MaxStoredTextLen = 500

// TruncateText trims text to MaxStoredTextLen without splitting a rune.
func TruncateText(text string) string {
	if len(text) <= MaxStoredTextLen {
		return text
	}
	runes := []rune(text)
	if len(runes) <= MaxStoredTextLen {
		return text
	}
	return string(runes[:MaxStoredTextLen])
}

// Result is the classifier output for one message. Immutable after
// construction; the pipeline copies it when sensitivity modifies the score.
type Result struct {
	CrisisScore    float64  `json:"crisis_score"`
	Severity       Severity `json:"severity"`
	Categories     []string `json:"categories,omitempty"`
	Confidence     float64  `json:"confidence"`
	ModelAgreement string   `json:"model_agreement,omitempty"`
	GapsDetected   bool     `json:"gaps_detected"`
	Reasoning      string   `json:"reasoning,omitempty"`

	// Annotations added by the pipeline when channel sensitivity applies.
	OriginalScore float64 `json:"original_score,omitempty"`
	Sensitivity   float64 `json:"sensitivity,omitempty"`

	// Reason is set on sentinel results, e.g. "nlp_unavailable".
	Reason string `json:"reason,omitempty"`
}

// Unavailable is the fail-open sentinel returned when the classifier cannot be
// reached. It downgrades the pipeline to safe so no alert fires on an outage.
func Unavailable() *Result {
	return &Result{Severity: SeveritySafe, Reason: "nlp_unavailable"}
}

// StoredMessage is one history entry in the per-user sorted set.
type StoredMessage struct {
	Text              string   `json:"text"`
	Timestamp         int64    `json:"timestamp"`
	CrisisScore       float64  `json:"crisis_score"`
	Severity          Severity `json:"severity"`
	ExternalMessageID string   `json:"external_message_id,omitempty"`
}

// RoutingDecision tells the dispatcher where an analyzed message goes.
type RoutingDecision struct {
	TargetChannel string // empty means no alert
	PingCRT       bool
}

// Message is an accepted inbound message entering the pipeline.
type Message struct {
	GuildID   string
	ChannelID string
	MessageID string
	UserID    string
	Text      string
	At        time.Time
}
