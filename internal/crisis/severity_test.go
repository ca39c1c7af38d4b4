package crisis

import (
	"encoding/json"
	"testing"
)

func TestSeverityOrdering(t *testing.T) {
	ordered := []Severity{SeveritySafe, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		if !(ordered[i-1] < ordered[i]) {
			t.Fatalf("expected %s < %s", ordered[i-1], ordered[i])
		}
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"safe", SeveritySafe, false},
		{"none", SeveritySafe, false},
		{"", SeveritySafe, false},
		{"LOW", SeverityLow, false},
		{"medium", SeverityMedium, false},
		{"moderate", SeverityMedium, false},
		{" high ", SeverityHigh, false},
		{"critical", SeverityCritical, false},
		{"bogus", SeveritySafe, true},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSeverity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSeverityJSONRoundTrip(t *testing.T) {
	for _, s := range []Severity{SeveritySafe, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal %v: %v", s, err)
		}
		var back Severity
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if back != s {
			t.Errorf("round trip %v -> %s -> %v", s, data, back)
		}
	}
}

func TestSeverityUnmarshalUnknownIsSafe(t *testing.T) {
	var s Severity
	if err := json.Unmarshal([]byte(`"weird"`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s != SeveritySafe {
		t.Errorf("unknown severity decoded as %v, want safe", s)
	}
}

func TestThresholdsFromScore(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		score float64
		want  Severity
	}{
		{0.0, SeveritySafe},
		{0.15, SeveritySafe},
		{0.16, SeverityLow},
		{0.27, SeverityLow},
		{0.28, SeverityMedium},
		{0.54, SeverityMedium},
		{0.55, SeverityHigh},
		{0.84, SeverityHigh},
		{0.85, SeverityCritical},
		{1.0, SeverityCritical},
	}
	for _, tt := range tests {
		if got := th.FromScore(tt.score); got != tt.want {
			t.Errorf("FromScore(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestThresholdsFromScoreMonotone(t *testing.T) {
	th := DefaultThresholds()
	prev := SeveritySafe
	for score := 0.0; score <= 1.0; score += 0.01 {
		got := th.FromScore(score)
		if got < prev {
			t.Fatalf("severity decreased from %v to %v at score %v", prev, got, score)
		}
		prev = got
	}
}

func TestThresholdsValidate(t *testing.T) {
	tests := []struct {
		name    string
		th      Thresholds
		wantErr bool
	}{
		{"defaults", DefaultThresholds(), false},
		{"zero low", Thresholds{Critical: 0.9, High: 0.6, Medium: 0.3, Low: 0}, true},
		{"above one", Thresholds{Critical: 1.1, High: 0.6, Medium: 0.3, Low: 0.1}, true},
		{"not increasing", Thresholds{Critical: 0.5, High: 0.6, Medium: 0.3, Low: 0.1}, true},
		{"equal pair", Thresholds{Critical: 0.6, High: 0.6, Medium: 0.3, Low: 0.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.th.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTruncateText(t *testing.T) {
	short := "hello"
	if got := TruncateText(short); got != short {
		t.Errorf("short text modified: %q", got)
	}

	long := make([]rune, MaxStoredTextLen+100)
	for i := range long {
		long[i] = 'é'
	}
	got := TruncateText(string(long))
	if n := len([]rune(got)); n != MaxStoredTextLen {
		t.Errorf("truncated length = %d, want %d", n, MaxStoredTextLen)
	}
}
