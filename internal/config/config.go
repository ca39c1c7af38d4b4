// Package config loads and validates the Ash configuration.
//
// Three layers apply, lowest priority first: built-in defaults, an optional
// YAML file (BOT_CONFIG_FILE), then BOT_* environment variables. Secrets may be
// supplied directly or through *_FILE paths; missing secrets are fatal at boot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ashbot/ash/internal/crisis"
	"github.com/ashbot/ash/internal/errs"
)

const (
	// EnvPrefix is the prefix for all environment variables.
	EnvPrefix = "BOT_"

	// MinSensitivity and MaxSensitivity bound the per-channel score modifier.
	MinSensitivity = 0.3
	MaxSensitivity = 2.0
)

// Config is the complete runtime configuration.
type Config struct {
	Secrets   SecretsConfig   `yaml:"secrets"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Severity  SeverityConfig  `yaml:"severity"`
	Cooldown  CooldownConfig  `yaml:"cooldown"`
	AutoInit  AutoInitConfig  `yaml:"auto_initiate"`
	OptOut    OptOutConfig    `yaml:"optout"`
	History   HistoryConfig   `yaml:"history"`
	Session   SessionConfig   `yaml:"session"`
	CheckIn   CheckInConfig   `yaml:"checkin"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	NLP       EndpointConfig  `yaml:"nlp"`
	LLM       LLMConfig       `yaml:"llm"`
	Redis     RedisConfig     `yaml:"redis"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Logging   LoggingConfig   `yaml:"logging"`
	Health    HealthConfig    `yaml:"health"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SecretsConfig holds credentials. Each value may come from the environment
// directly or from a file path given in the matching *_FILE variable.
type SecretsConfig struct {
	DiscordToken string `yaml:"-"`
	ClaudeAPIKey string `yaml:"-"`
	RedisToken   string `yaml:"-"`
}

// ChannelsConfig is the monitored-channel topology.
type ChannelsConfig struct {
	Monitored          []string           `yaml:"monitored"`
	AlertChannelCrisis string             `yaml:"alert_channel_crisis"`
	AlertChannelMon    string             `yaml:"alert_channel_monitor"`
	CRTRoleID          string             `yaml:"crt_role_id"`
	CRTLeadUserID      string             `yaml:"crt_lead_user_id"`
	DefaultSensitivity float64            `yaml:"default_sensitivity"`
	Sensitivities      map[string]float64 `yaml:"sensitivities"`
}

// SeverityConfig carries the score thresholds.
type SeverityConfig struct {
	Thresholds crisis.Thresholds `yaml:"thresholds"`
}

// CooldownConfig holds the per-severity alert suppression windows.
type CooldownConfig struct {
	Medium   time.Duration `yaml:"medium"`
	High     time.Duration `yaml:"high"`
	Critical time.Duration `yaml:"critical"`
}

// Window returns the suppression window for a severity (zero when none).
func (c CooldownConfig) Window(s crisis.Severity) time.Duration {
	switch s {
	case crisis.SeverityMedium:
		return c.Medium
	case crisis.SeverityHigh:
		return c.High
	case crisis.SeverityCritical:
		return c.Critical
	default:
		return 0
	}
}

// AutoInitConfig controls the no-acknowledgement safety net.
type AutoInitConfig struct {
	Enabled     bool            `yaml:"enabled"`
	Delay       time.Duration   `yaml:"delay"`
	MinSeverity crisis.Severity `yaml:"-"`
	// MinSeverityName is the YAML/env spelling; parsed into MinSeverity.
	MinSeverityName string        `yaml:"min_severity"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	Grace           time.Duration `yaml:"grace"`
}

// OptOutConfig controls the per-user opt-out preference.
type OptOutConfig struct {
	Enabled  bool          `yaml:"enabled"`
	TTL      time.Duration `yaml:"ttl"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// HistoryConfig controls the per-user crisis history store.
type HistoryConfig struct {
	TTL             time.Duration   `yaml:"ttl"`
	MaxMessages     int             `yaml:"max_messages"`
	MinSeverity     crisis.Severity `yaml:"-"`
	MinSeverityName string          `yaml:"min_severity"`
	ContextEntries  int             `yaml:"context_entries"`
}

// SessionConfig controls the DM session lifecycle.
type SessionConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ContextTurns    int           `yaml:"context_turns"`
	WelcomeTTL      time.Duration `yaml:"welcome_ttl"`
	ReaperInterval  time.Duration `yaml:"reaper_interval"`
	MaxResponseWait time.Duration `yaml:"max_response_wait"`
}

// CheckInConfig controls the post-session follow-up DM.
type CheckInConfig struct {
	Enabled bool            `yaml:"enabled"`
	Delay   time.Duration   `yaml:"delay"`
	TTL     time.Duration   `yaml:"ttl"`
	MinSev  crisis.Severity `yaml:"-"`
}

// AlertsConfig controls the alert embed and its interactive controls.
type AlertsConfig struct {
	// Controls is the ordered interactive-control set. Known values:
	// acknowledge, talk, history, resolve, escalate.
	Controls []string `yaml:"controls"`
}

// EndpointConfig is an HTTP collaborator endpoint with resilience settings.
type EndpointConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// LLMConfig extends EndpointConfig with model parameters.
type LLMConfig struct {
	EndpointConfig `yaml:",inline"`
	Model          string `yaml:"model"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// RedisConfig locates the key-value store.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// RuntimeConfig bounds the event-routing machinery.
type RuntimeConfig struct {
	UserQueueSize   int           `yaml:"user_queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	OutboundRate    float64       `yaml:"outbound_rate"`
	OutboundBurst   int           `yaml:"outbound_burst"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HealthConfig configures the operational HTTP surface.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// TelemetryConfig toggles metric collection.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Channels: ChannelsConfig{
			DefaultSensitivity: 1.0,
			Sensitivities:      map[string]float64{},
		},
		Severity: SeverityConfig{Thresholds: crisis.DefaultThresholds()},
		Cooldown: CooldownConfig{
			Medium:   15 * time.Minute,
			High:     10 * time.Minute,
			Critical: 5 * time.Minute,
		},
		AutoInit: AutoInitConfig{
			Enabled:         true,
			Delay:           3 * time.Minute,
			MinSeverity:     crisis.SeverityMedium,
			MinSeverityName: "medium",
			SweepInterval:   30 * time.Second,
			Grace:           time.Minute,
		},
		OptOut: OptOutConfig{
			Enabled:  true,
			TTL:      30 * 24 * time.Hour,
			CacheTTL: 30 * time.Second,
		},
		History: HistoryConfig{
			TTL:             30 * 24 * time.Hour,
			MaxMessages:     50,
			MinSeverity:     crisis.SeverityLow,
			MinSeverityName: "low",
			ContextEntries:  20,
		},
		Session: SessionConfig{
			IdleTimeout:     10 * time.Minute,
			ContextTurns:    10,
			WelcomeTTL:      10 * time.Minute,
			ReaperInterval:  time.Minute,
			MaxResponseWait: 90 * time.Second,
		},
		CheckIn: CheckInConfig{
			Enabled: true,
			Delay:   24 * time.Hour,
			TTL:     48 * time.Hour,
			MinSev:  crisis.SeverityHigh,
		},
		Alerts: AlertsConfig{
			Controls: []string{"acknowledge", "talk", "history"},
		},
		NLP: EndpointConfig{
			Timeout:         30 * time.Second,
			MaxRetries:      3,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		LLM: LLMConfig{
			EndpointConfig: EndpointConfig{
				Timeout:         60 * time.Second,
				MaxRetries:      3,
				BreakerFailures: 5,
				BreakerCooldown: 30 * time.Second,
			},
			Model:     "claude-sonnet-4-5",
			MaxTokens: 1024,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Runtime: RuntimeConfig{
			UserQueueSize:   16,
			ShutdownTimeout: 20 * time.Second,
			OutboundRate:    25,
			OutboundBurst:   50,
		},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Health:    HealthConfig{Port: 30881},
		Telemetry: TelemetryConfig{Enabled: true},
	}
}

// Load builds the configuration from defaults, the optional YAML file, and the
// environment. It returns a validated config or a configuration error.
func Load() (*Config, error) {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv(EnvPrefix + "CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.New("config.Load", "config",
				fmt.Errorf("reading %s: %w: %v", path, errs.ErrInvalidConfiguration, err))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.New("config.Load", "config",
				fmt.Errorf("parsing %s: %w: %v", path, errs.ErrInvalidConfiguration, err))
		}
	}

	cfg.applyEnv()

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envCSV("MONITORED_CHANNELS", &c.Channels.Monitored)
	envStr("ALERT_CHANNEL_CRISIS", &c.Channels.AlertChannelCrisis)
	envStr("ALERT_CHANNEL_MONITOR", &c.Channels.AlertChannelMon)
	envStr("CRT_ROLE_ID", &c.Channels.CRTRoleID)
	envStr("CRT_LEAD_USER_ID", &c.Channels.CRTLeadUserID)
	envFloat("DEFAULT_CHANNEL_SENSITIVITY", &c.Channels.DefaultSensitivity)

	envFloat("THRESHOLD_CRITICAL", &c.Severity.Thresholds.Critical)
	envFloat("THRESHOLD_HIGH", &c.Severity.Thresholds.High)
	envFloat("THRESHOLD_MEDIUM", &c.Severity.Thresholds.Medium)
	envFloat("THRESHOLD_LOW", &c.Severity.Thresholds.Low)

	envMinutes("COOLDOWN_MEDIUM_MINUTES", &c.Cooldown.Medium)
	envMinutes("COOLDOWN_HIGH_MINUTES", &c.Cooldown.High)
	envMinutes("COOLDOWN_CRITICAL_MINUTES", &c.Cooldown.Critical)

	envBool("AUTO_INITIATE_ENABLED", &c.AutoInit.Enabled)
	envMinutes("AUTO_INITIATE_DELAY_MINUTES", &c.AutoInit.Delay)
	envStr("AUTO_INITIATE_MIN_SEVERITY", &c.AutoInit.MinSeverityName)

	envBool("USER_OPTOUT_ENABLED", &c.OptOut.Enabled)
	envDays("USER_OPTOUT_TTL_DAYS", &c.OptOut.TTL)

	envDays("HISTORY_TTL_DAYS", &c.History.TTL)
	envInt("HISTORY_MAX_MESSAGES", &c.History.MaxMessages)
	envStr("HISTORY_MIN_SEVERITY", &c.History.MinSeverityName)

	envMinutes("SESSION_IDLE_MINUTES", &c.Session.IdleTimeout)
	envInt("SESSION_CONTEXT_TURNS", &c.Session.ContextTurns)

	envBool("CHECKIN_ENABLED", &c.CheckIn.Enabled)
	envHours("CHECKIN_DELAY_HOURS", &c.CheckIn.Delay)

	envCSV("ALERT_CONTROLS", &c.Alerts.Controls)

	envStr("NLP_BASE_URL", &c.NLP.BaseURL)
	envSeconds("NLP_TIMEOUT_SECONDS", &c.NLP.Timeout)
	envStr("LLM_BASE_URL", &c.LLM.BaseURL)
	envSeconds("LLM_TIMEOUT_SECONDS", &c.LLM.Timeout)
	envStr("LLM_MODEL", &c.LLM.Model)
	envInt("LLM_MAX_TOKENS", &c.LLM.MaxTokens)

	envStr("REDIS_HOST", &c.Redis.Host)
	envInt("REDIS_PORT", &c.Redis.Port)
	envInt("REDIS_DB", &c.Redis.DB)

	envInt("USER_QUEUE_SIZE", &c.Runtime.UserQueueSize)

	envStr("LOG_LEVEL", &c.Logging.Level)
	envStr("LOG_FORMAT", &c.Logging.Format)
	envInt("HEALTH_PORT", &c.Health.Port)
	envBool("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
}

// resolveSecrets reads each secret from BOT_<NAME> or the file named by
// BOT_<NAME>_FILE. CLAUDE_API_KEY and REDIS_TOKEN keep their unprefixed
// spellings for compatibility with the deployment manifests.
func (c *Config) resolveSecrets() error {
	var err error
	if c.Secrets.DiscordToken, err = secret("BOT_DISCORD_TOKEN"); err != nil {
		return err
	}
	if c.Secrets.ClaudeAPIKey, err = secret("CLAUDE_API_KEY"); err != nil {
		return err
	}
	// The Redis token is optional: local and test deployments run without auth.
	c.Secrets.RedisToken, _ = secret("REDIS_TOKEN")
	return nil
}

func secret(name string) (string, error) {
	if path := os.Getenv(name + "_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", errs.New("config.secret", "config",
				fmt.Errorf("secret file for %s: %w: %v", name, errs.ErrMissingConfiguration, err))
		}
		return strings.TrimSpace(string(data)), nil
	}
	if v := os.Getenv(name); v != "" {
		return strings.TrimSpace(v), nil
	}
	return "", errs.New("config.secret", "config",
		fmt.Errorf("%s: %w", name, errs.ErrMissingConfiguration))
}

// Validate checks ranges, parses severity names, and clamps sensitivities.
// It mutates the config (clamps, parsed severities) on success.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return errs.New("config.Validate", "config",
			fmt.Errorf(format+": %w", append(args, errs.ErrInvalidConfiguration)...))
	}

	if len(c.Channels.Monitored) == 0 {
		return fail("BOT_MONITORED_CHANNELS is empty")
	}
	if c.Channels.AlertChannelCrisis == "" || c.Channels.AlertChannelMon == "" {
		return fail("alert channels must be configured")
	}
	if c.Channels.CRTRoleID == "" {
		return fail("BOT_CRT_ROLE_ID must be configured")
	}

	c.Channels.DefaultSensitivity = ClampSensitivity(c.Channels.DefaultSensitivity)
	for ch, s := range c.Channels.Sensitivities {
		c.Channels.Sensitivities[ch] = ClampSensitivity(s)
	}

	if err := c.Severity.Thresholds.Validate(); err != nil {
		return fail("severity thresholds: %v", err)
	}

	if c.AutoInit.Delay < time.Minute || c.AutoInit.Delay > 60*time.Minute {
		return fail("BOT_AUTO_INITIATE_DELAY_MINUTES must be 1-60, got %s", c.AutoInit.Delay)
	}
	sev, err := crisis.ParseSeverity(c.AutoInit.MinSeverityName)
	if err != nil {
		return fail("BOT_AUTO_INITIATE_MIN_SEVERITY: %v", err)
	}
	c.AutoInit.MinSeverity = sev

	if d := c.OptOut.TTL; d < 24*time.Hour || d > 365*24*time.Hour {
		return fail("BOT_USER_OPTOUT_TTL_DAYS must be 1-365, got %s", d)
	}

	if c.History.MaxMessages <= 0 {
		return fail("BOT_HISTORY_MAX_MESSAGES must be positive")
	}
	sev, err = crisis.ParseSeverity(c.History.MinSeverityName)
	if err != nil {
		return fail("BOT_HISTORY_MIN_SEVERITY: %v", err)
	}
	if sev < crisis.SeverityLow {
		sev = crisis.SeverityLow
	}
	c.History.MinSeverity = sev

	if c.NLP.BaseURL == "" {
		return fail("BOT_NLP_BASE_URL must be configured")
	}
	if c.LLM.BaseURL == "" {
		return fail("BOT_LLM_BASE_URL must be configured")
	}

	for _, control := range c.Alerts.Controls {
		switch control {
		case "acknowledge", "talk", "history", "resolve", "escalate":
		default:
			return fail("unknown alert control %q", control)
		}
	}

	if c.Runtime.UserQueueSize <= 0 {
		c.Runtime.UserQueueSize = 16
	}
	if c.Health.Port <= 0 || c.Health.Port > 65535 {
		return fail("BOT_HEALTH_PORT out of range: %d", c.Health.Port)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fail("BOT_LOG_FORMAT must be json or text, got %q", c.Logging.Format)
	}

	return nil
}

// ClampSensitivity forces a sensitivity modifier into [0.3, 2.0].
func ClampSensitivity(s float64) float64 {
	if s < MinSensitivity {
		return MinSensitivity
	}
	if s > MaxSensitivity {
		return MaxSensitivity
	}
	return s
}

// --- env helpers ---

func envStr(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envCSV(name string, dst *[]string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envMinutes(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Minute
		}
	}
}

func envSeconds(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envHours(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Hour
		}
	}
}

func envDays(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * 24 * time.Hour
		}
	}
}
