// Package llm is the HTTP client for the conversational backend that powers
// the one-on-one support sessions. The wire shape follows the Anthropic
// Messages API: a system prompt plus alternating user/assistant turns.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/logging"
	"github.com/ashbot/ash/internal/metrics"
	"github.com/ashbot/ash/internal/resilience"
)

// FallbackReply is sent when the backend cannot produce a response. Users in a
// support conversation never see an error code.
const FallbackReply = "I'm having trouble right now — a human from the team will reach out soon."

// Role labels a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in the bounded context window.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Responder is the interface the session manager depends on.
type Responder interface {
	// Reply produces the assistant's next turn. On backend failure it returns
	// the canned fallback and ok=false.
	Reply(ctx context.Context, system string, turns []Turn) (reply string, ok bool)
}

type request struct {
	Model     string `json:"model"`
	System    string `json:"system,omitempty"`
	Messages  []Turn `json:"messages"`
	MaxTokens int    `json:"max_tokens"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Client is the production Responder.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	retry      *resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	logger     logging.Logger
	metrics    *metrics.Metrics
}

// Options configures a Client.
type Options struct {
	BaseURL         string
	APIKey          string
	Model           string
	MaxTokens       int
	Timeout         time.Duration
	MaxRetries      int
	BreakerFailures int
	BreakerCooldown time.Duration
	Logger          logging.Logger
	Metrics         *metrics.Metrics
}

// New creates the conversational backend client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = opts.MaxRetries

	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "llm",
		FailureThreshold: opts.BreakerFailures,
		Cooldown:         opts.BreakerCooldown,
		Logger:           opts.Logger,
		Observer: func(name string, _, to resilience.State) {
			if opts.Metrics != nil {
				opts.Metrics.ObserveBreaker(name, int(to))
			}
		},
	})

	return &Client{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		model:      opts.Model,
		maxTokens:  opts.MaxTokens,
		httpClient: &http.Client{Timeout: opts.Timeout},
		retry:      retry,
		breaker:    breaker,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Reply implements Responder.
func (c *Client) Reply(ctx context.Context, system string, turns []Turn) (string, bool) {
	var reply string
	err := resilience.RetryWithBreaker(ctx, c.retry, c.breaker, func() error {
		r, err := c.replyOnce(ctx, system, turns)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.LLMErrors.Inc()
		}
		c.logger.Error("conversational backend failed, sending fallback", map[string]interface{}{
			"error": err.Error(),
		})
		return FallbackReply, false
	}
	return reply, true
}

func (c *Client) replyOnce(ctx context.Context, system string, turns []Turn) (string, error) {
	body, err := json.Marshal(request{
		Model:     c.model,
		System:    system,
		Messages:  turns,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("backend request: %v: %w", err, errs.ErrConnectionFailed)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %v: %w", err, errs.ErrConnectionFailed)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("backend status %d: %w", resp.StatusCode, errs.ErrRateLimited)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("backend status %d: %w", resp.StatusCode, errs.ErrUnavailable)
	case resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("backend status %d: %w", resp.StatusCode, errs.ErrAuthFailed)
	default:
		// Other 4xx are permanent: do not retry.
		return "", fmt.Errorf("backend status %d: %s: %w", resp.StatusCode, data, errs.ErrRequestFailed)
	}

	var wire response
	if err := json.Unmarshal(data, &wire); err != nil {
		return "", fmt.Errorf("decoding response: %w", errs.ErrRequestFailed)
	}
	for _, block := range wire.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("empty response: %w", errs.ErrRequestFailed)
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
