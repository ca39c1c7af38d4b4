// Package nlp is the HTTP client for the crisis classifier service.
//
// The client never lets classifier trouble reach the event loop: after retries
// and the circuit breaker give up, Analyze returns the safe sentinel result so
// the pipeline fails open to no-alert.
package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashbot/ash/internal/crisis"
	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/logging"
	"github.com/ashbot/ash/internal/metrics"
	"github.com/ashbot/ash/internal/resilience"
)

// Classifier is the interface the pipeline depends on.
type Classifier interface {
	// Analyze classifies text with history context. It always returns a
	// usable result; on collaborator failure the result is the safe sentinel.
	Analyze(ctx context.Context, req Request) *crisis.Result

	// Healthy reports whether the classifier's health endpoint responds.
	Healthy(ctx context.Context) bool
}

// Request is the classifier request payload.
type Request struct {
	Text      string                 `json:"text"`
	UserID    string                 `json:"user_id"`
	ChannelID string                 `json:"channel_id"`
	History   []crisis.StoredMessage `json:"history"`
}

// wireResult is the classifier response payload.
type wireResult struct {
	CrisisScore    float64  `json:"crisis_score"`
	Severity       string   `json:"severity"`
	Categories     []string `json:"categories"`
	Confidence     float64  `json:"confidence"`
	ModelAgreement string   `json:"model_agreement"`
	GapsDetected   bool     `json:"gaps_detected"`
	Reasoning      string   `json:"reasoning,omitempty"`
}

// Client is the production classifier client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      *resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	logger     logging.Logger
	metrics    *metrics.Metrics
}

// Options configures a Client.
type Options struct {
	BaseURL         string
	Timeout         time.Duration
	MaxRetries      int
	BreakerFailures int
	BreakerCooldown time.Duration
	Logger          logging.Logger
	Metrics         *metrics.Metrics
}

// New creates the classifier client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = opts.MaxRetries

	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "nlp",
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
		httpClient: &http.Client{Timeout: opts.Timeout},
		retry:      retry,
		breaker:    breaker,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Analyze implements Classifier.
func (c *Client) Analyze(ctx context.Context, req Request) *crisis.Result {
	started := time.Now()

	var result *crisis.Result
	err := resilience.RetryWithBreaker(ctx, c.retry, c.breaker, func() error {
		r, err := c.analyzeOnce(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	if c.metrics != nil {
		c.metrics.NLPRequestDuration.Observe(time.Since(started).Seconds())
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.NLPErrors.Inc()
		}
		c.logger.Error("classifier unavailable, failing open to safe", map[string]interface{}{
			"user_id": req.UserID,
			"error":   err.Error(),
		})
		return crisis.Unavailable()
	}
	return result
}

func (c *Client) analyzeOnce(ctx context.Context, req Request) (*crisis.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("classifier request: %v: %w", err, errs.ErrConnectionFailed)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %v: %w", err, errs.ErrConnectionFailed)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("classifier status %d: %w", resp.StatusCode, errs.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("classifier status %d: %w", resp.StatusCode, errs.ErrUnavailable)
	default:
		return nil, fmt.Errorf("classifier status %d: %s: %w", resp.StatusCode, data, errs.ErrRequestFailed)
	}

	var wire wireResult
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding response: %w", errs.ErrRequestFailed)
	}

	severity, parseErr := crisis.ParseSeverity(wire.Severity)
	if parseErr != nil {
		c.logger.Warn("classifier returned unknown severity", map[string]interface{}{
			"severity": wire.Severity,
		})
	}

	return &crisis.Result{
		CrisisScore:    wire.CrisisScore,
		Severity:       severity,
		Categories:     wire.Categories,
		Confidence:     wire.Confidence,
		ModelAgreement: wire.ModelAgreement,
		GapsDetected:   wire.GapsDetected,
		Reasoning:      wire.Reasoning,
	}, nil
}

// Healthy implements Classifier by probing GET {base}/health.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
