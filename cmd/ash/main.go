// Command ash runs the crisis-response Discord bot: it watches the configured
// channels, classifies messages through the NLP service, alerts the crisis
// response team, and fills the gap with AI-assisted DM sessions when nobody
// responds in time.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashbot/ash/internal/alert"
	"github.com/ashbot/ash/internal/autoinit"
	"github.com/ashbot/ash/internal/bot"
	"github.com/ashbot/ash/internal/checkin"
	"github.com/ashbot/ash/internal/commands"
	"github.com/ashbot/ash/internal/config"
	"github.com/ashbot/ash/internal/cooldown"
	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/gateway"
	"github.com/ashbot/ash/internal/gateway/discord"
	"github.com/ashbot/ash/internal/health"
	"github.com/ashbot/ash/internal/history"
	"github.com/ashbot/ash/internal/kv"
	"github.com/ashbot/ash/internal/llm"
	"github.com/ashbot/ash/internal/logging"
	"github.com/ashbot/ash/internal/metrics"
	"github.com/ashbot/ash/internal/nlp"
	"github.com/ashbot/ash/internal/pipeline"
	"github.com/ashbot/ash/internal/policy"
	"github.com/ashbot/ash/internal/prefs"
	"github.com/ashbot/ash/internal/session"
)

// Exit codes.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
	exitAuth   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	logger := logging.New(logging.Options{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.Format(cfg.Logging.Format),
	})
	logger.Info("starting ash", map[string]interface{}{
		"monitored_channels": len(cfg.Channels.Monitored),
		"health_port":        cfg.Health.Port,
	})

	var m *metrics.Metrics
	if cfg.Telemetry.Enabled {
		m = metrics.New()
	}

	kvStore, err := kv.NewRedisStore(ctx, kv.RedisOptions{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Secrets.RedisToken,
		DB:       cfg.Redis.DB,
		Logger:   logger.WithComponent("kv"),
	})
	if err != nil {
		logger.Error("key-value store unavailable", map[string]interface{}{
			"addr":  cfg.Redis.Addr(),
			"error": err.Error(),
		})
		if errors.Is(err, errs.ErrAuthFailed) {
			return exitAuth
		}
		return exitError
	}
	defer kvStore.Close()

	adapter, err := discord.New(cfg.Secrets.DiscordToken, logger.WithComponent("gateway"))
	if err != nil {
		logger.Error("gateway construction failed", map[string]interface{}{"error": err.Error()})
		return exitConfig
	}
	gw := gateway.WithRateLimit(adapter, cfg.Runtime.OutboundRate, cfg.Runtime.OutboundBurst)

	chanPolicy := policy.New(cfg.Channels, logger.WithComponent("policy"))

	prefsStore := prefs.New(kvStore, prefs.Options{
		TTL:      cfg.OptOut.TTL,
		CacheTTL: cfg.OptOut.CacheTTL,
		Logger:   logger.WithComponent("prefs"),
	})

	historyStore := history.New(kvStore, history.Options{
		TTL:         cfg.History.TTL,
		MaxMessages: cfg.History.MaxMessages,
		MinSeverity: cfg.History.MinSeverity,
		Logger:      logger.WithComponent("history"),
	})

	classifier := nlp.New(nlp.Options{
		BaseURL:         cfg.NLP.BaseURL,
		Timeout:         cfg.NLP.Timeout,
		MaxRetries:      cfg.NLP.MaxRetries,
		BreakerFailures: cfg.NLP.BreakerFailures,
		BreakerCooldown: cfg.NLP.BreakerCooldown,
		Logger:          logger.WithComponent("nlp"),
		Metrics:         m,
	})

	responder := llm.New(llm.Options{
		BaseURL:         cfg.LLM.BaseURL,
		APIKey:          cfg.Secrets.ClaudeAPIKey,
		Model:           cfg.LLM.Model,
		MaxTokens:       cfg.LLM.MaxTokens,
		Timeout:         cfg.LLM.Timeout,
		MaxRetries:      cfg.LLM.MaxRetries,
		BreakerFailures: cfg.LLM.BreakerFailures,
		BreakerCooldown: cfg.LLM.BreakerCooldown,
		Logger:          logger.WithComponent("llm"),
		Metrics:         m,
	})

	sessions := session.NewManager(gw, responder, prefsStore, session.Options{
		IdleTimeout:        cfg.Session.IdleTimeout,
		ContextTurns:       cfg.Session.ContextTurns,
		WelcomeTTL:         cfg.Session.WelcomeTTL,
		ReaperInterval:     cfg.Session.ReaperInterval,
		OptOutEnabled:      cfg.OptOut.Enabled,
		CheckInMinSeverity: cfg.CheckIn.MinSev,
		Logger:             logger.WithComponent("session"),
		Metrics:            m,
	})

	checkins := checkin.New(kvStore, gw, prefsStore, checkin.Options{
		Enabled: cfg.CheckIn.Enabled,
		Delay:   cfg.CheckIn.Delay,
		TTL:     cfg.CheckIn.TTL,
		Logger:  logger.WithComponent("checkin"),
		Metrics: m,
	})
	sessions.SetCheckInScheduler(checkins)

	tracker := autoinit.New(kvStore, autoinit.Options{
		Enabled:       cfg.AutoInit.Enabled,
		Delay:         cfg.AutoInit.Delay,
		MinSeverity:   cfg.AutoInit.MinSeverity,
		SweepInterval: cfg.AutoInit.SweepInterval,
		Grace:         cfg.AutoInit.Grace,
		Logger:        logger.WithComponent("autoinit"),
		Metrics:       m,
	})
	tracker.SetSessionStarter(sessions)

	guard := cooldown.New(cfg.Cooldown.Window, nil)

	dispatcher := alert.New(gw, guard, tracker, alert.Options{
		Controls:        cfg.Alerts.Controls,
		CRTRoleID:       cfg.Channels.CRTRoleID,
		CRTLeadUserID:   cfg.Channels.CRTLeadUserID,
		CrisisChannelID: cfg.Channels.AlertChannelCrisis,
		Logger:          logger.WithComponent("alert"),
		Metrics:         m,
	})
	tracker.SetAnnotator(dispatcher)
	sessions.SetAnnotator(dispatcher)

	controls := alert.NewControls(dispatcher, tracker, sessions, historyStore, gw,
		cfg.Channels.CRTRoleID, logger.WithComponent("controls"), m)

	started := time.Now()
	healthInfo := func(ctx context.Context) commands.HealthInfo {
		return commands.HealthInfo{
			GatewayConnected: adapter.Connected(),
			KVHealthy:        kvStore.Ping(ctx) == nil,
			NLPBreaker:       classifier.BreakerState(),
			LLMBreaker:       responder.BreakerState(),
			ActiveSessions:   sessions.ActiveCount(),
			PendingAlerts:    tracker.Pending(),
			Uptime:           time.Since(started),
		}
	}

	cmdHandler := commands.New(prefsStore, kvStore, gw, commands.Options{
		CRTRoleID:  cfg.Channels.CRTRoleID,
		HealthInfo: healthInfo,
		Logger:     logger.WithComponent("commands"),
		Metrics:    m,
	})

	classification := pipeline.New(pipeline.Options{
		Classifier:     classifier,
		History:        historyStore,
		Policy:         chanPolicy,
		Thresholds:     cfg.Severity.Thresholds,
		ContextEntries: cfg.History.ContextEntries,
		Logger:         logger.WithComponent("pipeline"),
		Metrics:        m,
	})

	runtime := bot.New(classification, dispatcher, controls, sessions, cmdHandler, chanPolicy, bot.Options{
		QueueSize:       cfg.Runtime.UserQueueSize,
		ShutdownTimeout: cfg.Runtime.ShutdownTimeout,
		Logger:          logger.WithComponent("bot"),
		Metrics:         m,
	})
	adapter.SetHandlers(runtime.Handlers())

	healthSrv := health.New(health.Options{
		Port: cfg.Health.Port,
		Checks: health.Checks{
			Gateway: func(context.Context) error {
				if !adapter.Connected() {
					return errs.New("health.gateway", "gateway", errs.ErrConnectionFailed)
				}
				return nil
			},
			KV: kvStore.Ping,
			NLP: func(ctx context.Context) error {
				if !classifier.Healthy(ctx) {
					return errs.New("health.nlp", "nlp", errs.ErrUnavailable)
				}
				return nil
			},
		},
		Detail: func(ctx context.Context) map[string]interface{} {
			info := healthInfo(ctx)
			return map[string]interface{}{
				"gateway_connected": info.GatewayConnected,
				"kv_healthy":        info.KVHealthy,
				"nlp_breaker":       info.NLPBreaker,
				"llm_breaker":       info.LLMBreaker,
				"active_sessions":   info.ActiveSessions,
				"pending_alerts":    info.PendingAlerts,
			}
		},
		Metrics: m,
		Logger:  logger.WithComponent("health"),
	})

	// Resume timers for alerts issued before the last restart.
	if err := tracker.Recover(ctx); err != nil {
		logger.Warn("pending-alert recovery failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if err := adapter.Open(); err != nil {
		logger.Error("gateway connection failed", map[string]interface{}{"error": err.Error()})
		if errors.Is(err, errs.ErrAuthFailed) {
			return exitAuth
		}
		return exitError
	}
	defer adapter.Close()

	if err := adapter.RegisterCommands(""); err != nil {
		logger.Warn("slash-command registration failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	checkins.Start()
	defer checkins.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runtime.Run(gctx)
	})
	g.Go(func() error {
		tracker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sessions.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return healthSrv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout)
		defer cancel()
		return healthSrv.Shutdown(shutdownCtx)
	})

	logger.Info("ash is running", nil)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervision failure", map[string]interface{}{"error": err.Error()})
		return exitError
	}

	logger.Info("ash stopped cleanly", nil)
	return exitOK
}
