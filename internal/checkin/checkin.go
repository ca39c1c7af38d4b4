// Package checkin sends the follow-up DM a day after a high-severity session
// ends. Scheduled check-ins live in the KV store with a TTL, so a restart
// between scheduling and firing loses nothing, and a compare-and-swap on the
// stored record keeps the send at-most-once across replicas.
package checkin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/gateway"
	"github.com/ashbot/ash/internal/kv"
	"github.com/ashbot/ash/internal/logging"
	"github.com/ashbot/ash/internal/metrics"
	"github.com/ashbot/ash/internal/prefs"
)

// KeyPrefix is the scheduled check-in key prefix; the full key is
// ash:checkin:{user_id}:{fire_at_unix}.
const KeyPrefix = "ash:checkin:"

// Record statuses.
const (
	statusScheduled = "scheduled"
	statusFiring    = "firing"
)

const checkInText = "Hey, it's Ash. I've been thinking about you since we talked — " +
	"no need to reply, I just wanted you to know someone's in your corner. " +
	"How are you holding up today?"

// Record is the durable scheduled check-in.
type Record struct {
	UserID        string    `json:"user_id"`
	SourceAlertID string    `json:"source_alert_id,omitempty"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	FireAt        time.Time `json:"fire_at"`
	Status        string    `json:"status"`
}

// Options configures a Scheduler.
type Options struct {
	Enabled bool
	Delay   time.Duration
	// TTL bounds the record's life; it must exceed Delay so a due check-in
	// survives a restart, and caps how stale a fired check-in can be.
	TTL     time.Duration
	Logger  logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Scheduler persists check-ins and fires the due ones on a cron sweep.
type Scheduler struct {
	kv      kv.Store
	gw      gateway.Gateway
	prefs   *prefs.Store
	opts    Options
	logger  logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	cron    *cron.Cron
}

// New creates a Scheduler.
func New(store kv.Store, gw gateway.Gateway, preferences *prefs.Store, opts Options) *Scheduler {
	if opts.Delay <= 0 {
		opts.Delay = 24 * time.Hour
	}
	if opts.TTL <= opts.Delay {
		opts.TTL = opts.Delay * 2
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		kv:      store,
		gw:      gw,
		prefs:   preferences,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		cron:    cron.New(),
	}
}

func key(userID string, fireAt time.Time) string {
	return fmt.Sprintf("%s%s:%d", KeyPrefix, userID, fireAt.Unix())
}

// Schedule persists a check-in due Delay from now. Implements the session
// manager's scheduler hook.
func (s *Scheduler) Schedule(ctx context.Context, userID, sourceAlertID string) error {
	if !s.opts.Enabled {
		return nil
	}

	now := s.now()
	rec := Record{
		UserID:        userID,
		SourceAlertID: sourceAlertID,
		ScheduledAt:   now,
		FireAt:        now.Add(s.opts.Delay),
		Status:        statusScheduled,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return errs.NewID("checkin.Schedule", "checkin", userID, err)
	}
	if err := s.kv.SetWithTTL(ctx, key(userID, rec.FireAt), string(data), s.opts.TTL); err != nil {
		return err
	}

	s.logger.Info("check-in scheduled", map[string]interface{}{
		"user_id": userID,
		"fire_at": rec.FireAt,
	})
	return nil
}

// Start begins the periodic sweep.
func (s *Scheduler) Start() {
	if !s.opts.Enabled {
		return
	}
	_, _ = s.cron.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.Sweep(ctx)
	})
	s.cron.Start()
}

// Stop halts the sweep and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep fires every due check-in once. Exported for tests and for a
// final sweep during drain.
func (s *Scheduler) Sweep(ctx context.Context) {
	keys, err := s.kv.ScanPrefix(ctx, KeyPrefix)
	if err != nil {
		s.logger.Warn("check-in sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	now := s.now()
	for _, k := range keys {
		raw, err := s.kv.Get(ctx, k)
		if err != nil {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("deleting corrupt check-in record", map[string]interface{}{
				"key":   k,
				"error": err.Error(),
			})
			_ = s.kv.Delete(ctx, k)
			continue
		}
		if rec.Status != statusScheduled || rec.FireAt.After(now) {
			continue
		}

		s.fire(ctx, k, raw, &rec)
	}
}

// fire claims the record via CAS and delivers the DM. A lost swap means a
// peer replica owns this check-in.
func (s *Scheduler) fire(ctx context.Context, k, raw string, rec *Record) {
	claimed := *rec
	claimed.Status = statusFiring
	next, err := json.Marshal(&claimed)
	if err != nil {
		return
	}
	swapped, err := s.kv.CompareAndSwap(ctx, k, raw, string(next))
	if err != nil || !swapped {
		return
	}

	outcome := "sent"
	switch {
	case s.prefs.IsOptedOut(ctx, rec.UserID):
		// Preference may have changed since scheduling; respect it now.
		outcome = "opted_out"
	default:
		dm, err := s.gw.OpenDM(ctx, rec.UserID)
		if err == nil {
			_, err = s.gw.SendMessage(ctx, dm, checkInText)
		}
		if err != nil {
			outcome = "failed"
			s.logger.Warn("check-in delivery failed", map[string]interface{}{
				"user_id": rec.UserID,
				"error":   err.Error(),
			})
		}
	}

	_ = s.kv.Delete(ctx, k)
	if s.metrics != nil {
		s.metrics.CheckInsTotal.WithLabelValues(outcome).Inc()
	}
	s.logger.Info("check-in fired", map[string]interface{}{
		"user_id": rec.UserID,
		"outcome": outcome,
	})
}
