// Package history persists the per-user crisis message history in a sorted set
// keyed by guild and user, scored by Unix timestamp.
//
// The store fails soft: on KV trouble reads come back empty and writes are
// logged and dropped, so a store outage can never block classification.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashbot/ash/internal/crisis"
	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/kv"
	"github.com/ashbot/ash/internal/logging"
)

// KeyPrefix is the sorted-set key prefix; the full key is
// ash:history:{guild_id}:{user_id}.
const KeyPrefix = "ash:history:"

// Store is the per-user history store.
type Store struct {
	kv          kv.Store
	ttl         time.Duration
	maxMessages int
	minSeverity crisis.Severity
	logger      logging.Logger
	now         func() time.Time
}

// Options configures a Store.
type Options struct {
	TTL         time.Duration
	MaxMessages int
	MinSeverity crisis.Severity
	Logger      logging.Logger
	Now         func() time.Time
}

// New creates a history Store.
func New(store kv.Store, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 50
	}
	if opts.MinSeverity < crisis.SeverityLow {
		opts.MinSeverity = crisis.SeverityLow
	}
	return &Store{
		kv:          store,
		ttl:         opts.TTL,
		maxMessages: opts.MaxMessages,
		minSeverity: opts.MinSeverity,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// Key returns the sorted-set key for a guild/user pair.
func Key(guildID, userID string) string {
	return fmt.Sprintf("%s%s:%s", KeyPrefix, guildID, userID)
}

// Insert stores one entry, refreshes the TTL, and trims the set to the
// configured cap. Entries below the minimum severity are rejected silently:
// safe messages are never persisted. The boolean reports whether a write
// happened.
func (s *Store) Insert(ctx context.Context, guildID, userID string, entry crisis.StoredMessage) (bool, error) {
	if entry.Severity < s.minSeverity {
		return false, nil
	}

	entry.Text = crisis.TruncateText(entry.Text)
	if entry.Timestamp == 0 {
		entry.Timestamp = s.now().Unix()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return false, errs.NewID("history.Insert", "history", userID, err)
	}

	key := Key(guildID, userID)
	if err := s.kv.ZAdd(ctx, key, float64(entry.Timestamp), string(data)); err != nil {
		s.failSoft("insert", key, err)
		return false, err
	}
	// TTL refreshes on every insert so active users keep their context.
	if err := s.kv.Expire(ctx, key, s.ttl); err != nil {
		s.failSoft("expire", key, err)
	}

	count, err := s.kv.ZCard(ctx, key)
	if err != nil {
		s.failSoft("card", key, err)
		return true, nil
	}
	if excess := count - int64(s.maxMessages); excess > 0 {
		if err := s.kv.ZRemRangeByRank(ctx, key, 0, excess-1); err != nil {
			s.failSoft("trim", key, err)
		}
	}
	return true, nil
}

// Recent returns up to limit entries, newest first. On any KV failure it
// returns an empty slice so the pipeline classifies without context.
func (s *Store) Recent(ctx context.Context, guildID, userID string, limit int) []crisis.StoredMessage {
	if limit <= 0 {
		return nil
	}

	key := Key(guildID, userID)
	raw, err := s.kv.ZRevRange(ctx, key, 0, int64(limit-1))
	if err != nil {
		s.failSoft("fetch", key, err)
		return nil
	}

	entries := make([]crisis.StoredMessage, 0, len(raw))
	for _, member := range raw {
		var entry crisis.StoredMessage
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			// Corrupt members are logged and skipped; the set heals via TTL.
			s.logger.Warn("dropping corrupt history entry", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// Count returns the stored entry count for a user, zero on failure.
func (s *Store) Count(ctx context.Context, guildID, userID string) int64 {
	n, err := s.kv.ZCard(ctx, Key(guildID, userID))
	if err != nil {
		return 0
	}
	return n
}

func (s *Store) failSoft(op, key string, err error) {
	s.logger.Warn("history store degraded", map[string]interface{}{
		"op":    op,
		"key":   key,
		"error": err.Error(),
	})
}
