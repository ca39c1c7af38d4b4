// Package prefs stores the per-user opt-out preference with a TTL, fronted by
// a small in-process cache so the hot path does not hit the KV store on every
// message.
package prefs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/kv"
	"github.com/ashbot/ash/internal/logging"
)

// KeyPrefix is the preference key prefix; the full key is ash:optout:{user_id}.
const KeyPrefix = "ash:optout:"

// Preference is the stored opt-out record.
type Preference struct {
	UserID     string    `json:"user_id"`
	OptedOut   bool      `json:"opted_out"`
	OptedOutAt time.Time `json:"opted_out_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type cacheEntry struct {
	optedOut bool
	until    time.Time
}

// Store reads and writes opt-out preferences.
type Store struct {
	kv       kv.Store
	ttl      time.Duration
	cacheTTL time.Duration
	logger   logging.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// Options configures a Store.
type Options struct {
	TTL      time.Duration
	CacheTTL time.Duration
	Logger   logging.Logger
	Now      func() time.Time
}

// New creates a preferences Store.
func New(store kv.Store, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 30 * 24 * time.Hour
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		kv:       store,
		ttl:      opts.TTL,
		cacheTTL: opts.CacheTTL,
		logger:   opts.Logger,
		now:      opts.Now,
		cache:    make(map[string]cacheEntry),
	}
}

func key(userID string) string { return KeyPrefix + userID }

// IsOptedOut reports whether the user currently prefers human support. Cache
// hits are served for at most the cache TTL; a KV failure reads as not opted
// out so an outage can never block the safety net.
func (s *Store) IsOptedOut(ctx context.Context, userID string) bool {
	now := s.now()

	s.mu.Lock()
	if entry, ok := s.cache[userID]; ok && now.Before(entry.until) {
		s.mu.Unlock()
		return entry.optedOut
	}
	s.mu.Unlock()

	pref, err := s.Get(ctx, userID)
	optedOut := false
	switch {
	case err == nil:
		optedOut = pref.OptedOut && pref.ExpiresAt.After(now)
	case errs.IsNotFound(err):
		// No record means no opt-out.
	default:
		s.logger.Warn("preference lookup degraded", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}

	s.mu.Lock()
	s.cache[userID] = cacheEntry{optedOut: optedOut, until: now.Add(s.cacheTTL)}
	s.mu.Unlock()
	return optedOut
}

// Get reads the stored preference record.
func (s *Store) Get(ctx context.Context, userID string) (*Preference, error) {
	raw, err := s.kv.Get(ctx, key(userID))
	if err != nil {
		return nil, err
	}
	var pref Preference
	if err := json.Unmarshal([]byte(raw), &pref); err != nil {
		// A corrupt record is deleted so the user is not stuck half opted out.
		s.logger.Warn("deleting corrupt preference record", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		_ = s.kv.Delete(ctx, key(userID))
		return nil, errs.NewID("prefs.Get", "prefs", userID, errs.ErrCorruptRecord)
	}
	return &pref, nil
}

// SetOptOut records the opt-out with the configured TTL and invalidates the
// cache entry.
func (s *Store) SetOptOut(ctx context.Context, userID string) error {
	now := s.now()
	pref := Preference{
		UserID:     userID,
		OptedOut:   true,
		OptedOutAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}
	data, err := json.Marshal(pref)
	if err != nil {
		return errs.NewID("prefs.SetOptOut", "prefs", userID, err)
	}
	if err := s.kv.SetWithTTL(ctx, key(userID), string(data), s.ttl); err != nil {
		return err
	}
	s.invalidate(userID)
	return nil
}

// ClearOptOut deletes the preference (explicit opt-in).
func (s *Store) ClearOptOut(ctx context.Context, userID string) error {
	if err := s.kv.Delete(ctx, key(userID)); err != nil {
		return err
	}
	s.invalidate(userID)
	return nil
}

func (s *Store) invalidate(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}
