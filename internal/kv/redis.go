package kv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/logging"
)

// casScript swaps key from expect to next atomically, keeping the TTL.
// Returns 1 on swap, 0 otherwise. The comparison is on the raw bytes the
// caller last read, which makes the read-modify-CAS loop linearizable.
var casScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
  return 1
end
return 0
`)

// RedisStore implements Store on go-redis.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
	logger    logging.Logger
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration // defaults to DefaultOpTimeout
	Logger    logging.Logger
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
// Authentication failures surface as ErrAuthFailed so the caller can refuse
// to start rather than limp along.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errs.New("kv.NewRedisStore", "kv",
			fmt.Errorf("redis address is required: %w", errs.ErrInvalidConfiguration))
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOp{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.OpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.New("kv.NewRedisStore", "kv", classify(err))
	}

	opts.Logger.Info("connected to key-value store", map[string]interface{}{
		"addr": opts.Addr,
		"db":   opts.DB,
	})

	return &RedisStore{
		client:    client,
		opTimeout: opts.OpTimeout,
		logger:    opts.Logger,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests (miniredis).
func NewRedisStoreFromClient(client *redis.Client, logger logging.Logger) *RedisStore {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &RedisStore{client: client, opTimeout: DefaultOpTimeout, logger: logger}
}

func (s *RedisStore) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", errs.NewID("kv.Get", "kv", key, errs.ErrNotFound)
		}
		return "", errs.NewID("kv.Get", "kv", key, classify(err))
	}
	return val, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errs.NewID("kv.SetWithTTL", "kv", key, classify(err))
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errs.NewID("kv.Delete", "kv", keys[0], classify(err))
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, errs.NewID("kv.Exists", "kv", key, classify(err))
	}
	return n > 0, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	err := s.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return errs.NewID("kv.ZAdd", "kv", key, classify(err))
	}
	return nil
}

func (s *RedisStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	vals, err := s.client.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, errs.NewID("kv.ZRevRange", "kv", key, classify(err))
	}
	return vals, nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, errs.NewID("kv.ZCard", "kv", key, classify(err))
	}
	return n, nil
}

func (s *RedisStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	if err := s.client.ZRemRangeByRank(ctx, key, start, stop).Err(); err != nil {
		return errs.NewID("kv.ZRemRangeByRank", "kv", key, classify(err))
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return errs.NewID("kv.Expire", "kv", key, classify(err))
	}
	return nil
}

func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errs.NewID("kv.ScanPrefix", "kv", prefix, classify(err))
	}
	return keys, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key, expect, next string) (bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	res, err := casScript.Run(ctx, s.client, []string{key}, expect, next).Int()
	if err != nil {
		return false, errs.NewID("kv.CompareAndSwap", "kv", key, classify(err))
	}
	return res == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errs.New("kv.Ping", "kv", classify(err))
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// classify maps driver errors onto the typed sentinels callers branch on.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%v: %w", err, errs.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%v: %w", err, errs.ErrTimeout)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NOAUTH"), strings.Contains(msg, "WRONGPASS"),
		strings.Contains(msg, "invalid password"):
		return fmt.Errorf("%v: %w", err, errs.ErrAuthFailed)
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "EOF"),
		strings.Contains(msg, "no such host"):
		return fmt.Errorf("%v: %w", err, errs.ErrUnavailable)
	default:
		return fmt.Errorf("%v: %w", err, errs.ErrRequestFailed)
	}
}
