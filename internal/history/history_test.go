package history

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/ashbot/ash/internal/crisis"
	"github.com/ashbot/ash/internal/kv"
)

func newTestStore(t *testing.T, opts Options) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}
	return New(kv.NewRedisStoreFromClient(client, nil), opts), mr
}

func entry(sev crisis.Severity, ts int64, text string) crisis.StoredMessage {
	return crisis.StoredMessage{Text: text, Timestamp: ts, CrisisScore: 0.5, Severity: sev}
}

func TestInsertRejectsBelowMinSeverity(t *testing.T) {
	s, _ := newTestStore(t, Options{MinSeverity: crisis.SeverityLow})
	ctx := context.Background()

	ok, err := s.Insert(ctx, "g", "u", entry(crisis.SeveritySafe, 1, "fine"))
	require.NoError(t, err)
	require.False(t, ok, "safe entries must never persist")

	ok, err = s.Insert(ctx, "g", "u", entry(crisis.SeverityLow, 2, "low"))
	require.NoError(t, err)
	require.True(t, ok)

	require.EqualValues(t, 1, s.Count(ctx, "g", "u"))
}

func TestRecentNewestFirst(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		_, err := s.Insert(ctx, "g", "u", entry(crisis.SeverityMedium, i, fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
	}

	recent := s.Recent(ctx, "g", "u", 3)
	require.Len(t, recent, 3)
	require.Equal(t, "msg-5", recent[0].Text)
	require.Equal(t, "msg-4", recent[1].Text)
	require.Equal(t, "msg-3", recent[2].Text)
}

func TestCapTrimsOldest(t *testing.T) {
	s, _ := newTestStore(t, Options{MaxMessages: 3})
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		_, err := s.Insert(ctx, "g", "u", entry(crisis.SeverityMedium, i, fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
	}

	require.EqualValues(t, 3, s.Count(ctx, "g", "u"))
	recent := s.Recent(ctx, "g", "u", 10)
	require.Len(t, recent, 3)
	require.Equal(t, "msg-5", recent[0].Text)
	require.Equal(t, "msg-3", recent[2].Text)
}

func TestInsertTruncatesText(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	long := strings.Repeat("x", crisis.MaxStoredTextLen+50)
	_, err := s.Insert(ctx, "g", "u", entry(crisis.SeverityHigh, 1, long))
	require.NoError(t, err)

	recent := s.Recent(ctx, "g", "u", 1)
	require.Len(t, recent, 1)
	require.Len(t, recent[0].Text, crisis.MaxStoredTextLen)
}

func TestRecentSkipsCorruptEntries(t *testing.T) {
	s, mr := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.Insert(ctx, "g", "u", entry(crisis.SeverityMedium, 1, "good"))
	require.NoError(t, err)
	_, err = mr.ZAdd(Key("g", "u"), 2, "{not json")
	require.NoError(t, err)

	recent := s.Recent(ctx, "g", "u", 10)
	require.Len(t, recent, 1)
	require.Equal(t, "good", recent[0].Text)
}

func TestRecentFailsSoftOnStoreOutage(t *testing.T) {
	s, mr := newTestStore(t, Options{})
	mr.Close()

	recent := s.Recent(context.Background(), "g", "u", 10)
	require.Empty(t, recent, "store outage must read as empty history")
}

func TestInsertRefreshesTTL(t *testing.T) {
	s, mr := newTestStore(t, Options{TTL: time.Minute})
	ctx := context.Background()

	_, err := s.Insert(ctx, "g", "u", entry(crisis.SeverityMedium, 1, "a"))
	require.NoError(t, err)
	mr.FastForward(50 * time.Second)

	_, err = s.Insert(ctx, "g", "u", entry(crisis.SeverityMedium, 2, "b"))
	require.NoError(t, err)
	mr.FastForward(50 * time.Second)

	// Second insert reset the clock, so both entries are still live.
	require.EqualValues(t, 2, s.Count(ctx, "g", "u"))
}
