package webhook

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// RateLimitWindow is the trailing window evaluated per webhook.
	RateLimitWindow = time.Hour
	// RateLimitMax is the number of calls admitted per window.
	RateLimitMax = 100
)

// Window counts admitted calls per webhook over the trailing hour. Allow
// reports whether the call at now is admitted and, when it is not, how long
// the caller should wait before retrying. Admitted calls are recorded as
// part of the same check.
type Window interface {
	Allow(ctx context.Context, webhookID string, now time.Time) (bool, time.Duration, error)
}

// MemoryWindow keeps per-webhook call timestamps in memory. Entries older
// than the window are pruned lazily on each check.
type MemoryWindow struct {
	mu    sync.Mutex
	calls map[string][]time.Time
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{calls: make(map[string][]time.Time)}
}

func (w *MemoryWindow) Allow(ctx context.Context, webhookID string, now time.Time) (bool, time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-RateLimitWindow)
	recent := w.calls[webhookID][:0]
	for _, t := range w.calls[webhookID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	w.calls[webhookID] = recent

	if len(recent) >= RateLimitMax {
		// The oldest retained call leaving the window frees a slot.
		retryAfter := recent[0].Add(RateLimitWindow).Sub(now)
		for _, t := range recent[1:] {
			if wait := t.Add(RateLimitWindow).Sub(now); wait < retryAfter {
				retryAfter = wait
			}
		}
		return false, retryAfter, nil
	}

	w.calls[webhookID] = append(recent, now)
	return true, 0, nil
}

// RedisWindow keeps the sliding window in a Redis sorted set so the limit
// holds across server replicas. Scores are unix nanoseconds; stale members
// are pruned before counting.
type RedisWindow struct {
	client *redis.Client
}

func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client}
}

func (w *RedisWindow) Allow(ctx context.Context, webhookID string, now time.Time) (bool, time.Duration, error) {
	key := "webhook:window:" + webhookID
	cutoff := now.Add(-RateLimitWindow).UnixNano()

	if err := w.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return false, 0, err
	}
	count, err := w.client.ZCard(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count >= RateLimitMax {
		retryAfter := RateLimitWindow
		oldest, err := w.client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) == 1 {
			retryAfter = time.Unix(0, int64(oldest[0].Score)).Add(RateLimitWindow).Sub(now)
		}
		return false, retryAfter, nil
	}

	pipe := w.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	pipe.Expire(ctx, key, RateLimitWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}
