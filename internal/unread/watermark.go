package unread

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WatermarkPrefix is the Redis key prefix for notification watermarks.
const WatermarkPrefix = "unread:watermark:"

// WatermarkStore persists the timestamp of the newest message the user has
// been notified about. The watermark only ever advances, which is what makes
// notifications at-most-once across process restarts.
type WatermarkStore interface {
	Last(ctx context.Context, userID string) (time.Time, error)

	// Advance moves the watermark to ts if ts is newer than the stored
	// value. It reports whether this call actually moved it, so racing
	// notifiers (multiple tabs, multiple gateway connections) can tell
	// winner from loser.
	Advance(ctx context.Context, userID string, ts time.Time) (bool, error)
}

// RedisWatermarks stores watermarks as unix-millisecond values in Redis.
type RedisWatermarks struct {
	rdb    *redis.Client
	script *redis.Script
}

// advanceLua sets the watermark only if the candidate is newer, so two racing
// notifiers can never move it backwards.
const advanceLua = `
local key = KEYS[1]
local candidate = tonumber(ARGV[1])

local current = tonumber(redis.call('GET', key))
if current and current >= candidate then
    return 0
end

redis.call('SET', key, candidate)
return 1
`

// NewRedisWatermarks creates a watermark store on the given Redis client.
func NewRedisWatermarks(rdb *redis.Client) *RedisWatermarks {
	return &RedisWatermarks{rdb: rdb, script: redis.NewScript(advanceLua)}
}

// Last returns the persisted watermark, or the zero time if none exists.
func (w *RedisWatermarks) Last(ctx context.Context, userID string) (time.Time, error) {
	val, err := w.rdb.Get(ctx, WatermarkPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("unread: load watermark: %w", err)
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unread: parse watermark %q: %w", val, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Advance moves the watermark forward to ts. Older candidates are ignored.
// The script's reply says whether this caller won the advance.
func (w *RedisWatermarks) Advance(ctx context.Context, userID string, ts time.Time) (bool, error) {
	key := WatermarkPrefix + userID
	moved, err := w.script.Run(ctx, w.rdb, []string{key}, ts.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("unread: advance watermark: %w", err)
	}
	return moved == 1, nil
}

// MemoryWatermarks is an in-process watermark store for tests and for
// clients without a Redis connection.
type MemoryWatermarks struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

// NewMemoryWatermarks creates an empty in-memory watermark store.
func NewMemoryWatermarks() *MemoryWatermarks {
	return &MemoryWatermarks{marks: make(map[string]time.Time)}
}

// Last returns the stored watermark, or the zero time.
func (w *MemoryWatermarks) Last(_ context.Context, userID string) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.marks[userID], nil
}

// Advance moves the watermark forward. Older candidates are ignored.
func (w *MemoryWatermarks) Advance(_ context.Context, userID string, ts time.Time) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !ts.After(w.marks[userID]) {
		return false, nil
	}
	w.marks[userID] = ts
	return true, nil
}
