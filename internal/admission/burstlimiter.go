// Package admission implements the Sender's per-user burst guard sitting
// in front of the broker-depth AdmissionGate: a Redis sliding-window
// counter that caps how many requests a single user can start within a
// short window, whether or not they have completed, independent of the per-model
// queue-depth threshold.
package admission

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script implementing a sliding
// window limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "admission:burst:"

// BurstLimiter caps the number of requests a single user may start
// within window, using a Redis sliding window per user key.
// It sits ahead of the broker-depth AdmissionGate: a user that floods the
// Sender gets rejected here before a message is ever published, so one
// noisy user cannot exhaust another user's share of the per-model queue
// threshold.
type BurstLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// NewBurstLimiter creates a BurstLimiter allowing at most limit requests
// per user within window. limit must be > 0; values <= 0 reject every
// request.
func NewBurstLimiter(rdb *redis.Client, limit int, window time.Duration) *BurstLimiter {
	return &BurstLimiter{rdb: rdb, limit: limit, window: window}
}

// Allow reports whether userID may issue another request right now. On
// Redis unavailability it fails open (allows the request) since a burst
// guard is a courtesy layer, not a correctness boundary — the broker
// queue-depth check downstream still protects backend capacity.
func (b *BurstLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	now := time.Now().UnixNano()

	result, err := slidingWindowScript.Run(ctx, b.rdb,
		[]string{keyPrefix + userID},
		now, b.window.Nanoseconds(), b.limit,
	).Int()
	if err != nil {
		return true, nil
	}

	return result == 1, nil
}
