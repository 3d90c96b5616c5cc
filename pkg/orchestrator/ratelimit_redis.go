package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// redisTokenBucketScript runs the token bucket algorithm atomically in Redis
// so concurrent kernel replicas share one rate budget per tenant instead of
// each replica tracking its own in-process bucket.
//
// KEYS[1] = bucket key ("ratelimit:<tenantId>")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix time in fractional seconds
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisTenantRateLimiter is a cluster-shared alternative to
// TenantRateLimiter: every kernel replica consumes from the same Redis-held
// token bucket per tenant, so horizontal scaling doesn't multiply a
// tenant's effective budget.
type RedisTenantRateLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewRedisTenantRateLimiter dials a Redis client for distributed per-tenant
// throttling at rps requests/sec with the given burst capacity.
func NewRedisTenantRateLimiter(addr, password string, db int, rps int, burst int) *RedisTenantRateLimiter {
	return &RedisTenantRateLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		rps:    float64(rps),
		burst:  burst,
	}
}

// Allow consumes one token from tenantID's shared bucket.
func (rl *RedisTenantRateLimiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s", tenantID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, rl.client, []string{key}, rl.rps, rl.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("orchestrator: redis rate limiter error: %w", err)
	}

	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("orchestrator: unexpected redis rate limiter response %T", res)
	}
	return allowed == 1, nil
}

// CheckTenantRate mirrors TenantRateLimiter.CheckTenantRate's error shape so
// callers can swap backends without changing their error-handling code.
func (rl *RedisTenantRateLimiter) CheckTenantRate(ctx context.Context, tenantID string) error {
	allowed, err := rl.Allow(ctx, tenantID)
	if err != nil {
		return err
	}
	if !allowed {
		return kernelerr.New(kernelerr.CodeRateLimited, "tenant request rate exceeded").
			WithDetails(map[string]interface{}{"tenantId": tenantID})
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (rl *RedisTenantRateLimiter) Close() error {
	return rl.client.Close()
}
