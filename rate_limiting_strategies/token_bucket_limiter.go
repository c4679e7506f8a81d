package rate_limiting_strategies

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/aryangodara/admission"
)

var (
	_ admission.Bucket = &tokenBucketLimiter{}
)

// The whole refill-and-consume step runs inside redis, so two callers can
// never both consume the same pre-refill state.
//
// KEYS[1] bucket hash
// ARGV    tokensPerInterval, intervalSeconds, burstSize, cost, nowSeconds
// returns {allowed (0|1), remaining tokens as a string}
const tokenBucketSource = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'lastUpdated')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
  tokens = burst
end
if last == nil then
  last = now
end

local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(burst, tokens + (elapsed / interval) * rate)
if tokens < 0 then
  tokens = 0
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'lastUpdated', tostring(math.max(last, now)))
redis.call('EXPIRE', key, math.max(1, math.ceil(interval * 2)))

return {allowed, tostring(tokens)}
`

var tokenBucketScript = redis.NewScript(tokenBucketSource)

type tokenBucketLimiter struct {
	client redis.UniversalClient
}

// NewTokenBucketLimiter creates the atomic token bucket executor.
//
// The script is invoked by its SHA1 digest. When redis does not know the
// digest (first use, or after a restart flushed its script cache) the body is
// uploaded once and the call retried.
func NewTokenBucketLimiter(client redis.UniversalClient) admission.Bucket {
	return &tokenBucketLimiter{
		client: client,
	}
}

// Consume refills the bucket for the time elapsed since its last update and
// takes r.Cost tokens when enough are available.
func (t *tokenBucketLimiter) Consume(ctx context.Context, r *admission.BucketRequest) (*admission.BucketResult, error) {
	if err := checkBucketRequest(r); err != nil {
		return nil, err
	}

	keys := []string{r.Key}
	args := []any{
		formatFloat(r.TokensPerInterval),
		formatFloat(r.Interval.Seconds()),
		formatFloat(r.BurstSize),
		formatFloat(r.Cost),
		formatFloat(float64(r.Now.UnixMilli()) / 1000),
	}

	reply, err := t.client.EvalSha(ctx, tokenBucketScript.Hash(), keys, args...).Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		if err := t.client.ScriptLoad(ctx, tokenBucketSource).Err(); err != nil {
			return nil, fmt.Errorf("failed to load token bucket script: %w", err)
		}
		reply, err = t.client.EvalSha(ctx, tokenBucketScript.Hash(), keys, args...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to run token bucket script for key %v: %w", r.Key, err)
	}

	return parseBucketReply(r, reply)
}

// Peek returns the tokens the bucket would hold at r.Now without consuming any
// or touching the key. An absent bucket is full.
func (t *tokenBucketLimiter) Peek(ctx context.Context, r *admission.BucketRequest) (*admission.BucketResult, error) {
	if err := checkBucketRequest(r); err != nil {
		return nil, err
	}

	values, err := t.client.HMGet(ctx, r.Key, "tokens", "lastUpdated").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read token bucket for key %v: %w", r.Key, err)
	}

	now := float64(r.Now.UnixMilli()) / 1000
	tokens, last := r.BurstSize, now
	if raw, ok := values[0].(string); ok {
		if tokens, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("failed to parse token count for key %v: %w", r.Key, err)
		}
	}
	if raw, ok := values[1].(string); ok {
		if last, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("failed to parse last update for key %v: %w", r.Key, err)
		}
	}

	tokens = refill(tokens, max(0, now-last), r)

	state := admission.Deny
	if tokens >= r.Cost {
		state = admission.Allow
	}
	return &admission.BucketResult{State: state, RemainingTokens: tokens}, nil
}

// refill mirrors the arithmetic of tokenBucketSource.
func refill(tokens, elapsedSeconds float64, r *admission.BucketRequest) float64 {
	return math.Max(0, math.Min(r.BurstSize, tokens+(elapsedSeconds/r.Interval.Seconds())*r.TokensPerInterval))
}

func checkBucketRequest(r *admission.BucketRequest) error {
	if r.Interval <= 0 || r.BurstSize <= 0 || r.TokensPerInterval <= 0 {
		return fmt.Errorf("invalid bucket parameters for key %v", r.Key)
	}
	return nil
}

func parseBucketReply(r *admission.BucketRequest, reply any) (*admission.BucketResult, error) {
	values, ok := reply.([]any)
	if !ok || len(values) != 2 {
		return nil, fmt.Errorf("unexpected token bucket reply for key %v: %v", r.Key, reply)
	}

	allowed, ok := values[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected token bucket state for key %v: %v", r.Key, values[0])
	}

	raw, ok := values[1].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected token count for key %v: %v", r.Key, values[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token count for key %v: %w", r.Key, err)
	}

	state := admission.Deny
	if allowed == 1 {
		state = admission.Allow
	}

	return &admission.BucketResult{
		State:           state,
		RemainingTokens: math.Min(math.Max(tokens, 0), r.BurstSize),
	}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
