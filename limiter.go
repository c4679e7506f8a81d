package admission

import (
	"context"
	"time"
)

// BucketRequest describes one refill-and-consume step against a token bucket.
type BucketRequest struct {
	Key               string
	TokensPerInterval float64
	Interval          time.Duration
	BurstSize         float64
	Cost              float64
	Now               time.Time
}

// State represents the result of rate limiting.
type State int64

const (
	Deny State = iota
	Allow
)

// State strings for HTTP headers
var stateStrings = map[State]string{
	Allow: "Allow",
	Deny:  "Deny",
}

// String returns the header representation of the state.
func (s State) String() string {
	return stateStrings[s]
}

// BucketResult is the outcome of a refill-and-consume step.
type BucketResult struct {
	State           State
	RemainingTokens float64
}

// Bucket executes the refill-and-consume step. Implementations must perform the
// whole read-refill-consume-write sequence as one atomic operation against the
// shared store.
type Bucket interface {
	Consume(ctx context.Context, r *BucketRequest) (*BucketResult, error)
	// Peek reports the refilled tokens at r.Now without writing to the store.
	Peek(ctx context.Context, r *BucketRequest) (*BucketResult, error)
}

// StateStore holds the per-provider failure counters and cooldown flags that
// are shared by every process instance.
type StateStore interface {
	// Incr increments the counter at key. The window expiry is applied when
	// the counter is created and is not extended by later increments.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// Count returns the counter at key, or 0 when it does not exist.
	Count(ctx context.Context, key string) (int64, error)
	// Trip sets the flag at flagKey for ttl and deletes counterKey.
	Trip(ctx context.Context, counterKey, flagKey string, ttl time.Duration) error
	// TTL returns the remaining lifetime of key, or 0 when it does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Delete removes keys.
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// ConfigStore shares provider registrations between process instances.
type ConfigStore interface {
	SaveConfig(ctx context.Context, provider string, cfg RateLimitConfig) error
	// LoadConfig reports false when the provider has never been registered.
	LoadConfig(ctx context.Context, provider string) (RateLimitConfig, bool, error)
}
