package rate_limiting_strategies

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aryangodara/admission"
)

var (
	_ admission.StateStore = &fixedWindowStore{}
)

const (
	keyDNE      = -2
	keyNoExpire = -1

	scanBatchSize = 500
)

type fixedWindowStore struct {
	client redis.UniversalClient
}

// NewFixedWindowStore creates the redis store for failure counters and
// cooldown flags. Counters are fixed windows: the expiry is set when a counter
// is created and later increments do not extend it.
func NewFixedWindowStore(client redis.UniversalClient) admission.StateStore {
	return &fixedWindowStore{
		client: client,
	}
}

// Incr increments the counter and starts its window if it has none.
func (f *fixedWindowStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	// Redis pipeline to optimize network round trips.
	pipe := f.client.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("error executing Redis pipeline for key %v: %w", key, err)
	}

	count, err := incrCmd.Result()
	if err != nil {
		return 0, fmt.Errorf("error incrementing key %v: %w", key, err)
	}

	if duration, err := ttlCmd.Result(); err != nil || duration == keyDNE || duration == keyNoExpire {
		if err := f.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("error setting expiration for key %v: %w", key, err)
		}
	}

	return count, nil
}

// Count returns the counter value, 0 when the counter does not exist.
func (f *fixedWindowStore) Count(ctx context.Context, key string) (int64, error) {
	count, err := f.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("error reading key %v: %w", key, err)
	}
	return count, nil
}

// Trip sets the flag for ttl and clears the counter in one transaction.
func (f *fixedWindowStore) Trip(ctx context.Context, counterKey, flagKey string, ttl time.Duration) error {
	_, err := f.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, flagKey, 1, ttl)
		p.Del(ctx, counterKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("error setting flag %v: %w", flagKey, err)
	}
	return nil
}

// TTL returns the remaining lifetime of key, 0 when it does not exist or never expires.
func (f *fixedWindowStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	duration, err := f.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("error reading ttl of key %v: %w", key, err)
	}
	if duration < 0 {
		return 0, nil
	}
	return duration, nil
}

// Delete removes keys.
func (f *fixedWindowStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := f.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("error deleting keys %v: %w", keys, err)
	}
	return nil
}

// DeletePrefix scans for keys starting with prefix and deletes them in batches.
func (f *fixedWindowStore) DeletePrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := f.client.Scan(ctx, cursor, prefix+"*", scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("error scanning prefix %v: %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := f.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("error deleting keys under prefix %v: %w", prefix, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
