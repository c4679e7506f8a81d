package rate_limiting_strategies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/aryangodara/admission"
)

var (
	_ admission.ConfigStore = &configStore{}
)

type configStore struct {
	client redis.UniversalClient
	keys   admission.KeyBuilder
}

// NewConfigStore creates a redis store for provider registrations. Records are
// JSON documents without expiry, keyed by the builder's Config key.
func NewConfigStore(client redis.UniversalClient, keys admission.KeyBuilder) admission.ConfigStore {
	return &configStore{
		client: client,
		keys:   keys,
	}
}

// SaveConfig replaces the provider's record.
func (c *configStore) SaveConfig(ctx context.Context, provider string, cfg admission.RateLimitConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config for provider %v: %w", provider, err)
	}
	if err := c.client.Set(ctx, c.keys.Config(provider), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store config for provider %v: %w", provider, err)
	}
	return nil
}

// LoadConfig reads the provider's record.
func (c *configStore) LoadConfig(ctx context.Context, provider string) (admission.RateLimitConfig, bool, error) {
	var cfg admission.RateLimitConfig

	data, err := c.client.Get(ctx, c.keys.Config(provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, fmt.Errorf("failed to read config for provider %v: %w", provider, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, false, fmt.Errorf("failed to decode config for provider %v: %w", provider, err)
	}
	return cfg, true, nil
}
