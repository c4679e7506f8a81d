package admission

import (
	"fmt"
	"regexp"
	"time"
)

// Defaults merged onto every registered provider.
const (
	DefaultMaxRetries       = 3
	DefaultRetryDelay       = time.Second
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// Retry bounds of ExecuteWithLimit.
const (
	MaxRetriesLimit = 32
	MaxBackoff      = 5 * time.Minute
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// RateLimitConfig configures the token bucket and breaker of one provider.
//
// Zero values take the documented defaults when the config is registered. A
// negative MaxRetries disables retries in ExecuteWithLimit.
type RateLimitConfig struct {
	TokensPerInterval float64       `json:"tokensPerInterval"`
	Interval          time.Duration `json:"interval"`
	BurstSize         float64       `json:"burstSize"`
	MaxRetries        int           `json:"maxRetries"`
	RetryDelay        time.Duration `json:"retryDelay"`
	FailureThreshold  int           `json:"failureThreshold"`
	Cooldown          time.Duration `json:"cooldown"`
}

// withDefaults returns a copy of c with unset fields filled in.
func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.BurstSize <= 0 {
		c.BurstSize = c.TokensPerInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// retries returns the number of retries ExecuteWithLimit may make.
func (c RateLimitConfig) retries() int {
	return min(max(c.MaxRetries, 0), MaxRetriesLimit)
}

func (c RateLimitConfig) validate() error {
	if c.TokensPerInterval <= 0 {
		return fmt.Errorf("tokens per interval must be positive, got %v", c.TokensPerInterval)
	}
	if c.Interval < time.Second {
		return fmt.Errorf("interval must be at least one second, got %s", c.Interval)
	}
	if c.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("max retries must be at most %d, got %d", MaxRetriesLimit, c.MaxRetries)
	}
	return nil
}

func validateName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%s name %q must match %s", kind, name, namePattern)
	}
	return nil
}
