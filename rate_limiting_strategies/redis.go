package rate_limiting_strategies

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrEmptyConnectionURL   = errors.New("empty redis connection URL")
	ErrInvalidConnectionURL = errors.New("failed to parse redis connection URL")
	ErrRedisNotReady        = errors.New("redis did not become ready within the given attempts")
)

// ConnectOptions controls how Connect waits for redis.
type ConnectOptions struct {
	Attempts int
	Interval time.Duration
}

// Connect parses a redis:// or rediss:// URL, creates a client and pings it
// until it answers or the attempts run out.
func Connect(ctx context.Context, url string, opts ConnectOptions) (*redis.Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrEmptyConnectionURL
	}

	options, err := redis.ParseURL(url)
	if err != nil {
		// The URL may carry credentials, keep it out of the error.
		return nil, ErrInvalidConnectionURL
	}

	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	client := redis.NewClient(options)

	var lastErr error
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}

		if attempt == opts.Attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, fmt.Errorf("%w: %w", ErrRedisNotReady, ctx.Err())
		case <-time.After(opts.Interval * time.Duration(1<<attempt)):
		}
	}

	_ = client.Close()
	return nil, fmt.Errorf("%w: %w", ErrRedisNotReady, lastErr)
}
