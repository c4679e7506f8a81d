package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/aryangodara/admission/botdetect"
	"github.com/aryangodara/admission/observe"
)

// Config cache defaults.
const (
	DefaultConfigCacheSize = 1000
	DefaultConfigCacheTTL  = 5 * time.Minute
)

// CheckResult is the outcome of CheckLimit.
type CheckResult struct {
	Allowed         bool
	RemainingTokens float64
	ResetTime       time.Time
	// RetryAfter is set only while the provider is cooling down.
	RetryAfter   time.Duration
	BotDetection *botdetect.Result
}

// Status is a read-only view of a provider's limiter state.
type Status struct {
	Provider          string
	Registered        bool
	Config            RateLimitConfig
	Failures          int64
	CooldownRemaining time.Duration
	RemainingTokens   float64
}

// RateLimiter admits or rejects actions per provider using a shared token
// bucket and a failure-driven cooldown breaker. It holds no quota state of its
// own: every counter lives in the injected stores.
type RateLimiter struct {
	bucket  Bucket
	state   StateStore
	configs ConfigStore

	cache     *expirable.LRU[string, RateLimitConfig]
	cacheSize int
	cacheTTL  time.Duration
	loads     singleflight.Group

	keys     KeyBuilder
	logger   *slog.Logger
	metrics  observe.Metrics
	reporter *observe.Reporter
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithConfigStore shares provider registrations through store. Without it,
// registrations are local to the process and never expire from the cache.
func WithConfigStore(store ConfigStore) Option {
	return func(l *RateLimiter) {
		l.configs = store
	}
}

// WithConfigCache sets the capacity and lifetime of the provider config cache.
func WithConfigCache(size int, ttl time.Duration) Option {
	return func(l *RateLimiter) {
		if size > 0 {
			l.cacheSize = size
		}
		if ttl > 0 {
			l.cacheTTL = ttl
		}
	}
}

// WithKeyPrefix namespaces every key the limiter writes.
func WithKeyPrefix(prefix string) Option {
	return func(l *RateLimiter) {
		l.keys = NewKeyBuilder(prefix)
	}
}

// WithLogger sets the logger for internal operations.
func WithLogger(logger *slog.Logger) Option {
	return func(l *RateLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metric sink.
func WithMetrics(m observe.Metrics) Option {
	return func(l *RateLimiter) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(l *RateLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSleep overrides how ExecuteWithLimit waits between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *RateLimiter) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// NewRateLimiter creates a RateLimiter on top of the given bucket executor and state store.
func NewRateLimiter(bucket Bucket, state StateStore, opts ...Option) (*RateLimiter, error) {
	if bucket == nil {
		return nil, errors.New("bucket executor is required")
	}
	if state == nil {
		return nil, errors.New("state store is required")
	}

	l := &RateLimiter{
		bucket:    bucket,
		state:     state,
		cacheSize: DefaultConfigCacheSize,
		cacheTTL:  DefaultConfigCacheTTL,
		keys:      NewKeyBuilder(DefaultKeyPrefix),
		logger:    observe.DiscardLogger(),
		metrics:   observe.Nop{},
		now:       time.Now,
		sleep:     sleepContext,
	}

	for _, opt := range opts {
		opt(l)
	}

	ttl := l.cacheTTL
	if l.configs == nil {
		// The cache is the only copy of a local registration.
		ttl = 0
	}
	l.cache = expirable.NewLRU[string, RateLimitConfig](l.cacheSize, nil, ttl)
	l.reporter = observe.NewReporter(l.logger)

	return l, nil
}

// RegisterProvider merges cfg onto the defaults and registers it under name,
// replacing any previous registration.
func (l *RateLimiter) RegisterProvider(ctx context.Context, name string, cfg RateLimitConfig) error {
	if err := validateName("provider", name); err != nil {
		return NewError(KindInvalidConfig, err.Error())
	}
	if err := cfg.validate(); err != nil {
		return NewError(KindInvalidConfig, fmt.Sprintf("provider %s: %v", name, err))
	}

	merged := cfg.withDefaults()

	if l.configs != nil {
		if err := l.configs.SaveConfig(ctx, name, merged); err != nil {
			return fmt.Errorf("failed to save config for provider %s: %w", name, err)
		}
	}
	l.cache.Add(name, merged)

	l.log(ctx, slog.LevelInfo, "rate limit provider registered",
		slog.String("provider", name),
		slog.Float64("tokens_per_interval", merged.TokensPerInterval),
		slog.Duration("interval", merged.Interval),
		slog.Float64("burst_size", merged.BurstSize))

	return nil
}

type checkOptions struct {
	cost    float64
	tenant  string
	headers http.Header
}

// CheckOption configures a single CheckLimit call.
type CheckOption func(*checkOptions)

// WithCost sets the number of tokens the action consumes. Defaults to 1.
func WithCost(cost float64) CheckOption {
	return func(o *checkOptions) {
		o.cost = cost
	}
}

// WithTenant scopes the bucket to a tenant, so one tenant cannot exhaust another's quota.
func WithTenant(tenant string) CheckOption {
	return func(o *checkOptions) {
		o.tenant = tenant
	}
}

// WithHeaders runs bot detection on h. Requests classified as automated pay double cost.
func WithHeaders(h http.Header) CheckOption {
	return func(o *checkOptions) {
		o.headers = h
	}
}

func parseCheckOptions(opts []CheckOption) (checkOptions, error) {
	o := checkOptions{cost: 1}
	for _, opt := range opts {
		opt(&o)
	}

	if o.tenant != "" {
		if err := validateName("tenant", o.tenant); err != nil {
			return o, ValidationError("tenant identifier is malformed")
		}
	}
	if o.cost <= 0 || math.IsNaN(o.cost) || math.IsInf(o.cost, 0) {
		return o, ValidationError("cost must be a positive number")
	}
	return o, nil
}

// invalidProviderLabel replaces provider names that can never be registered in
// metric labels.
const invalidProviderLabel = "*"

// CheckLimit decides whether an action against provider may proceed.
//
// Providers without a registered config are unmetered: the check always
// allows and reports infinite remaining tokens, also when the config lookup
// itself fails or the name could never be registered. Store errors on the
// cooldown or bucket step are returned to the caller, which owns the fail-open
// or fail-closed decision.
func (l *RateLimiter) CheckLimit(ctx context.Context, provider string, opts ...CheckOption) (*CheckResult, error) {
	o, err := parseCheckOptions(opts)
	if err != nil {
		return nil, err
	}

	cfg, ok := l.lookupConfig(ctx, provider)
	if !ok {
		label := provider
		if validateName("provider", provider) != nil {
			label = invalidProviderLabel
		}
		l.emit(func(m observe.Metrics) { m.Admission(label, observe.OutcomeUnmetered) })
		return &CheckResult{Allowed: true, RemainingTokens: math.Inf(1)}, nil
	}

	now := l.now()
	res := &CheckResult{}
	cost := o.cost

	if o.headers != nil {
		detection := botdetect.Detect(o.headers)
		res.BotDetection = &detection
		if detection.IsBot {
			cost *= 2
			l.emit(func(m observe.Metrics) { m.BotFlagged(provider) })
			l.log(ctx, slog.LevelDebug, "automated client detected",
				slog.String("provider", provider),
				slog.Int("confidence", detection.Confidence),
				slog.Any("indicators", detection.Indicators))
		}
	}

	cooldown, err := l.state.TTL(ctx, l.keys.Cooldown(provider))
	if err != nil {
		l.emit(func(m observe.Metrics) { m.Admission(provider, observe.OutcomeStoreError) })
		return nil, fmt.Errorf("failed to read cooldown for provider %s: %w", provider, err)
	}
	if cooldown > 0 {
		res.Allowed = false
		res.RetryAfter = cooldown
		res.ResetTime = now.Add(cooldown)
		l.emit(func(m observe.Metrics) { m.Admission(provider, observe.OutcomeCooldown) })
		return res, nil
	}

	bucket, err := l.bucket.Consume(ctx, &BucketRequest{
		Key:               l.keys.Bucket(provider, o.tenant),
		TokensPerInterval: cfg.TokensPerInterval,
		Interval:          cfg.Interval,
		BurstSize:         cfg.BurstSize,
		Cost:              cost,
		Now:               now,
	})
	if err != nil {
		l.emit(func(m observe.Metrics) { m.Admission(provider, observe.OutcomeStoreError) })
		return nil, fmt.Errorf("failed to consume tokens for provider %s: %w", provider, err)
	}

	res.Allowed = bucket.State == Allow
	res.RemainingTokens = bucket.RemainingTokens
	res.ResetTime = now.Add(cfg.Interval)

	outcome := observe.OutcomeAllowed
	if !res.Allowed {
		outcome = observe.OutcomeDenied
	}
	l.emit(func(m observe.Metrics) { m.Admission(provider, outcome) })

	return res, nil
}

// RecordFailure counts a failed action. Once the count reaches the provider's
// failure threshold, the provider cools down for its cooldown period and the
// count starts over.
func (l *RateLimiter) RecordFailure(ctx context.Context, provider string) error {
	if err := validateName("provider", provider); err != nil {
		return ValidationError(err.Error())
	}
	cfg, ok := l.lookupConfig(ctx, provider)
	if !ok {
		return nil
	}

	failuresKey := l.keys.Failures(provider)
	failures, err := l.state.Incr(ctx, failuresKey, 2*cfg.Interval)
	if err != nil {
		return fmt.Errorf("failed to record failure for provider %s: %w", provider, err)
	}

	if failures < int64(cfg.FailureThreshold) {
		return nil
	}

	if err := l.state.Trip(ctx, failuresKey, l.keys.Cooldown(provider), cfg.Cooldown); err != nil {
		return fmt.Errorf("failed to open cooldown for provider %s: %w", provider, err)
	}

	l.emit(func(m observe.Metrics) { m.BreakerTripped(provider) })
	l.log(ctx, slog.LevelWarn, "provider entered cooldown",
		slog.String("provider", provider),
		slog.Int64("failures", failures),
		slog.Duration("cooldown", cfg.Cooldown))

	return nil
}

// RecordSuccess clears the provider's failure history.
func (l *RateLimiter) RecordSuccess(ctx context.Context, provider string) error {
	if err := validateName("provider", provider); err != nil {
		return ValidationError(err.Error())
	}
	if err := l.state.Delete(ctx, l.keys.Failures(provider)); err != nil {
		return fmt.Errorf("failed to clear failures for provider %s: %w", provider, err)
	}
	return nil
}

// GetStatus reports the provider's registration, breaker state and, for the
// tenant given with WithTenant, the tokens currently available. The tokens are
// computed from the stored bucket without writing it, so polling neither
// creates a bucket nor keeps an idle one alive.
func (l *RateLimiter) GetStatus(ctx context.Context, provider string, opts ...CheckOption) (*Status, error) {
	o, err := parseCheckOptions(opts)
	if err != nil {
		return nil, err
	}

	cfg, ok := l.lookupConfig(ctx, provider)
	if !ok {
		return &Status{Provider: provider, RemainingTokens: math.Inf(1)}, nil
	}

	st := &Status{Provider: provider, Registered: true, Config: cfg}

	if st.Failures, err = l.state.Count(ctx, l.keys.Failures(provider)); err != nil {
		return nil, fmt.Errorf("failed to read failures for provider %s: %w", provider, err)
	}
	if st.CooldownRemaining, err = l.state.TTL(ctx, l.keys.Cooldown(provider)); err != nil {
		return nil, fmt.Errorf("failed to read cooldown for provider %s: %w", provider, err)
	}

	bucket, err := l.bucket.Peek(ctx, &BucketRequest{
		Key:               l.keys.Bucket(provider, o.tenant),
		TokensPerInterval: cfg.TokensPerInterval,
		Interval:          cfg.Interval,
		BurstSize:         cfg.BurstSize,
		Now:               l.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tokens for provider %s: %w", provider, err)
	}
	st.RemainingTokens = bucket.RemainingTokens

	return st, nil
}

// Reset clears every piece of state held for provider: failures, cooldown and
// the buckets of all tenants. The registration itself is kept.
func (l *RateLimiter) Reset(ctx context.Context, provider string) error {
	if err := validateName("provider", provider); err != nil {
		return ValidationError(err.Error())
	}
	if err := l.state.Delete(ctx, l.keys.Failures(provider), l.keys.Cooldown(provider)); err != nil {
		return fmt.Errorf("failed to reset breaker for provider %s: %w", provider, err)
	}
	if err := l.state.DeletePrefix(ctx, l.keys.BucketPrefix(provider)); err != nil {
		return fmt.Errorf("failed to reset buckets for provider %s: %w", provider, err)
	}

	l.log(ctx, slog.LevelInfo, "rate limit provider reset", slog.String("provider", provider))
	return nil
}

// ExecuteWithLimit runs action once admitted by the limiter, retrying on
// cooldown waits and on retryable action errors with exponential backoff.
//
// The total wait is unbounded. Callers needing
// a latency bound should pass a ctx with a deadline, which every sleep honors.
func ExecuteWithLimit[T any](ctx context.Context, l *RateLimiter, provider string, action func(context.Context) (T, error), opts ...CheckOption) (T, error) {
	var zero T

	maxRetries, retryDelay := DefaultMaxRetries, DefaultRetryDelay
	cfg, registered := l.lookupConfig(ctx, provider)
	if registered {
		maxRetries, retryDelay = cfg.retries(), cfg.RetryDelay
	}

	for attempt := 0; ; attempt++ {
		res, err := l.CheckLimit(ctx, provider, opts...)
		if err != nil {
			return zero, err
		}

		if !res.Allowed {
			if res.RetryAfter > 0 && attempt < maxRetries {
				if err := l.sleep(ctx, res.RetryAfter); err != nil {
					return zero, err
				}
				continue
			}
			return zero, RateLimitError(retryHint(res, l.now()))
		}

		v, err := action(ctx)
		if err == nil {
			if !registered {
				return v, nil
			}
			if serr := l.RecordSuccess(ctx, provider); serr != nil {
				l.log(ctx, slog.LevelWarn, "failed to record success",
					slog.String("provider", provider), observe.Error(serr))
			}
			return v, nil
		}

		if registered {
			if ferr := l.RecordFailure(ctx, provider); ferr != nil {
				l.log(ctx, slog.LevelWarn, "failed to record failure",
					slog.String("provider", provider), observe.Error(ferr))
			}
		}

		if !IsRetryable(err) || attempt >= maxRetries {
			return zero, err
		}

		delay := backoff(retryDelay, attempt)
		l.log(ctx, slog.LevelDebug, "retrying action",
			slog.String("provider", provider),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay))
		if err := l.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func retryHint(res *CheckResult, now time.Time) time.Duration {
	if res.RetryAfter > 0 {
		return res.RetryAfter
	}
	if d := res.ResetTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// lookupConfig returns the provider's config. Lookup failures are treated as
// "not registered": unregistered providers are unmetered.
func (l *RateLimiter) lookupConfig(ctx context.Context, provider string) (RateLimitConfig, bool) {
	if validateName("provider", provider) != nil {
		return RateLimitConfig{}, false
	}
	if cfg, ok := l.cache.Get(provider); ok {
		return cfg, true
	}
	if l.configs == nil {
		return RateLimitConfig{}, false
	}

	v, err, _ := l.loads.Do(provider, func() (any, error) {
		cfg, found, err := l.configs.LoadConfig(ctx, provider)
		if err != nil || !found {
			return nil, err
		}
		cfg = cfg.withDefaults()
		l.cache.Add(provider, cfg)
		return cfg, nil
	})
	if err != nil {
		l.log(ctx, slog.LevelWarn, "provider config lookup failed, treating provider as unmetered",
			slog.String("provider", provider), observe.Error(err))
		return RateLimitConfig{}, false
	}
	if v == nil {
		return RateLimitConfig{}, false
	}
	return v.(RateLimitConfig), true
}

func (l *RateLimiter) emit(fn func(m observe.Metrics)) {
	l.reporter.Safe("metrics", func() { fn(l.metrics) })
}

func (l *RateLimiter) log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	l.reporter.Log(ctx, l.logger, level, msg, attrs...)
}
