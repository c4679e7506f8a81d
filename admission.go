package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/aryangodara/admission/observe"
)

// FailurePolicy decides what a Gate does when the backing store fails.
type FailurePolicy int

const (
	// FailClosed denies the action with a store_unavailable error.
	FailClosed FailurePolicy = iota
	// FailOpen admits the action and logs the store failure.
	FailOpen
)

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "fail_open"
	}
	return "fail_closed"
}

// Gate is one call site's admission check against a single provider.
//
// Each call site picks its own FailurePolicy. Security-sensitive gates keep the
// FailClosed default so a store outage never grants unlimited access.
type Gate struct {
	limiter  *RateLimiter
	provider string
	policy   FailurePolicy
	cost     float64
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithFailurePolicy sets the gate's behavior on store errors.
func WithFailurePolicy(p FailurePolicy) GateOption {
	return func(g *Gate) {
		g.policy = p
	}
}

// WithGateCost sets the tokens each admitted action consumes.
func WithGateCost(cost float64) GateOption {
	return func(g *Gate) {
		g.cost = cost
	}
}

// NewGate creates a Gate for provider on top of l.
func NewGate(l *RateLimiter, provider string, opts ...GateOption) (*Gate, error) {
	if l == nil {
		return nil, NewError(KindInvalidConfig, "gate requires a rate limiter")
	}
	if err := validateName("provider", provider); err != nil {
		return nil, NewError(KindInvalidConfig, err.Error())
	}

	g := &Gate{
		limiter:  l,
		provider: provider,
		cost:     1,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.cost <= 0 || math.IsNaN(g.cost) || math.IsInf(g.cost, 0) {
		return nil, NewError(KindInvalidConfig, fmt.Sprintf("gate %s: cost must be a positive number", provider))
	}
	return g, nil
}

// Provider returns the provider the gate checks.
func (g *Gate) Provider() string {
	return g.provider
}

// Admit checks one action of tenant. headers, when not nil, are scored for
// automation. A denied action returns the check result together with a
// rate_limit_exceeded error carrying the retry hint.
func (g *Gate) Admit(ctx context.Context, tenant string, headers http.Header) (*CheckResult, error) {
	opts := []CheckOption{WithCost(g.cost), WithTenant(tenant)}
	if headers != nil {
		opts = append(opts, WithHeaders(headers))
	}

	res, err := g.limiter.CheckLimit(ctx, g.provider, opts...)
	if err != nil {
		if KindOf(err) == KindValidation {
			return nil, err
		}

		if g.policy == FailOpen {
			g.limiter.log(ctx, slog.LevelWarn, "admission store failed, admitting",
				slog.String("provider", g.provider),
				slog.String("policy", g.policy.String()),
				observe.Error(err))
			return &CheckResult{Allowed: true, RemainingTokens: math.Inf(1)}, nil
		}

		g.limiter.log(ctx, slog.LevelError, "admission store failed, denying",
			slog.String("provider", g.provider),
			slog.String("policy", g.policy.String()),
			observe.Error(err))
		return nil, StoreUnavailableError(err)
	}

	if !res.Allowed {
		return res, RateLimitError(retryHint(res, g.limiter.now()))
	}
	return res, nil
}
