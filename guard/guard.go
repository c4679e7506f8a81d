// Package guard scores user submissions for abuse and decides whether they
// may be published.
//
// Explicit risk flags and free-text content are scored independently. Critical
// flags are always rejected. High scores are accepted only when the submission
// asks for an override and the caller holds an authorized role. The
// programmatic checks have no caller role and never honor an override.
package guard

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/aryangodara/admission"
	"github.com/aryangodara/admission/observe"
)

// DefaultOverrideRole is the role allowed to override high-risk scores when
// no roles are configured.
const DefaultOverrideRole = "admin"

// RoleFunc returns the authenticated role of the caller of r, or "".
type RoleFunc func(r *http.Request) string

// ErrorHandler writes a rejection. err is always an *admission.Error.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

type roleKey struct{}
type payloadKey struct{}

// WithRole returns a context carrying the caller's authenticated role. The
// default RoleFunc reads it back.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFromContext returns the role stored by WithRole.
func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}

// PayloadFromContext returns the payload admitted by Middleware.
func PayloadFromContext(ctx context.Context) (*Payload, bool) {
	p, ok := ctx.Value(payloadKey{}).(*Payload)
	return p, ok
}

// Decision is the full outcome of a guard evaluation.
type Decision struct {
	Allowed    bool           `json:"allowed"`
	Overridden bool           `json:"overridden"`
	RiskScore  int            `json:"riskScore"`
	Flags      RiskAssessment `json:"flags"`
	Content    ContentRisk    `json:"content"`
	// Err is set when Allowed is false.
	Err *admission.Error `json:"-"`
}

// Guard evaluates submissions.
type Guard struct {
	logger       *slog.Logger
	metrics      observe.Metrics
	reporter     *observe.Reporter
	roles        []string
	roleFunc     RoleFunc
	errorHandler ErrorHandler
	maxBodyBytes int64
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the audit logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the metric sink.
func WithMetrics(m observe.Metrics) Option {
	return func(g *Guard) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithAuthorizedRoles replaces the roles allowed to override high-risk scores.
func WithAuthorizedRoles(roles ...string) Option {
	return func(g *Guard) {
		g.roles = slices.Clone(roles)
	}
}

// WithRoleFunc sets how Middleware finds the caller's role.
func WithRoleFunc(fn RoleFunc) Option {
	return func(g *Guard) {
		if fn != nil {
			g.roleFunc = fn
		}
	}
}

// WithErrorHandler sets how Middleware writes rejections.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(g *Guard) {
		if fn != nil {
			g.errorHandler = fn
		}
	}
}

// WithMaxBodyBytes limits the request bodies Middleware accepts.
func WithMaxBodyBytes(n int64) Option {
	return func(g *Guard) {
		if n > 0 {
			g.maxBodyBytes = n
		}
	}
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	g := &Guard{
		logger:       observe.DiscardLogger(),
		metrics:      observe.Nop{},
		roles:        []string{DefaultOverrideRole},
		roleFunc:     func(r *http.Request) string { return RoleFromContext(r.Context()) },
		errorHandler: func(w http.ResponseWriter, _ *http.Request, err error) { admission.WriteError(w, err) },
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.reporter = observe.NewReporter(g.logger)
	return g
}

// Middleware decodes the request body as a Payload and rejects it when the
// evaluation fails. Admitted requests reach next with the body restored and
// the payload available through PayloadFromContext.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, g.maxBodyBytes+1))
		if err != nil {
			g.reject(w, r, admission.ValidationError("failed to read request body"))
			return
		}
		_ = r.Body.Close()

		p, err := DecodePayload(bytes.NewReader(data), g.maxBodyBytes)
		if err != nil {
			g.reject(w, r, err)
			return
		}

		d := g.evaluate(p, p.RiskOverride && g.authorized(g.roleFunc(r)))
		g.audit(r.Context(), p, d)
		if !d.Allowed {
			g.reject(w, r, d.Err)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(data))
		r.ContentLength = int64(len(data))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), payloadKey{}, p)))
	})
}

// CheckAbuse reports whether p may be published. RiskOverride is ignored.
func (g *Guard) CheckAbuse(ctx context.Context, p Payload) bool {
	return g.CheckAbuseDetailed(ctx, p).Allowed
}

// CheckAbuseDetailed evaluates p and returns the full decision. RiskOverride
// is ignored.
func (g *Guard) CheckAbuseDetailed(ctx context.Context, p Payload) Decision {
	if err := p.validate(); err != nil {
		g.rejected(err)
		return Decision{Err: err}
	}
	d := g.evaluate(&p, false)
	g.audit(ctx, &p, d)
	if !d.Allowed {
		g.rejected(d.Err)
	}
	return d
}

func (g *Guard) evaluate(p *Payload, override bool) Decision {
	d := Decision{
		Flags:   AssessRiskFlags(p.RiskFlags),
		Content: CheckContentRisk(p.Content),
	}
	d.RiskScore = max(d.Flags.MaxRisk, d.Content.Score)

	switch {
	case d.Flags.HasCritical():
		d.Err = admission.ProhibitedContentError(d.Flags.CriticalFlags)
		return d
	case d.Flags.MaxRisk >= HighRisk:
		if !override {
			d.Err = admission.HighRiskContentError(d.Flags.HighRiskFlags, d.Flags.MaxRisk)
			return d
		}
		d.Overridden = true
	}

	if d.Content.Score >= HighRisk {
		if !override {
			d.Err = admission.ContentFlaggedError(d.Content.Flags, d.Content.Score)
			return d
		}
		d.Overridden = true
	}

	d.Allowed = true
	return d
}

func (g *Guard) authorized(role string) bool {
	return role != "" && slices.Contains(g.roles, role)
}

// audit logs scored submissions. Raw content is never logged.
func (g *Guard) audit(ctx context.Context, p *Payload, d Decision) {
	if d.Flags.MaxRisk == 0 && d.Content.Score == 0 {
		return
	}

	level := slog.LevelInfo
	msg := "content risk assessed"
	if !d.Allowed {
		level = slog.LevelWarn
		msg = "content rejected"
	}

	g.reporter.Log(ctx, g.logger, level, msg,
		slog.Int("riskScore", d.RiskScore),
		slog.Any("flags", p.RiskFlags),
		slog.Any("contentFlags", d.Content.Flags),
		slog.String("userId", p.UserID),
		slog.String("ip", p.IP))
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, err error) {
	g.rejected(err)
	g.errorHandler(w, r, err)
}

func (g *Guard) rejected(err error) {
	kind := string(admission.KindOf(err))
	g.reporter.Safe("metrics", func() { g.metrics.GuardRejected(kind) })
}
