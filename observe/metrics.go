package observe

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the fire-and-forget metric sink used by the limiter and the guard.
type Metrics interface {
	Admission(provider, outcome string)
	BreakerTripped(provider string)
	BotFlagged(provider string)
	GuardRejected(kind string)
}

// Admission outcomes.
const (
	OutcomeAllowed    = "allowed"
	OutcomeDenied     = "denied"
	OutcomeCooldown   = "cooldown"
	OutcomeUnmetered  = "unmetered"
	OutcomeStoreError = "store_error"
)

// Nop discards every metric.
type Nop struct{}

func (Nop) Admission(string, string) {}
func (Nop) BreakerTripped(string)    {}
func (Nop) BotFlagged(string)        {}
func (Nop) GuardRejected(string)     {}

// Prometheus exports metrics as prometheus counters.
type Prometheus struct {
	admissions *prometheus.CounterVec
	trips      *prometheus.CounterVec
	bots       *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

// NewPrometheus creates the counters and registers them on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_checks_total",
			Help: "Rate limit admission checks by provider and outcome.",
		}, []string{"provider", "outcome"}),
		trips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_breaker_trips_total",
			Help: "Times a provider entered cooldown after repeated failures.",
		}, []string{"provider"}),
		bots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_bot_flagged_total",
			Help: "Requests classified as automated by header heuristics.",
		}, []string{"provider"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_guard_rejections_total",
			Help: "Submissions rejected by the abuse guard by error kind.",
		}, []string{"kind"}),
	}

	for name, c := range map[string]prometheus.Collector{
		"admissions": p.admissions,
		"trips":      p.trips,
		"bots":       p.bots,
		"rejections": p.rejections,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s counter: %w", name, err)
		}
	}

	return p, nil
}

func (p *Prometheus) Admission(provider, outcome string) {
	p.admissions.WithLabelValues(provider, outcome).Inc()
}

func (p *Prometheus) BreakerTripped(provider string) {
	p.trips.WithLabelValues(provider).Inc()
}

func (p *Prometheus) BotFlagged(provider string) {
	p.bots.WithLabelValues(provider).Inc()
}

func (p *Prometheus) GuardRejected(kind string) {
	p.rejections.WithLabelValues(kind).Inc()
}
