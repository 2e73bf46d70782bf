package resilience

import "github.com/prometheus/client_golang/prometheus"

var (
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "upstream_breaker_state",
		Help: "Breaker position per upstream: 0=closed, 1=open, 2=half-open.",
	}, []string{"target"})
	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_breaker_transition_total",
		Help: "Breaker state changes per upstream.",
	}, []string{"target", "from", "to"})
	breakerOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_breaker_open_total",
		Help: "Times the breaker for an upstream tripped open.",
	}, []string{"target"})
	upstreamAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_attempt_total",
		Help: "Outbound attempts per upstream by outcome.",
	}, []string{"target", "outcome"})
)

func init() {
	prometheus.MustRegister(breakerState, breakerTransitions, breakerOpened, upstreamAttempts)
}
