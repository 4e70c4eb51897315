package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricesentry_pipeline_requests_total",
		Help: "Total number of requests evaluated by the admission pipeline",
	})
	pipelineDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricesentry_pipeline_denied_total",
		Help: "Requests denied by the admission pipeline, by verdict code",
	}, []string{"code"})
	wafViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricesentry_waf_violations_total",
		Help: "WAF rule matches, by severity",
	}, []string{"severity"})
	blockedIPsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pricesentry_blocked_ips",
		Help: "Number of currently active IP blocks",
	})
	emergencyModeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pricesentry_emergency_mode",
		Help: "1 while system-wide emergency mode is active",
	})
	breakerStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pricesentry_breaker_state",
		Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
	}, []string{"dependency"})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		pipelineRequestsTotal,
		pipelineDeniedTotal,
		wafViolationsTotal,
		blockedIPsGauge,
		emergencyModeGauge,
		breakerStateGauge,
	)
}

// IncPipelineRequest increments the evaluated requests counter.
func IncPipelineRequest() { pipelineRequestsTotal.Inc() }

// IncDenied increments the denied counter for a verdict code.
func IncDenied(code string) { pipelineDeniedTotal.WithLabelValues(code).Inc() }

// IncWAFViolation increments the rule-match counter for a severity.
func IncWAFViolation(severity string) { wafViolationsTotal.WithLabelValues(severity).Inc() }

// SetBlockedIPs records the active block count observed by the monitor loop.
func SetBlockedIPs(n float64) { blockedIPsGauge.Set(n) }

// SetEmergencyMode records whether emergency mode is active.
func SetEmergencyMode(on bool) {
	if on {
		emergencyModeGauge.Set(1)
	} else {
		emergencyModeGauge.Set(0)
	}
}

// SetBreakerState records a breaker state transition.
func SetBreakerState(dependency string, state float64) {
	breakerStateGauge.WithLabelValues(dependency).Set(state)
}
