package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Authorizations    = prometheus.NewCounter(prometheus.CounterOpts{Name: "escrow_authorizations_total", Help: "Holds placed against the processor"})
	Captures          = prometheus.NewCounter(prometheus.CounterOpts{Name: "escrow_captures_total", Help: "Holds captured after proof passed"})
	Voids             = prometheus.NewCounter(prometheus.CounterOpts{Name: "escrow_voids_total", Help: "Holds released without capture"})
	Refunds           = prometheus.NewCounter(prometheus.CounterOpts{Name: "escrow_refunds_total", Help: "Captured funds returned"})
	ProcessorFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "escrow_processor_failures_total", Help: "Processor calls that failed after retries"})
	GateRejections    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "proof_gate_rejections_total", Help: "Completion attempts rejected, by gate"}, []string{"gate"})
	WebhookApplied    = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_applied_total", Help: "Processor events that advanced a payment"})
	WebhookDuplicate  = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_duplicate_total", Help: "Processor events already applied or behind current state"})
	WebhookUnknown    = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_unknown_total", Help: "Processor events with no matching payment"})
	NotifyFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_publish_failures_total", Help: "Realtime publishes that were dropped"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Requests rejected by the per-caller limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Authorizations,
			Captures,
			Voids,
			Refunds,
			ProcessorFailures,
			GateRejections,
			WebhookApplied,
			WebhookDuplicate,
			WebhookUnknown,
			NotifyFailures,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
