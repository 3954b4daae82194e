package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total enqueued jobs"})
	QuotaRejects       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_quota_rejects_total", Help: "Enqueues rejected by the tenant quota gate"})
	WebhookReceived    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhooks_received_total", Help: "Inbound webhook deliveries"}, []string{"provider"})
	WebhookDuplicate   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhooks_duplicate_total", Help: "Webhook deliveries dropped as duplicates"}, []string{"provider"})
	WebhookUnmatched   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhooks_unmatched_total", Help: "Webhook deliveries with no matching job yet"}, []string{"provider"})
	WebhookRejected    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhooks_rejected_total", Help: "Webhook deliveries rejected before persistence"}, []string{"provider", "reason"})
	TransitionsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_transitions_total", Help: "Applied job status transitions"}, []string{"to"})
	TerminalNoops      = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_terminal_noops_total", Help: "Transition attempts against already-terminal jobs"})
	CallbackSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "callbacks_delivered_total", Help: "Callback notifications delivered"})
	CallbackFailure    = prometheus.NewCounter(prometheus.CounterOpts{Name: "callbacks_failed_total", Help: "Callback notifications that failed"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready queue depth across tenants"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			QuotaRejects,
			WebhookReceived,
			WebhookDuplicate,
			WebhookUnmatched,
			WebhookRejected,
			TransitionsApplied,
			TerminalNoops,
			CallbackSuccess,
			CallbackFailure,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
