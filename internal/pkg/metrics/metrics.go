package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Webhook deliveries by event type and outcome",
	}, []string{"type", "outcome"})

	DedupHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_dedup_hits_total",
		Help: "Webhook deliveries skipped because the event was already applied",
	})

	OrdersReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_orders_reconciled_total",
		Help: "Order reconciliations by path (marked, existing, inserted, free)",
	}, []string{"path"})

	MembershipTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_membership_transitions_total",
		Help: "Membership writes by resulting status",
	}, []string{"status"})

	StaleSubscriptionEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_stale_subscription_events_total",
		Help: "Subscription snapshots older than the stored state",
	})

	GhostUsersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_ghost_users_created_total",
		Help: "Placeholder accounts created for guest buyers",
	})

	GhostUsersUnclaimed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_ghost_users_unclaimed",
		Help: "Placeholder accounts that have not been claimed yet",
	})

	ProcessorFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_processor_failures_total",
		Help: "Failed outbound calls to the payment processor",
	}, []string{"operation"})

	ProcessorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_processor_latency_seconds",
		Help:    "Latency of outbound calls to the payment processor",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	TaskDispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_task_dispatch_failures_total",
		Help: "Side-effect tasks that could not be enqueued",
	}, []string{"kind"})

	TasksRunTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_tasks_run_total",
		Help: "Side-effect tasks executed by kind and result",
	}, []string{"kind", "result"})
)

// Handler exposes the default registry for scraping.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
