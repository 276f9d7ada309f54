package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "validq"

var (
	ValidationRequestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_requested_total",
			Help:      "Total number of validation requests created.",
		},
		[]string{"model"},
	)

	ValidationTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_transitions_total",
			Help:      "Total number of status transitions, labeled by the status reached.",
		},
		[]string{"model", "status"},
	)

	ValidatorSelectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validator_selected_total",
			Help:      "Total number of validators bound by the selection oracle.",
		},
		[]string{"model"},
	)

	ValidationLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_latency_seconds",
			Help:      "Time from request creation to leaving Pending (seconds).",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200, 21600, 86400},
		},
		[]string{"model", "status"},
	)

	BountyDistributedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bounty_distributed_units_total",
			Help:      "Smallest units paid out of escrow, labeled by recipient role.",
		},
		[]string{"model", "recipient"},
	)

	SlashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slashes_total",
			Help:      "Total number of slash requests sent to the stake ledger.",
		},
		[]string{"reason", "outcome"},
	)

	SlashedUnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slashed_units_total",
			Help:      "Stake units removed by slashing, as reported by the ledger.",
		},
		[]string{"reason"},
	)

	AttestationRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attestation_rejected_total",
			Help:      "Total number of rejected attestations, labeled by reason code.",
		},
		[]string{"code"},
	)

	OperationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Total number of failed state-machine operations, labeled by error code.",
		},
		[]string{"operation", "code"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total number of webhook deliveries, labeled by kind and outcome.",
		},
		[]string{"kind", "model", "outcome"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests delayed or rejected by a rate limit bucket.",
		},
		[]string{"scope", "kind"},
	)

	SweeperActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_actions_total",
			Help:      "Overdue requests handled by the expiry sweeper.",
		},
		[]string{"action", "outcome"},
	)

	SubscriptionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_expired_total",
			Help:      "Validator subscriptions removed after their lease lapsed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ValidationRequestedTotal,
		ValidationTransitionsTotal,
		ValidatorSelectedTotal,
		ValidationLatencySeconds,
		BountyDistributedTotal,
		SlashesTotal,
		SlashedUnitsTotal,
		AttestationRejectedTotal,
		OperationErrorsTotal,
		WebhookDeliveriesTotal,
		RateLimitHitsTotal,
		SweeperActionsTotal,
		SubscriptionsExpiredTotal,
	)
}
