// Package metrics holds the Prometheus collectors shared by the ledger service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "seller_ledger"

// LedgerOperations counts engine operations by name and outcome.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "operations_total",
	Help:      "Ledger engine operations by operation and result.",
}, []string{"operation", "result"})

// LedgerAmount sums money moved by entry kind, in minor units.
var LedgerAmount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "amount_minor_units_total",
	Help:      "Absolute money posted to seller ledgers by entry kind.",
}, []string{"kind"})

// CommitConflicts counts optimistic version conflicts retried by the engine.
var CommitConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "commit_conflicts_total",
	Help:      "Account commits retried after a version conflict.",
})

// NotificationsDropped counts notices dropped because the queue was full.
var NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "notifications_dropped_total",
	Help:      "Balance notices dropped before delivery.",
})

// NotificationsFailed counts notices the downstream notifier rejected.
var NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "notifications_failed_total",
	Help:      "Balance notices that failed delivery.",
})

// PayoutOutcomes counts disbursement results by outcome.
var PayoutOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "payout_outcomes_total",
	Help:      "Disbursement gateway outcomes.",
}, []string{"outcome"})

// WithdrawalsSwept counts withdrawals cancelled after exceeding the payout deadline.
var WithdrawalsSwept = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "withdrawals_swept_total",
	Help:      "Withdrawals cancelled by the timeout sweeper.",
})
