// Package metrics exposes prometheus counters for the transaction protocol.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TxnCommitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "commit_total",
			Help:      "Counter of committed transactions.",
		})

	TxnAbortCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "abort_total",
			Help:      "Counter of aborted transactions.",
		})

	TxnExpiredCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "expired_total",
			Help:      "Counter of transactions aborted by missed heartbeats.",
		})

	TxnConflictCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "conflict_total",
			Help:      "Counter of writes rejected by conflict resolution.",
		})

	TxnRestartCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "read_restart_total",
			Help:      "Counter of reads that required a transaction restart.",
		})

	TxnHeartbeatCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "txn",
			Name:      "heartbeat_total",
			Help:      "Counter of transaction heartbeats received.",
		})

	IntentApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "participant",
			Name:      "intent_apply_duration_seconds",
			Help:      "Time from commit to a partition's intents being applied.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})
)

func init() {
	prometheus.MustRegister(TxnCommitCounter)
	prometheus.MustRegister(TxnAbortCounter)
	prometheus.MustRegister(TxnExpiredCounter)
	prometheus.MustRegister(TxnConflictCounter)
	prometheus.MustRegister(TxnRestartCounter)
	prometheus.MustRegister(TxnHeartbeatCounter)
	prometheus.MustRegister(IntentApplyDuration)
}
