package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eduel"

var (
	settledQuestions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duel_questions_settled_total",
		Help:      "Questions settled by local players, by outcome.",
	}, []string{"outcome"})

	ledgerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duel_ledger_failures_total",
		Help:      "Failed ledger submissions, by kind of submission.",
	}, []string{"kind"})

	finishedDuels = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duel_finished_total",
		Help:      "Duels reported to their host, by outcome.",
	}, []string{"outcome"})

	feedSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duel_feed_snapshots_total",
		Help:      "Change-feed snapshots handled by controllers, by merge result.",
	}, []string{"result"})
)

func RecordSettled(outcome string) {
	settledQuestions.WithLabelValues(outcome).Inc()
}

func RecordLedgerFailure(kind string) {
	ledgerFailures.WithLabelValues(kind).Inc()
}

func RecordDuelFinished(outcome string) {
	finishedDuels.WithLabelValues(outcome).Inc()
}

func RecordSnapshot(result string) {
	feedSnapshots.WithLabelValues(result).Inc()
}
