// Package metrics exports the progress of the self-play and training loop as Prometheus metrics, and
// serves them (along with the Go profiler) over HTTP.
//
// If linked, it installs the -monitor and -cpu_profile flags (see Setup).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metaqp"

// Registry holding all the metrics of the package. It's served on /metrics by Setup.
var Registry = prometheus.NewRegistry()

var (
	matchResults = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selfplay",
			Name:      "results_total",
			Help:      "Resolved trajectories by winner: new, best or draw.",
		},
		[]string{"winner"},
	)

	matchesPlayed = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "selfplay",
		Name:      "matches_total",
		Help:      "Matches played between the current and the best networks.",
	})

	decisions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "promotion",
			Name:      "decisions_total",
			Help:      "Promotion decisions taken after each match.",
		},
		[]string{"decision"},
	)

	storedTasks = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "memories",
		Name:      "tasks",
		Help:      "Tasks in the experience store.",
	})

	storedMemories = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "memories",
		Name:      "memories",
		Help:      "Memories (one per resolved line) in the experience store.",
	})

	evictedTasks = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "memories",
		Name:      "evicted_tasks",
		Help:      "Tasks evicted from the experience store since it was created.",
	})

	losses = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "loss",
			Help:      "Moving average of the training losses, by head.",
		},
		[]string{"head"},
	)

	trainingSteps = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trainer",
		Name:      "steps_total",
		Help:      "Training minibatches processed.",
	})
)

// RecordMatch adds the results of one match.
func RecordMatch(newWins, bestWins, draws int) {
	matchesPlayed.Inc()
	matchResults.WithLabelValues("new").Add(float64(newWins))
	matchResults.WithLabelValues("best").Add(float64(bestWins))
	matchResults.WithLabelValues("draw").Add(float64(draws))
}

// RecordDecision counts a promotion decision.
func RecordDecision(decision string) {
	decisions.WithLabelValues(decision).Inc()
}

// RecordStore sets the size of the experience store.
func RecordStore(numTasks, numMemories, numEvicted int) {
	storedTasks.Set(float64(numTasks))
	storedMemories.Set(float64(numMemories))
	evictedTasks.Set(float64(numEvicted))
}

// RecordTrainingStep counts one training minibatch and sets the current loss averages.
func RecordTrainingStep(qLoss, pLoss float32) {
	trainingSteps.Inc()
	losses.WithLabelValues("q").Set(float64(qLoss))
	losses.WithLabelValues("policy").Set(float64(pLoss))
}
