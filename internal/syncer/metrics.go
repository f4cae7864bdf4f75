package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "syncer",
		Name:      "runs_total",
		Help:      "Synchronisation runs grouped by outcome.",
	}, []string{"outcome"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "activity_sync",
		Subsystem: "syncer",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of synchronisation runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	userCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "syncer",
		Name:      "users_total",
		Help:      "Per-user results grouped by final phase.",
	}, []string{"phase"})

	pageCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "syncer",
		Name:      "pages_committed_total",
		Help:      "Pages committed together with their cursor.",
	})

	activityCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "syncer",
		Name:      "activities_committed_total",
		Help:      "Activity summaries written by committed pages.",
	})

	hydrationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "syncer",
		Name:      "hydrations_total",
		Help:      "Detail hydration attempts grouped by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(runCounter, runDuration, userCounter, pageCounter, activityCounter, hydrationCounter)
}

func recordRun(outcome string, elapsed time.Duration) {
	runCounter.WithLabelValues(outcome).Inc()
	runDuration.Observe(elapsed.Seconds())
}

func recordUser(result UserResult) {
	phase := string(result.Phase)
	if result.Partial && result.Err == nil {
		phase = "partial"
	}
	userCounter.WithLabelValues(phase).Inc()
}

func recordPage(activities int) {
	pageCounter.Inc()
	activityCounter.Add(float64(activities))
}

func recordHydration(outcome string) {
	hydrationCounter.WithLabelValues(outcome).Inc()
}
