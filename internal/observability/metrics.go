package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pageCommitGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activity_sync",
		Subsystem: "persistence",
		Name:      "last_page_committed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent page committed together with its cursor.",
	})
	activityAppliedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activity_sync",
		Subsystem: "persistence",
		Name:      "last_activity_applied_timestamp_seconds",
		Help:      "Unix timestamp of the most recent single-activity merge (hydration or webhook).",
	})
)

func init() {
	prometheus.MustRegister(pageCommitGauge, activityAppliedGauge)
}

// RecordPageCommitted updates the page commit watermark gauge.
func RecordPageCommitted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	pageCommitGauge.Set(float64(ts.Unix()))
}

// RecordActivityApplied updates the single-activity merge watermark gauge.
func RecordActivityApplied(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityAppliedGauge.Set(float64(ts.Unix()))
}
