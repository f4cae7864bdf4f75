package webhook

import "github.com/prometheus/client_golang/prometheus"

var (
	eventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Applied push events grouped by object, aspect and outcome.",
	}, []string{"object_type", "aspect_type", "outcome"})

	receivedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "webhook",
		Name:      "received_total",
		Help:      "Push requests received grouped by HTTP response class.",
	}, []string{"status"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "webhook",
		Name:      "decode_errors_total",
		Help:      "Queued messages that could not be decoded, per topic.",
	}, []string{"topic"})

	deadLetterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "webhook",
		Name:      "dead_lettered_total",
		Help:      "Queued events moved to the dead-letter topic after exhausting retries.",
	}, []string{"topic"})

	lastEventGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activity_sync",
		Subsystem: "webhook",
		Name:      "last_event_timestamp_seconds",
		Help:      "Event time of the most recently applied push event.",
	})
)

func init() {
	prometheus.MustRegister(eventCounter, receivedCounter, decodeErrorCounter, deadLetterCounter, lastEventGauge)
}

func recordEvent(event Event, outcome string) {
	eventCounter.WithLabelValues(event.ObjectType, event.AspectType, outcome).Inc()
	if outcome == "failed" || event.EventTime <= 0 {
		return
	}
	lastEventGauge.Set(float64(event.EventTime))
}

func recordReceived(status string) {
	receivedCounter.WithLabelValues(status).Inc()
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}

func recordDeadLetter(topic string) {
	deadLetterCounter.WithLabelValues(topic).Inc()
}
