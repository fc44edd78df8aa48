package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	publishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "profilesync",
		Subsystem: "eventbus",
		Name:      "published_total",
		Help:      "Messages published by topic and result.",
	}, []string{"topic", "result"})

	consumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "profilesync",
		Subsystem: "eventbus",
		Name:      "consumed_total",
		Help:      "Messages handled by topic and result (ok, error, rejected, duplicate, dropped, redelivered).",
	}, []string{"topic", "result"})

	handleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "profilesync",
		Subsystem: "eventbus",
		Name:      "handle_duration_seconds",
		Help:      "Time spent in message handlers.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(publishedTotal, consumedTotal, handleDuration)
}

func publishResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case err == ErrCircuitOpen:
		return "circuit_open"
	default:
		return "error"
	}
}
