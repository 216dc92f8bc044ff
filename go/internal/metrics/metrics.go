package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and gauges exposed on /metrics.
var (
	PushesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcast_pushes_created_total",
		Help: "Number of quiz pushes broadcast to students.",
	})

	PushesUndone = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcast_pushes_undone_total",
		Help: "Number of quiz pushes withdrawn by teachers.",
	})

	AnswersSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcast_answers_submitted_total",
		Help: "Number of accepted student answers.",
	})

	DuplicateAnswers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcast_duplicate_answers_total",
		Help: "Number of rejected duplicate answer submissions.",
	})

	TimeoutsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcast_timeouts_resolved_total",
		Help: "Number of synthetic timeout responses written.",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classcast_active_connections",
		Help: "Number of live websocket connections.",
	})
)
