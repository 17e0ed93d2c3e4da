package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronosync_events_appended_total",
		Help: "Events committed to the log by event type",
	}, []string{"event_type"})

	duplicateSubmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronosync_events_duplicate_submissions_total",
		Help: "Appends rejected as already-applied (client_id, sequence_num) pairs",
	})
)
