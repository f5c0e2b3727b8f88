package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_runs_started_total",
		Help: "Dispatches moved to in_progress by the runner",
	})

	dispatchesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_runs_completed_total",
		Help: "Dispatches that reached completed",
	})

	dispatchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_runs_failed_total",
		Help: "Dispatches marked failed",
	})

	recipientsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_recipients_submitted_total",
		Help: "Recipients handed to the relay",
	})

	schedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_scheduler_ticks_total",
		Help: "Discovery ticks executed by the scheduler",
	})

	dueDispatchesSeen = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_scheduler_due_per_tick",
		Help:    "Due dispatches picked up per tick",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})
)
