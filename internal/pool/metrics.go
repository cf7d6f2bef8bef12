package pool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/parrun/internal/model"
)

var (
	itemsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parrun_items_in_flight",
			Help: "Number of work items currently occupying a pool slot.",
		},
	)

	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parrun_outcomes_total",
			Help: "Terminal outcomes by status.",
		},
		[]string{"status"},
	)

	retriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parrun_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)

	attemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parrun_attempts_total",
			Help: "Total script attempts executed.",
		},
	)

	attemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parrun_final_attempt_duration_seconds",
			Help:    "Duration of each item's final attempt in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(itemsInFlight)
	prometheus.MustRegister(outcomesTotal)
	prometheus.MustRegister(retriesTotal)
	prometheus.MustRegister(attemptsTotal)
	prometheus.MustRegister(attemptDuration)
}

// observeTransition feeds scheduler state changes into the retry counter.
func observeTransition(_, _, to string) {
	if to == model.StatusRetrying {
		retriesTotal.Inc()
	}
}

// observeOutcome records a terminal outcome's metrics.
func observeOutcome(o *model.Outcome) {
	outcomesTotal.WithLabelValues(o.Status).Inc()
	attemptsTotal.Add(float64(o.Attempts))
	if o.Final != nil {
		attemptDuration.Observe(o.Final.Duration.Seconds())
	}
}
