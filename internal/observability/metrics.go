package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// One series per stage of the polling loop: polls, submissions handed to
// handlers, replies posted, grading time, and jail executions.
var (
	QueuePollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xqueue_polls_total",
			Help: "Total get_submission polls by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)
	SubmissionsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xqueue_submissions_processed_total",
			Help: "Total submissions handed to the handler chain",
		},
		[]string{"queue"},
	)
	RepliesPostedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xqueue_replies_posted_total",
			Help: "Total put_result posts by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)
	GradingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xqueue_grading_duration_seconds",
			Help:    "Wall-clock time spent grading one submission",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"queue"},
	)
	PayloadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xqueue_grader_payload_errors_total",
			Help: "Total submissions with an unparseable grader payload",
		},
	)
	LoginFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xqueue_login_failures_total",
			Help: "Total failed login attempts by queue",
		},
		[]string{"queue"},
	)
	WorkersAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xqueue_workers_alive",
			Help: "Number of polling workers currently running",
		},
	)
	JailRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xqueue_jail_runs_total",
			Help: "Total sandboxed executions by jail name and outcome",
		},
		[]string{"jail", "outcome"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all metric vectors with the default registry.
// Safe to call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueuePollsTotal,
			SubmissionsProcessedTotal,
			RepliesPostedTotal,
			GradingDuration,
			PayloadErrorsTotal,
			LoginFailuresTotal,
			WorkersAlive,
			JailRunsTotal,
		)
	})
}
