package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"
)

var (
	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_attempts_total",
			Help: "Prover attempts by outcome.",
		},
		[]string{"outcome"},
	)

	attemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portfolio_attempt_seconds",
			Help:    "Wall time of one prover attempt, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_jobs_total",
			Help: "Completed jobs by final outcome.",
		},
		[]string{"outcome"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portfolio_job_seconds",
			Help:    "Wall time spent on one job across its portfolio, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	reapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portfolio_reaps_total",
			Help: "Prover process trees force-terminated after a deadline.",
		},
	)

	wallclockExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portfolio_wallclock_exhausted_total",
			Help: "Jobs whose wall-clock budget ran out before every configuration was tried.",
		},
	)

	diagnosticsSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portfolio_diagnostics_saved_total",
			Help: "Raw prover transcripts written to the diagnostics directory.",
		},
	)
)

func init() {
	prometheus.MustRegister(attemptsTotal)
	prometheus.MustRegister(attemptDuration)
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(reapsTotal)
	prometheus.MustRegister(wallclockExhaustedTotal)
	prometheus.MustRegister(diagnosticsSavedTotal)

	for _, o := range []runtime.Outcome{runtime.OutcomeSuccess, runtime.OutcomeTimeout, runtime.OutcomeFail} {
		attemptsTotal.WithLabelValues(string(o))
		jobsTotal.WithLabelValues(string(o))
	}
}

func observeAttempt(res runtime.AttemptResult) {
	attemptsTotal.WithLabelValues(string(res.Outcome)).Inc()
	attemptDuration.Observe((time.Duration(res.ElapsedMS) * time.Millisecond).Seconds())
}

func observeJob(res runtime.JobResult) {
	jobsTotal.WithLabelValues(string(res.Outcome)).Inc()
	jobDuration.Observe((time.Duration(res.ElapsedMS) * time.Millisecond).Seconds())
}

// WriteMetrics dumps the default registry in text exposition format so node
// exporters' textfile collectors can pick it up after the run.
func WriteMetrics(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
