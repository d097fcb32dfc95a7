// Package metrics renders the outcome of a run as a Prometheus textfile for
// node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeSuccess         = "success"
	OutcomeConfigError     = "config_error"
	OutcomeAuthError       = "auth_error"
	OutcomeSubmitError     = "submit_error"
	OutcomeExecutionFailed = "execution_failed"
	OutcomeTimeout         = "timeout"
	OutcomePollError       = "poll_error"
	OutcomeFetchError      = "fetch_error"
	OutcomeIOError         = "io_error"
	OutcomeUploadError     = "upload_error"
	OutcomeError           = "error"
)

var outcomes = []string{
	OutcomeSuccess, OutcomeConfigError, OutcomeAuthError, OutcomeSubmitError,
	OutcomeExecutionFailed, OutcomeTimeout, OutcomePollError, OutcomeFetchError,
	OutcomeIOError, OutcomeUploadError, OutcomeError,
}

// Recorder holds the metrics of a single run in its own registry.
type Recorder struct {
	registry    *prometheus.Registry
	polls       prometheus.Counter
	duration    prometheus.Gauge
	resultBytes prometheus.Gauge
	lastSuccess prometheus.Gauge
	outcome     *prometheus.GaugeVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dune_export_status_polls_total",
			Help: "Status polls issued by the last run.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dune_export_run_duration_seconds",
			Help: "Wall time of the last run.",
		}),
		resultBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dune_export_result_bytes",
			Help: "Size of the result fetched by the last run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dune_export_last_success_timestamp_seconds",
			Help: "Unix time the last successful run finished.",
		}),
		outcome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dune_export_run_outcome",
			Help: "1 for the outcome of the last run, 0 for the others.",
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(r.polls, r.duration, r.resultBytes, r.outcome)
	for _, o := range outcomes {
		r.outcome.WithLabelValues(o).Set(0)
	}
	return r
}

// Observe records one finished run. The success timestamp is only exported
// by successful runs.
func (r *Recorder) Observe(outcome string, polls, resultBytes int, started, finished time.Time) {
	r.polls.Add(float64(polls))
	r.duration.Set(finished.Sub(started).Seconds())
	r.resultBytes.Set(float64(resultBytes))
	r.outcome.WithLabelValues(outcome).Set(1)
	if outcome == OutcomeSuccess {
		r.lastSuccess.Set(float64(finished.Unix()))
		_ = r.registry.Register(r.lastSuccess)
	}
}

// WriteTextfile atomically replaces path with the current metrics.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
