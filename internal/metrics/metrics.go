// Package metrics records run metrics for a deployment and exports them in
// the node-exporter textfile format.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eugenetaranov/gmndeploy/internal/remote"
)

const namespace = "gmndeploy"

// Recorder collects metrics for one run.
type Recorder struct {
	reg *prometheus.Registry

	stageDuration *prometheus.GaugeVec
	stageStatus   *prometheus.GaugeVec
	commands      *prometheus.CounterVec
	commandTime   prometheus.Histogram
	runSuccess    prometheus.Gauge
	runDuration   prometheus.Gauge
	runTimestamp  prometheus.Gauge
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each provisioning stage.",
		}, []string{"stage"}),
		stageStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_status",
			Help:      "Outcome of each provisioning stage (1 for the reported status).",
		}, []string{"stage", "status"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Remote commands executed, by privilege and exit code.",
		}, []string{"user", "exit_code"}),
		commandTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of remote commands.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		runSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_success",
			Help:      "1 if the last run completed every stage.",
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last run.",
		}),
		runTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}

	r.reg.MustRegister(r.stageDuration, r.stageStatus, r.commands, r.commandTime,
		r.runSuccess, r.runDuration, r.runTimestamp)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// ObserveStage records the outcome of a stage.
func (r *Recorder) ObserveStage(stage, status string, elapsed time.Duration) {
	r.stageDuration.WithLabelValues(stage).Set(elapsed.Seconds())
	r.stageStatus.WithLabelValues(stage, status).Set(1)
}

// ObserveCommand implements remote.Observer.
func (r *Recorder) ObserveCommand(cmd remote.Command, exitCode int, elapsed time.Duration) {
	user := cmd.User
	if user == "" {
		user = "root"
	}
	r.commands.WithLabelValues(user, strconv.Itoa(exitCode)).Inc()
	r.commandTime.Observe(elapsed.Seconds())
}

// ObserveRun records the end of the run.
func (r *Recorder) ObserveRun(success bool, elapsed time.Duration, finished time.Time) {
	if success {
		r.runSuccess.Set(1)
	} else {
		r.runSuccess.Set(0)
	}
	r.runDuration.Set(elapsed.Seconds())
	r.runTimestamp.Set(float64(finished.Unix()))
}

// WriteTextfile writes the metrics to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}

var _ remote.Observer = (*Recorder)(nil)
