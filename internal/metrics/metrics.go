package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	spawnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procfn",
		Name:      "spawns_total",
		Help:      "Total number of child processes launched, by mode.",
	}, []string{"mode"})

	taskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procfn",
		Name:      "task_outcomes_total",
		Help:      "Terminal task outcomes (ok, panic, remote_close, ...).",
	}, []string{"mode", "outcome"})

	taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "procfn",
		Name:      "task_duration_seconds",
		Help:      "Wall time from submission to terminal outcome.",
	}, []string{"mode"})

	poolWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procfn",
		Name:      "pool_workers",
		Help:      "Pool workers currently in each state.",
	}, []string{"state"})

	workerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procfn",
		Name:      "worker_restarts_total",
		Help:      "Total number of pool worker replacements after a crash.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procfn",
		Name:      "build_info",
		Help:      "Build metadata for the running binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(spawnsTotal, taskOutcomes, taskDuration, poolWorkers, workerRestarts, buildInfo)
}

// Registry returns the Prometheus registry containing all procfn metrics.
func Registry() *prometheus.Registry {
	return registry
}

// IncSpawn records one child launch. Mode is "single" or "pool".
func IncSpawn(mode string) {
	if mode == "" {
		mode = "single"
	}
	spawnsTotal.WithLabelValues(mode).Inc()
}

// ObserveTask records the terminal outcome and duration of a task.
func ObserveTask(mode, outcome string, d time.Duration) {
	if mode == "" {
		mode = "single"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	taskOutcomes.WithLabelValues(mode, outcome).Inc()
	taskDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// WorkerTransition moves one worker between state buckets. Either
// state may be empty for entry/exit transitions.
func WorkerTransition(from, to string) {
	if from != "" {
		poolWorkers.WithLabelValues(from).Dec()
	}
	if to != "" {
		poolWorkers.WithLabelValues(to).Inc()
	}
}

// IncWorkerRestart records one crashed worker being replaced.
func IncWorkerRestart() {
	workerRestarts.Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
