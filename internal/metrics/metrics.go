package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	processesRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gswarden",
		Name:      "processes_running",
		Help:      "Number of processes currently supervised.",
	})

	startsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gswarden",
		Name:      "starts_total",
		Help:      "Total number of successfully started processes.",
	})

	stopsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gswarden",
		Name:      "stops_total",
		Help:      "Total number of completed stop operations by mode.",
	}, []string{"mode"})

	processExits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gswarden",
		Name:      "process_exits_total",
		Help:      "Total number of observed process exits.",
	})

	droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gswarden",
		Name:      "events_dropped_total",
		Help:      "Total number of events dropped because the consumer was slow.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gswarden",
		Name:      "build_info",
		Help:      "Build metadata for the running gswarden binary.",
	}, []string{"go_version", "vcs_revision", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(processesRunning, startsTotal, stopsTotal, processExits, droppedEvents, buildInfo)
}

// Registry returns the Prometheus registry containing all gswarden metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetProcessesRunning records the current number of supervised processes.
func SetProcessesRunning(n int) {
	processesRunning.Set(float64(n))
}

// AddStart increments the successful start counter.
func AddStart() {
	startsTotal.Inc()
}

// AddStop increments the stop counter for a completion mode
// (graceful, escalated or kill).
func AddStop(mode string) {
	if mode == "" {
		mode = "unknown"
	}
	stopsTotal.WithLabelValues(mode).Inc()
}

// AddProcessExit increments the observed exit counter.
func AddProcessExit() {
	processExits.Inc()
}

// AddDroppedEvent increments the dropped event counter.
func AddDroppedEvent() {
	droppedEvents.Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs_revision": "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
