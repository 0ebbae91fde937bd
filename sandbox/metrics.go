package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "toolbox"

// Metrics holds the sandbox lifecycle collectors. A Manager always records
// into its Metrics; registering them with a Registerer is optional.
type Metrics struct {
	launches         *prometheus.CounterVec
	launchDuration   prometheus.Histogram
	imagePulls       prometheus.Counter
	evictions        prometheus.Counter
	networkFallbacks prometheus.Counter
	toolCalls        *prometheus.CounterVec
	active           prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sandbox_launches_total",
			Help:      "Total sandbox launches by result",
		}, []string{"result"}),

		launchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sandbox_launch_duration_seconds",
			Help:      "Time from launch request to a connected client",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),

		imagePulls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "image_pulls_total",
			Help:      "Images pulled because they were missing locally",
		}),

		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sandbox_idle_evictions_total",
			Help:      "Sandboxes stopped by the idle reaper",
		}),

		networkFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "network_fallbacks_total",
			Help:      "Service network requests that fell back to host networking",
		}),

		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tool_calls_total",
			Help:      "Total tool calls by tool name and status",
		}, []string{"tool", "status"}),

		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sandboxes",
			Help:      "Sandboxes currently tracked",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.launches,
			m.launchDuration,
			m.imagePulls,
			m.evictions,
			m.networkFallbacks,
			m.toolCalls,
			m.active,
		)
	}

	return m
}
