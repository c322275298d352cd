// Package metrics exposes the daemon's Prometheus counters and gauges.
//
// A Metrics value owns its own registry so several instances can coexist
// in tests; the status API serves it on /metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "btmidid"

// Frame results recorded by FrameResult.
const (
	FrameOK        = "ok"
	FrameMalformed = "malformed"
	FrameDesync    = "desync"
)

// Metrics holds the daemon's collectors.
//
// Thread Safety:
//   - All methods are safe for concurrent use. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	connections   *prometheus.CounterVec
	active        *prometheus.GaugeVec
	frames        *prometheus.CounterVec
	events        *prometheus.CounterVec
	commands      *prometheus.CounterVec
	sinkErrors    *prometheus.CounterVec
	volume        prometheus.Gauge
	slotsCapacity prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "connections_total",
				Help:      "Accepted connections by transport and admission result.",
			},
			[]string{"transport", "result"},
		),
		active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "connections_active",
				Help:      "Connections currently holding a slot.",
			},
			[]string{"transport"},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "frames_total",
				Help:      "Reassembled frames by transport and decode result.",
			},
			[]string{"transport", "result"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sink",
				Name:      "events_total",
				Help:      "Events delivered to the output sinks by kind.",
			},
			[]string{"kind"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "commands_total",
				Help:      "Control-plane command lines by source and whether they matched.",
			},
			[]string{"source", "matched"},
		),
		sinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sink",
				Name:      "errors_total",
				Help:      "Failed sink emissions by event kind.",
			},
			[]string{"kind"},
		),
		volume: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "params",
			Name:      "volume",
			Help:      "Current shared volume parameter.",
		}),
		slotsCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "slots_capacity",
			Help:      "Maximum number of concurrent clients.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.active, m.frames, m.events,
		m.commands, m.sinkErrors, m.volume, m.slotsCapacity,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionAdmitted records a connection that was given a slot.
func (m *Metrics) ConnectionAdmitted(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport, "admitted").Inc()
	m.active.WithLabelValues(transport).Inc()
}

// ConnectionRejected records a connection refused because all slots were busy.
func (m *Metrics) ConnectionRejected(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport, "rejected").Inc()
}

// ConnectionClosed releases an admitted connection from the active gauge.
func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(transport).Dec()
}

// FrameResult records one reassembled frame. result is FrameOK,
// FrameMalformed or FrameDesync.
func (m *Metrics) FrameResult(transport, result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(transport, result).Inc()
}

// EventEmitted records an event handed to the sinks.
func (m *Metrics) EventEmitted(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// SinkError records a failed emission.
func (m *Metrics) SinkError(kind string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(kind).Inc()
}

// ControlCommand records a control line from source ("socket" or "mqtt").
func (m *Metrics) ControlCommand(source string, matched bool) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(source, strconv.FormatBool(matched)).Inc()
}

// SetVolume records the current shared volume.
func (m *Metrics) SetVolume(v int) {
	if m == nil {
		return
	}
	m.volume.Set(float64(v))
}

// SetSlotCapacity records the admission limit.
func (m *Metrics) SetSlotCapacity(n int) {
	if m == nil {
		return
	}
	m.slotsCapacity.Set(float64(n))
}
