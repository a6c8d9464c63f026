package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector contains the Prometheus metrics of the collector process.
// A nil *Collector is valid and records nothing.
type Collector struct {
	// Ingestion
	DatagramsReceived prometheus.Counter
	FramesDropped     *prometheus.CounterVec
	EventsDispatched  *prometheus.CounterVec
	SinkErrors        *prometheus.CounterVec

	// Broadcasting
	ObserversConnected prometheus.Gauge
	BroadcastDropped   prometheus.Counter
	PushesDropped      prometheus.Counter
}

// NewCollector creates and registers all metrics on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		DatagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "llpp_datagrams_received_total",
			Help: "Total number of UDP datagrams received",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llpp_frames_dropped_total",
			Help: "Total number of datagrams dropped by the frame decoder",
		}, []string{"reason"}),
		EventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llpp_events_dispatched_total",
			Help: "Total number of decoded events dispatched to sinks",
		}, []string{"type"}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llpp_sink_errors_total",
			Help: "Total number of sink failures during dispatch",
		}, []string{"sink"}),

		ObserversConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "llpp_observers_connected",
			Help: "Current number of connected websocket observers",
		}),
		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "llpp_broadcast_dropped_total",
			Help: "Events dropped because the broadcast queue was full",
		}),
		PushesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "llpp_pushes_dropped_total",
			Help: "Live pushes dropped because an observer queue was full",
		}),
	}
}

func (c *Collector) DatagramReceived() {
	if c != nil {
		c.DatagramsReceived.Inc()
	}
}

func (c *Collector) FrameDropped(reason string) {
	if c != nil {
		c.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) EventDispatched(kind string) {
	if c != nil {
		c.EventsDispatched.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) SinkFailed(sink string) {
	if c != nil {
		c.SinkErrors.WithLabelValues(sink).Inc()
	}
}

func (c *Collector) ObserverConnected() {
	if c != nil {
		c.ObserversConnected.Inc()
	}
}

func (c *Collector) ObserverDisconnected() {
	if c != nil {
		c.ObserversConnected.Dec()
	}
}

func (c *Collector) BroadcastDrop() {
	if c != nil {
		c.BroadcastDropped.Inc()
	}
}

func (c *Collector) PushDrop() {
	if c != nil {
		c.PushesDropped.Inc()
	}
}
