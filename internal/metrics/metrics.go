// Package metrics exposes playback telemetry in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swarmplay/internal/engine"
	"swarmplay/internal/media"
	"swarmplay/pkg/types"
)

// Telemetry holds the counters and gauges fed by one engine.
type Telemetry struct {
	registry          *prometheus.Registry
	bytesTotal        *prometheus.CounterVec
	eventsTotal       *prometheus.CounterVec
	fallbacksTotal    prometheus.Counter
	fatalsTotal       prometheus.Counter
	removedTotal      prometheus.Counter
	peers             prometheus.Gauge
	bandwidthEstimate prometheus.Gauge
	downSpeed         *prometheus.GaugeVec
	liveLatency       prometheus.Gauge
	renditionHeight   prometheus.Gauge
	mode              *prometheus.GaugeVec
}

func New() *Telemetry {
	registry := prometheus.NewRegistry()

	m := &Telemetry{
		registry: registry,
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmplay_bytes_total",
			Help: "Bytes moved by the transports",
		}, []string{"mode", "source", "direction"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmplay_events_total",
			Help: "Engine events by kind",
		}, []string{"kind"}),
		fallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmplay_fallbacks_total",
			Help: "Switches to direct HTTP playback",
		}),
		fatalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmplay_fatal_errors_total",
			Help: "Fatal playback errors surfaced to the host",
		}),
		removedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmplay_renditions_removed_total",
			Help: "Renditions dropped after unrecoverable errors",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarmplay_peers",
			Help: "Connected peers",
		}),
		bandwidthEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarmplay_bandwidth_estimate_bytes",
			Help: "Rolling bandwidth estimate in bytes per second",
		}),
		downSpeed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarmplay_download_speed_bytes",
			Help: "Download speed in bytes per second",
		}, []string{"source"}),
		liveLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarmplay_live_latency_seconds",
			Help: "Distance between playback and the live edge",
		}),
		renditionHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarmplay_rendition_height",
			Help: "Height of the visible rendition",
		}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarmplay_mode",
			Help: "1 for the active transport mode",
		}, []string{"mode"}),
	}

	registry.MustRegister(
		m.bytesTotal,
		m.eventsTotal,
		m.fallbacksTotal,
		m.fatalsTotal,
		m.removedTotal,
		m.peers,
		m.bandwidthEstimate,
		m.downSpeed,
		m.liveLatency,
		m.renditionHeight,
		m.mode,
	)
	return m
}

// Attach subscribes to e's events and byte reports. The returned func stops the event feed.
func (m *Telemetry) Attach(e *engine.Engine) func() {
	e.OnBytes(m.ObserveBytes)
	return e.Subscribe(m.ObserveEvent)
}

func (m *Telemetry) ObserveBytes(mode types.Mode, ev media.ByteEvent) {
	if ev.Down > 0 {
		m.bytesTotal.WithLabelValues(string(mode), string(ev.Source), "down").Add(float64(ev.Down))
	}
	if ev.Up > 0 {
		m.bytesTotal.WithLabelValues(string(mode), string(ev.Source), "up").Add(float64(ev.Up))
	}
}

func (m *Telemetry) ObserveEvent(ev engine.Event) {
	m.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case engine.EventMode:
		for _, mode := range []types.Mode{types.ModePeerSwarm, types.ModeStreamed, types.ModeDirectHTTP} {
			v := 0.0
			if mode == ev.Mode {
				v = 1
			}
			m.mode.WithLabelValues(string(mode)).Set(v)
		}
		if ev.Mode == types.ModeDirectHTTP {
			m.fallbacksTotal.Inc()
		}
	case engine.EventRendition:
		if ev.Rendition != nil {
			m.renditionHeight.Set(float64(ev.Rendition.Height))
		}
	case engine.EventRemoved:
		m.removedTotal.Inc()
	case engine.EventFatal:
		m.fatalsTotal.Inc()
	case engine.EventNetworkInfo:
		if ev.Info == nil {
			return
		}
		m.peers.Set(float64(ev.Info.Peers))
		m.bandwidthEstimate.Set(float64(ev.Info.BandwidthEstimate))
		m.downSpeed.WithLabelValues(string(media.FromP2P)).Set(float64(ev.Info.P2PDownSpeed))
		m.downSpeed.WithLabelValues(string(media.FromHTTP)).Set(float64(ev.Info.HTTPDownSpeed))
		m.liveLatency.Set(float64(ev.Info.LiveLatencyMs) / 1000)
	}
}

// Handler serves the registry. refresh, when set, runs before each scrape.
func (m *Telemetry) Handler(refresh func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			refresh()
		}
		h.ServeHTTP(w, r)
	})
}

// Registry is exposed for tests and for callers that add their own collectors.
func (m *Telemetry) Registry() *prometheus.Registry { return m.registry }
