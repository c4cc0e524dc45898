package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the calibrator's counters. Fields are updated with atomic
// ops from any goroutine and read by Prometheus on scrape.
type Metrics struct {
	// Annotation
	ShapesCommitted atomic.Uint64
	ShapesRejected  atomic.Uint64
	Freezes         atomic.Uint64

	// Detector round trips
	AutoDetectRequests atomic.Uint64
	AutoDetectFailures atomic.Uint64
	AutoDetectLatency  atomic.Uint64 // last round trip in ms
	GridSaves          atomic.Uint64

	// Backend REST calls
	GatewayRequests atomic.Uint64
	GatewayErrors   atomic.Uint64

	// Realtime channel
	ChannelConnected  atomic.Uint64 // 0 = down, 1 = up
	ChannelReconnects atomic.Uint64
	ChannelEvents     atomic.Uint64
	ChannelDropped    atomic.Uint64

	// Live camera source
	LiveFramesRead   atomic.Uint64
	LiveDecodeErrors atomic.Uint64
	LiveReconnects   atomic.Uint64

	// Occupancy SSE clients
	ActiveViewers atomic.Uint64

	// WebRTC live feed peers
	LivePeers         atomic.Uint64
	LivePeerFramesOut atomic.Uint64
	LivePeerDropped   atomic.Uint64

	// Snapshot archive
	SnapshotsWritten atomic.Uint64
	SnapshotBytes    atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauges := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"calibrator_shapes_committed_total", "Slots and AOIs committed by the operator", &m.ShapesCommitted},
		{"calibrator_shapes_rejected_total", "Drags discarded by the minimum size check", &m.ShapesRejected},
		{"calibrator_freezes_total", "Frames frozen for annotation", &m.Freezes},
		{"calibrator_autodetect_requests_total", "Grid auto-detect requests sent", &m.AutoDetectRequests},
		{"calibrator_autodetect_failures_total", "Grid auto-detect requests that failed or found nothing", &m.AutoDetectFailures},
		{"calibrator_autodetect_latency_ms", "Duration of the last auto-detect round trip", &m.AutoDetectLatency},
		{"calibrator_grid_saves_total", "Grid configurations confirmed by the backend", &m.GridSaves},
		{"calibrator_gateway_requests_total", "REST calls made to the backend", &m.GatewayRequests},
		{"calibrator_gateway_errors_total", "REST calls that failed", &m.GatewayErrors},
		{"calibrator_channel_connected", "Realtime channel connected (0=down, 1=up)", &m.ChannelConnected},
		{"calibrator_channel_reconnects_total", "Realtime channel reconnect attempts", &m.ChannelReconnects},
		{"calibrator_channel_events_total", "Realtime events dispatched", &m.ChannelEvents},
		{"calibrator_channel_dropped_total", "Realtime events dropped (foreign spot or undecodable)", &m.ChannelDropped},
		{"calibrator_live_frames_read_total", "Frames decoded from the live camera", &m.LiveFramesRead},
		{"calibrator_live_decode_errors_total", "Live camera frames that failed to decode", &m.LiveDecodeErrors},
		{"calibrator_live_reconnects_total", "Live camera reconnects", &m.LiveReconnects},
		{"calibrator_active_viewers", "Connected occupancy stream clients", &m.ActiveViewers},
		{"calibrator_live_peers", "Connected WebRTC live feed peers", &m.LivePeers},
		{"calibrator_live_peer_frames_total", "Frames sent to WebRTC live feed peers", &m.LivePeerFramesOut},
		{"calibrator_live_peer_dropped_total", "Frames dropped for slow WebRTC live feed peers", &m.LivePeerDropped},
		{"calibrator_snapshots_written_total", "Calibration snapshots archived", &m.SnapshotsWritten},
		{"calibrator_snapshot_bytes", "Bytes written to the snapshot archive", &m.SnapshotBytes},
	}
	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// ObserveAutoDetect records one detector round trip.
func (m *Metrics) ObserveAutoDetect(started time.Time, failed bool) {
	m.AutoDetectLatency.Store(uint64(time.Since(started).Milliseconds()))
	if failed {
		m.AutoDetectFailures.Add(1)
	}
}

// SetChannelConnected flips the connection gauge.
func (m *Metrics) SetChannelConnected(up bool) {
	if up {
		m.ChannelConnected.Store(1)
		return
	}
	m.ChannelConnected.Store(0)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr. It blocks.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
