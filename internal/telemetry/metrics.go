package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Playout metrics
	PlaybackStateGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skald_playback_state",
			Help: "Current playback state (0 idle, 1 intro, 2 song, 3 outro, 4 transitioning, 5 error)",
		},
	)

	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skald_queue_length",
			Help: "Pending segments in the playout queue",
		},
	)

	SegmentsPlayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skald_segments_played_total",
			Help: "Segments started, by kind",
		},
		[]string{"kind"},
	)

	TransitionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skald_transition_duration_seconds",
			Help:    "Wall-clock time spent in the TRANSITIONING state per crossfade",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8},
		},
	)

	// Sink metrics
	SinkDroppedFrames = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skald_sink_dropped_frames",
			Help: "Cumulative frames a secondary sink has dropped under backpressure",
		},
		[]string{"sink"},
	)

	SinkReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skald_sink_reconnects_total",
			Help: "Successful secondary sink reconnections",
		},
		[]string{"sink"},
	)

	// DJ metrics
	TicklersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skald_ticklers_total",
			Help: "Tickler outcomes, by queued/executed/dropped",
		},
		[]string{"outcome"},
	)

	SelectionFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skald_selection_fallbacks_total",
			Help: "Times the safe-default pool had to supply the next song",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skald_api_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skald_api_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skald_api_active_connections",
			Help: "In-flight HTTP requests",
		},
	)

	APIWebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skald_api_websocket_connections",
			Help: "Connected event stream WebSocket clients",
		},
	)

	MonitorPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skald_monitor_peers",
			Help: "Connected WebRTC monitor listeners",
		},
	)

	// Database metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skald_db_query_duration_seconds",
			Help:    "Database operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skald_db_queries_total",
			Help: "Database operations, by outcome",
		},
		[]string{"operation", "status"},
	)
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// playbackStateValues maps state names from the bus to gauge values.
var playbackStateValues = map[string]float64{
	"IDLE":          0,
	"PLAYING_INTRO": 1,
	"PLAYING_SONG":  2,
	"PLAYING_OUTRO": 3,
	"TRANSITIONING": 4,
	"ERROR":         5,
}

// SetPlaybackState records the named playback state on the gauge.
func SetPlaybackState(name string) {
	if v, ok := playbackStateValues[name]; ok {
		PlaybackStateGauge.Set(v)
	}
}
