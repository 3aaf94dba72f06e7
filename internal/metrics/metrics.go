package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openmic_engine_active_sessions",
		Help: "Number of stream sessions currently running",
	})
	LiveHandles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openmic_engine_live_handles",
		Help: "Number of engine handles that have not been destroyed",
	})
	EngineState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "openmic_engine_state",
		Help: "Number of engines in each lifecycle state",
	}, []string{"state"})
	BufferedFrames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openmic_engine_buffered_frames",
		Help: "Frames waiting in the frame buffer, sampled by the transmit loop",
	})
)

// Counters
var (
	FramesCapturedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openmic_engine_frames_captured_total",
		Help: "Total audio frames read from the capture source",
	})
	FramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmic_engine_frames_dropped_total",
		Help: "Total audio frames discarded before reaching the network, by reason",
	}, []string{"reason"})
	PacketsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openmic_engine_packets_sent_total",
		Help: "Total packets written to the target",
	})
	BytesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openmic_engine_bytes_sent_total",
		Help: "Total bytes written to the target, headers included",
	})
	SendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmic_engine_send_errors_total",
		Help: "Total failed packet writes by classification",
	}, []string{"class"})
	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmic_engine_reconnects_total",
		Help: "Total reconnect attempts by outcome",
	}, []string{"outcome"})
	CreateRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openmic_engine_create_rejections_total",
		Help: "Total create calls refused because every engine slot was in use",
	})
	StartFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmic_engine_start_failures_total",
		Help: "Total failed start calls by error code",
	}, []string{"code"})
	SessionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmic_engine_session_failures_total",
		Help: "Total sessions that ended in the failed state, by cause",
	}, []string{"cause"})
	JoinTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openmic_engine_join_timeouts_total",
		Help: "Total stops where a worker did not exit within the join timeout",
	})
)

// Histograms
var (
	SendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "openmic_engine_capture_to_send_ms",
		Help:    "Time from frame capture to packet write in milliseconds",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 250, 500},
	})
)
