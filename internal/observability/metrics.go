package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/tagwire/internal/protocol/frame"
	"github.com/danmuck/tagwire/internal/protocol/session"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tagwire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tagwire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tagwire",
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Frames decoded from the wire.",
		},
		[]string{"role"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tagwire",
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Frames dropped before or during dispatch.",
		},
		[]string{"role", "reason"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tagwire",
			Subsystem: "frames",
			Name:      "sent_total",
			Help:      "Frames written to the wire.",
		},
		[]string{"role", "kind"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tagwire",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Frame dispatch duration in seconds, including reply writes.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "success"},
	)
	pendingOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tagwire",
			Subsystem: "pending",
			Name:      "open",
			Help:      "Emitted refs awaiting a response.",
		},
		[]string{"role"},
	)
	pendingClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tagwire",
			Subsystem: "pending",
			Name:      "closed_total",
			Help:      "Emitted refs settled, by outcome.",
		},
		[]string{"role", "outcome"},
	)
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tagwire",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Open protocol connections.",
		},
		[]string{"role"},
	)
	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tagwire",
			Subsystem: "connections",
			Name:      "opened_total",
			Help:      "Protocol connections opened.",
		},
		[]string{"role"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			framesReceived,
			framesDropped,
			framesSent,
			dispatchDuration,
			pendingOpen,
			pendingClosed,
			connectionsActive,
			connectionsTotal,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// ConnectionOpened counts a new connection and returns the matching close func.
func ConnectionOpened(role string) func() {
	RegisterMetrics()
	connectionsTotal.WithLabelValues(role).Inc()
	connectionsActive.WithLabelValues(role).Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			connectionsActive.WithLabelValues(role).Dec()
		})
	}
}

// SessionRecorder reports session engine activity to the default registry.
type SessionRecorder struct{}

var _ session.Recorder = SessionRecorder{}

func NewSessionRecorder() SessionRecorder {
	RegisterMetrics()
	return SessionRecorder{}
}

func (SessionRecorder) FrameReceived(role string) {
	framesReceived.WithLabelValues(role).Inc()
}

func (SessionRecorder) FrameDropped(role, reason string) {
	framesDropped.WithLabelValues(role, reason).Inc()
}

// FrameSent labels by kind rather than event name to keep cardinality fixed.
func (SessionRecorder) FrameSent(role, event string) {
	kind := "request"
	if event == frame.EventResponse {
		kind = "response"
	}
	framesSent.WithLabelValues(role, kind).Inc()
}

func (SessionRecorder) Dispatched(role string, d time.Duration, err error) {
	dispatchDuration.WithLabelValues(role, strconv.FormatBool(err == nil)).Observe(d.Seconds())
}

func (SessionRecorder) PendingOpened(role string) {
	pendingOpen.WithLabelValues(role).Inc()
}

func (SessionRecorder) PendingClosed(role, outcome string) {
	pendingOpen.WithLabelValues(role).Dec()
	pendingClosed.WithLabelValues(role, outcome).Inc()
}
