package observability

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/peerwire/internal/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerwire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	wireFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwire",
			Subsystem: "wire",
			Name:      "frames_total",
			Help:      "Frames exchanged with peers.",
		},
		[]string{"node", "direction", "message"},
	)
	wireBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwire",
			Subsystem: "wire",
			Name:      "bytes_total",
			Help:      "Frame bytes exchanged with peers.",
		},
		[]string{"node", "direction"},
	)
	wireDecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwire",
			Subsystem: "wire",
			Name:      "decode_errors_total",
			Help:      "Frames that failed to decode.",
		},
		[]string{"node", "class"},
	)
	wireDispatch = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerwire",
			Subsystem: "wire",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent delivering one message to agents.",
			Buckets:   []float64{.00001, .0001, .001, .01, .1},
		},
		[]string{"node"},
	)
	wireProducerSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwire",
			Subsystem: "wire",
			Name:      "producer_skipped_total",
			Help:      "Produced extension messages dropped before negotiation.",
		},
		[]string{"node"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peerwire",
			Subsystem: "peer",
			Name:      "sessions_active",
			Help:      "Open peer sessions.",
		},
		[]string{"node", "direction"},
	)
	lifecycleStages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwire",
			Subsystem: "lifecycle",
			Name:      "stages_total",
			Help:      "Lifecycle stage runs by outcome.",
		},
		[]string{"node", "event", "stage", "success"},
	)
	// MessagesReceived is exported per message kind by the stats agent.
	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwire",
			Subsystem: "wire",
			Name:      "messages_received_total",
			Help:      "Decoded messages delivered to agents.",
		},
		[]string{"message"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			wireFrames,
			wireBytes,
			wireDecodeErrors,
			wireDispatch,
			wireProducerSkipped,
			sessionsActive,
			lifecycleStages,
			MessagesReceived,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// SessionOpened adjusts the active session gauge and returns the matching
// close func.
func SessionOpened(node string, outgoing bool) func() {
	RegisterMetrics()
	direction := directionLabel(outgoing)
	sessionsActive.WithLabelValues(node, direction).Inc()
	var once sync.Once
	return func() {
		once.Do(func() { sessionsActive.WithLabelValues(node, direction).Dec() })
	}
}

func directionLabel(outgoing bool) string {
	if outgoing {
		return "outgoing"
	}
	return "incoming"
}

// WireMetrics records per-frame session observations for one node.
type WireMetrics struct {
	node string
}

func NewWireMetrics(node string) WireMetrics {
	RegisterMetrics()
	return WireMetrics{node: node}
}

func (m WireMetrics) FrameIn(kind string, size int) {
	wireFrames.WithLabelValues(m.node, "in", kind).Inc()
	wireBytes.WithLabelValues(m.node, "in").Add(float64(size))
}

func (m WireMetrics) FrameOut(kind string, size int) {
	wireFrames.WithLabelValues(m.node, "out", kind).Inc()
	wireBytes.WithLabelValues(m.node, "out").Add(float64(size))
}

func (m WireMetrics) DecodeError(class string) {
	wireDecodeErrors.WithLabelValues(m.node, class).Inc()
}

func (m WireMetrics) Dispatch(d time.Duration) {
	wireDispatch.WithLabelValues(m.node).Observe(d.Seconds())
}

func (m WireMetrics) ProducerSkipped(n int) {
	wireProducerSkipped.WithLabelValues(m.node).Add(float64(n))
}

// StageInterceptor counts lifecycle stage outcomes. Register it first so it
// observes the effect of every later interceptor.
func StageInterceptor(node string) lifecycle.Interceptor {
	RegisterMetrics()
	return lifecycle.InterceptorFunc(func(sc lifecycle.StageContext, next lifecycle.Stage) lifecycle.Stage {
		return func(ctx context.Context) error {
			err := next(ctx)
			lifecycleStages.WithLabelValues(node, string(sc.Event), sc.Stage, strconv.FormatBool(err == nil)).Inc()
			return err
		}
	})
}
