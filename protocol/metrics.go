package protocol

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes recorded in the requests_total metric
const (
	resultOK           = "ok"
	resultSent         = "sent"
	resultTimeout      = "timeout"
	resultDeviceError  = "device_error"
	resultClosed       = "closed"
	resultWriteFailure = "write_failure"
	resultBusy         = "busy"
	resultCanceled     = "canceled"
	resultTooLarge     = "too_large"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vsido",
			Subsystem: "protocol",
			Name:      "frames_total",
			Help:      "Frames written to or decoded from the serial link.",
		},
		[]string{"direction", "op"},
	)
	invalidFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vsido",
			Subsystem: "protocol",
			Name:      "invalid_frames_total",
			Help:      "Candidate frames rejected by length or checksum validation.",
		},
	)
	telemetryFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vsido",
			Subsystem: "protocol",
			Name:      "telemetry_frames_total",
			Help:      "Decoded frames that matched no pending request.",
		},
		[]string{"op"},
	)
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vsido",
			Subsystem: "protocol",
			Name:      "requests_total",
			Help:      "Send calls by opcode and outcome.",
		},
		[]string{"op", "result"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vsido",
			Subsystem: "protocol",
			Name:      "request_duration_seconds",
			Help:      "Time from Send to reply for requests expecting one.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"op"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vsido",
			Subsystem: "protocol",
			Name:      "pending_requests",
			Help:      "Requests currently awaiting a reply.",
		},
	)
)

// RegisterMetrics registers the protocol collectors with reg, or with the
// default registerer when reg is nil. Safe to call more than once.
func RegisterMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(framesTotal, invalidFramesTotal, telemetryFramesTotal, requestsTotal, requestDuration, pendingRequests)
	})
}

func recordFrame(direction string, op byte) {
	framesTotal.WithLabelValues(direction, OpName(op)).Inc()
}

func recordRequest(op byte, result string) {
	requestsTotal.WithLabelValues(OpName(op), result).Inc()
}

func recordRequestDuration(op byte, d time.Duration) {
	requestDuration.WithLabelValues(OpName(op)).Observe(d.Seconds())
}
