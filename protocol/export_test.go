package protocol

import "github.com/prometheus/client_golang/prometheus"

// InvalidFramesCounter exposes the invalid frame counter to external tests
func InvalidFramesCounter() prometheus.Counter {
	return invalidFramesTotal
}

// RequestsCounter exposes one requests_total series to external tests
func RequestsCounter(op byte, result string) prometheus.Counter {
	return requestsTotal.WithLabelValues(OpName(op), result)
}

// Queued returns how many callers wait for key to become free
func Queued(t *HostTransport, key byte) int {
	t.pending.mu.Lock()
	defer t.pending.mu.Unlock()
	return len(t.pending.queues[key])
}
