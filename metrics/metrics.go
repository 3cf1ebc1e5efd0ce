// Package metrics exposes the counters and gauges every datagram and
// stream server instance needs for production observability, grounded on
// the promauto idiom in siderolabs-coredns/plugin/pkg/proxy/metrics.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the Prometheus namespace every dnsframe metric is registered
// under.
const Namespace = "dnsframe"

// Set is the shared metrics aggregate one datagram or stream server
// instance holds. Multiple goroutines serving the same socket (fan-out)
// share one Set; snapshots are read-only and exact consistency across
// counters is not guaranteed.
type Set struct {
	Connections      prometheus.Gauge
	InflightRequests prometheus.Gauge
	PendingWrites    prometheus.Gauge
	ReceivedRequests prometheus.Counter
	SentResponses    prometheus.Counter
}

// NewSet constructs a Set registered under subsystem (e.g. "datagram" or
// "stream") so the two transports' metrics are distinguishable.
func NewSet(subsystem string) *Set {
	return &Set{
		Connections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently open connections.",
		}),
		InflightRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "inflight_requests",
			Help:      "Number of requests currently being processed.",
		}),
		PendingWrites: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "pending_writes",
			Help:      "Number of responses queued to be written to a client.",
		}),
		ReceivedRequests: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total number of requests received.",
		}),
		SentResponses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "responses_total",
			Help:      "Total number of responses sent.",
		}),
	}
}

// ConnectionOpened increments the connection gauge. Stream servers call it
// per accepted connection; the datagram Serve loop calls it once per
// served socket.
func (s *Set) ConnectionOpened() { s.Connections.Inc() }

// ConnectionClosed decrements the connection gauge.
func (s *Set) ConnectionClosed() { s.Connections.Dec() }

// RequestReceived increments the received-request counter and the
// in-flight gauge.
func (s *Set) RequestReceived() {
	s.ReceivedRequests.Inc()
	s.InflightRequests.Inc()
}

// RequestCompleted decrements the in-flight gauge once a request's
// transaction has been fully drained.
func (s *Set) RequestCompleted() { s.InflightRequests.Dec() }

// ResponseSent increments the sent-response counter.
func (s *Set) ResponseSent() { s.SentResponses.Inc() }

// WriteQueued increments the pending-writes gauge.
func (s *Set) WriteQueued() { s.PendingWrites.Inc() }

// WriteFlushed decrements the pending-writes gauge.
func (s *Set) WriteFlushed() { s.PendingWrites.Dec() }
