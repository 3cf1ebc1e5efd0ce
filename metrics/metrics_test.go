package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetRequestLifecycleCounters(t *testing.T) {
	s := NewSet("test_request_lifecycle")

	s.RequestReceived()
	assert.InDelta(t, 1, testutil.ToFloat64(s.ReceivedRequests), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(s.InflightRequests), 0)

	s.RequestCompleted()
	assert.InDelta(t, 0, testutil.ToFloat64(s.InflightRequests), 0)

	s.ResponseSent()
	assert.InDelta(t, 1, testutil.ToFloat64(s.SentResponses), 0)
}

func TestSetConnectionGauge(t *testing.T) {
	s := NewSet("test_connection_gauge")

	s.ConnectionOpened()
	s.ConnectionOpened()
	assert.InDelta(t, 2, testutil.ToFloat64(s.Connections), 0)

	s.ConnectionClosed()
	assert.InDelta(t, 1, testutil.ToFloat64(s.Connections), 0)
}

func TestSetPendingWritesGauge(t *testing.T) {
	s := NewSet("test_pending_writes_gauge")

	s.WriteQueued()
	assert.InDelta(t, 1, testutil.ToFloat64(s.PendingWrites), 0)

	s.WriteFlushed()
	assert.InDelta(t, 0, testutil.ToFloat64(s.PendingWrites), 0)
}

func TestNewSetDistinguishesSubsystems(t *testing.T) {
	stream := NewSet("test_distinguishes_stream")
	datagram := NewSet("test_distinguishes_datagram")

	stream.ConnectionOpened()
	assert.InDelta(t, 1, testutil.ToFloat64(stream.Connections), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(datagram.Connections), 0)
}
