package dnsframe

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func buildQueryBytes(t *testing.T, name string) []byte {
	t.Helper()

	qname, err := dnsmessage.NewName(name)
	require.NoError(t, err)

	builder := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: 42, RecursionDesired: true})
	require.NoError(t, builder.StartQuestions())
	require.NoError(t, builder.Question(dnsmessage.Question{
		Name: qname, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET,
	}))

	buf, err := builder.Finish()
	require.NoError(t, err)
	return buf
}

func TestRequestStartParsesHeaderAndRecordsRaw(t *testing.T) {
	buf := buildQueryBytes(t, "example.com.")

	req := &Request{RemoteAddr: &net.UDPAddr{}, Transport: TransportUDP}
	hdr, err := req.Start(buf)
	require.NoError(t, err)

	assert.Equal(t, uint16(42), hdr.ID)
	assert.True(t, hdr.RecursionDesired)
	assert.Equal(t, buf, req.Raw())
}

func TestRequestReparseIsIndependentOfEmbeddedParser(t *testing.T) {
	buf := buildQueryBytes(t, "example.com.")

	req := &Request{}
	_, err := req.Start(buf)
	require.NoError(t, err)

	// Consume the embedded parser's question section.
	_, err = req.AllQuestions()
	require.NoError(t, err)

	// Reparse must still see the question from scratch.
	p, err := req.Reparse()
	require.NoError(t, err)

	questions, err := p.AllQuestions()
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, "example.com.", questions[0].Name.String())
}

func TestRequestWithContextClonesWithoutMutatingOriginal(t *testing.T) {
	req := &Request{}
	assert.Equal(t, context.Background(), req.Context())

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	clone := req.WithContext(ctx)

	assert.Equal(t, context.Background(), req.Context())
	assert.Equal(t, ctx, clone.Context())
}

func TestRequestMaxResponseSizeHintFloorsToMinimum(t *testing.T) {
	req := &Request{}
	assert.Equal(t, uint16(0), req.MaxResponseSizeHint())

	req.SetMaxResponseSizeHint(128)
	assert.Equal(t, uint16(minUDPPayloadSize), req.MaxResponseSizeHint())

	req.SetMaxResponseSizeHint(4096)
	assert.Equal(t, uint16(4096), req.MaxResponseSizeHint())
}

func TestRequestIsUDP(t *testing.T) {
	udp := &Request{Transport: TransportUDP}
	tcp := &Request{Transport: TransportTCP}

	assert.True(t, udp.IsUDP())
	assert.False(t, tcp.IsUDP())
}

func TestTransportString(t *testing.T) {
	assert.Equal(t, "udp", TransportUDP.String())
	assert.Equal(t, "tcp", TransportTCP.String())
	assert.Equal(t, "unknown", Transport(99).String())
}
