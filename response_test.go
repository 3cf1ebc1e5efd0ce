package dnsframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func buildTestResponse(t *testing.T, bufs BufSource, hdr dnsmessage.Header, withOPT bool) *Response {
	t.Helper()

	qname, err := dnsmessage.NewName("example.com.")
	require.NoError(t, err)

	builder := NewResponseBuilder(bufs, hdr)
	require.NoError(t, builder.StartQuestions())
	require.NoError(t, builder.Question(dnsmessage.Question{Name: qname, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET}))

	require.NoError(t, builder.StartAnswers())
	require.NoError(t, builder.AResource(
		dnsmessage.ResourceHeader{Name: qname, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET, TTL: 300},
		dnsmessage.AResource{A: [4]byte{192, 0, 2, 1}},
	))

	if withOPT {
		require.NoError(t, builder.StartAdditionals())
		require.NoError(t, builder.OPTResource(
			dnsmessage.ResourceHeader{Name: dnsmessage.MustNewName(".")},
			dnsmessage.OPTResource{},
		))
	}

	msg, err := builder.Finish()
	require.NoError(t, err)
	return NewResponse(msg)
}

func TestResponseRawSkipsReservedPrefix(t *testing.T) {
	bufs := NewPoolBufSource(0)
	resp := buildTestResponse(t, bufs, dnsmessage.Header{ID: 1}, false)

	raw := resp.Raw()
	var p dnsmessage.Parser
	_, err := p.Start(raw)
	require.NoError(t, err)
}

func TestResponseStreamFrameEncodesLength(t *testing.T) {
	bufs := NewPoolBufSource(0)
	resp := buildTestResponse(t, bufs, dnsmessage.Header{ID: 1}, false)

	frame := resp.StreamFrame()
	require.Len(t, frame, 2+resp.Len())

	size := DecodeLength(frame)
	assert.Equal(t, uint16(resp.Len()), size)
}

func TestResponseSetIDQRRDTC(t *testing.T) {
	bufs := NewPoolBufSource(0)
	resp := buildTestResponse(t, bufs, dnsmessage.Header{}, false)

	resp.SetID(4242)
	resp.SetQR(true)
	resp.SetRD(true)
	resp.SetTC(true)

	assert.Equal(t, uint16(4242), resp.ID())
	assert.True(t, resp.TC())

	var p dnsmessage.Parser
	hdr, err := p.Start(resp.Raw())
	require.NoError(t, err)
	assert.True(t, hdr.Response)
	assert.True(t, hdr.RecursionDesired)
	assert.True(t, hdr.Truncated)
}

func TestResponseSetRCode(t *testing.T) {
	bufs := NewPoolBufSource(0)
	resp := buildTestResponse(t, bufs, dnsmessage.Header{}, false)

	resp.SetRCode(dnsmessage.RCodeNameError)

	var p dnsmessage.Parser
	hdr, err := p.Start(resp.Raw())
	require.NoError(t, err)
	assert.Equal(t, dnsmessage.RCodeNameError, hdr.RCode)
}

func TestResponseTruncateToMinimalDropsAnswers(t *testing.T) {
	bufs := NewPoolBufSource(0)
	resp := buildTestResponse(t, bufs, dnsmessage.Header{}, true)

	require.NoError(t, resp.TruncateToMinimal(bufs))

	var p dnsmessage.Parser
	_, err := p.Start(resp.Raw())
	require.NoError(t, err)

	questions, err := p.AllQuestions()
	require.NoError(t, err)
	assert.Len(t, questions, 1)

	answers, err := p.AllAnswers()
	require.NoError(t, err)
	assert.Empty(t, answers)

	hdr, _, err := resp.OPT()
	require.NoError(t, err)
	assert.NotNil(t, hdr, "an existing OPT record survives truncation")
}

func TestResponseStripOPTRemovesOPTButKeepsOtherSections(t *testing.T) {
	bufs := NewPoolBufSource(0)
	resp := buildTestResponse(t, bufs, dnsmessage.Header{}, true)

	hdr, _, err := resp.OPT()
	require.NoError(t, err)
	require.NotNil(t, hdr)

	require.NoError(t, resp.StripOPT(bufs))

	hdr, _, err = resp.OPT()
	require.NoError(t, err)
	assert.Nil(t, hdr)

	var p dnsmessage.Parser
	_, err = p.Start(resp.Raw())
	require.NoError(t, err)
	answers, err := p.AllAnswers()
	require.NoError(t, err)
	assert.Len(t, answers, 1)
}

func TestResponseSetOPTOptionCreatesOPTWhenAbsent(t *testing.T) {
	bufs := NewPoolBufSource(0)
	resp := buildTestResponse(t, bufs, dnsmessage.Header{}, false)

	require.NoError(t, resp.SetOPTOption(bufs, 10, []byte("cookie-data")))

	hdr, body, err := resp.OPT()
	require.NoError(t, err)
	require.NotNil(t, hdr)
	require.Len(t, body.Options, 1)
	assert.Equal(t, uint16(10), body.Options[0].Code)
	assert.Equal(t, []byte("cookie-data"), body.Options[0].Data)
}

func TestResponseSetOPTOptionReplacesExistingCode(t *testing.T) {
	bufs := NewPoolBufSource(0)
	resp := buildTestResponse(t, bufs, dnsmessage.Header{}, false)

	require.NoError(t, resp.SetOPTOption(bufs, 10, []byte("first")))
	require.NoError(t, resp.SetOPTOption(bufs, 10, []byte("second")))

	_, body, err := resp.OPT()
	require.NoError(t, err)
	require.Len(t, body.Options, 1)
	assert.Equal(t, []byte("second"), body.Options[0].Data)
}

func TestNewResponsePanicsOnUndersizedBuffer(t *testing.T) {
	assert.Panics(t, func() {
		NewResponse(make([]byte, 4))
	})
}
