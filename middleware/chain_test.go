package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/jmanero/dnsframe"
)

// recordingProcessor records every Preprocess/Postprocess call it observes
// and optionally short-circuits with a response.
type recordingProcessor struct {
	name    string
	breakOn bool
	pre     *[]string
	post    *[]string
}

func (p *recordingProcessor) Preprocess(ctx context.Context, bufs dnsframe.BufSource, req *dnsframe.Request) (*dnsframe.Response, error) {
	*p.pre = append(*p.pre, p.name)
	if p.breakOn {
		builder := dnsframe.NewResponseBuilder(bufs, dnsmessage.Header{RCode: dnsmessage.RCodeRefused})
		msg, err := builder.Finish()
		require_noError(err)
		return dnsframe.NewResponse(msg), nil
	}
	return nil, nil
}

func (p *recordingProcessor) Postprocess(ctx context.Context, bufs dnsframe.BufSource, req *dnsframe.Request, resp *dnsframe.Response) {
	*p.post = append(*p.post, p.name)
}

func require_noError(err error) {
	if err != nil {
		panic(err)
	}
}

func TestChainPreprocessRunsEveryProcessorWhenNoneBreak(t *testing.T) {
	var pre, post []string
	chain := NewChain(
		&recordingProcessor{name: "a", pre: &pre, post: &post},
		&recordingProcessor{name: "b", pre: &pre, post: &post},
		&recordingProcessor{name: "c", pre: &pre, post: &post},
	)

	bufs := dnsframe.NewPoolBufSource(0)
	req := &dnsframe.Request{}

	resp, lastIdx, err := chain.Preprocess(context.Background(), bufs, req)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 2, lastIdx)
	assert.Equal(t, []string{"a", "b", "c"}, pre)
}

func TestChainPreprocessBreaksAndPostprocessWalksBackward(t *testing.T) {
	var pre, post []string
	chain := NewChain(
		&recordingProcessor{name: "a", pre: &pre, post: &post},
		&recordingProcessor{name: "b", breakOn: true, pre: &pre, post: &post},
		&recordingProcessor{name: "c", pre: &pre, post: &post},
	)

	bufs := dnsframe.NewPoolBufSource(0)
	req := &dnsframe.Request{}

	resp, lastIdx, err := chain.Preprocess(context.Background(), bufs, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 1, lastIdx)
	assert.Equal(t, []string{"a", "b"}, pre, "processor c must not observe Preprocess after b breaks")

	chain.Postprocess(context.Background(), bufs, req, resp, lastIdx)
	assert.Equal(t, []string{"b", "a"}, post, "postprocess walks backward from the breaking index")
}

func TestChainLen(t *testing.T) {
	chain := NewChain(&recordingProcessor{pre: new([]string), post: new([]string)})
	assert.Equal(t, 1, chain.Len())

	empty := NewChain()
	assert.Equal(t, 0, empty.Len())
}
