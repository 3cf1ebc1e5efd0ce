// Package middleware implements the preprocess/postprocess chain: an
// immutable, ordered list of processors that can
// short-circuit a request and that uniformly apply RFC-mandated response
// shaping. Grounded on original_source/src/net/server/middleware/chain.rs,
// reworked from Rust's ControlFlow/Arc<Vec<Box<dyn _>>> into a plain Go
// slice of an interface, since the teacher's handler-chain idiom (plain
// functions over an interface, no dynamic dispatch tricks) is the better
// fit than porting Rust's trait-object chain literally.
package middleware

import (
	"context"

	"github.com/jmanero/dnsframe"
)

// Processor is one link in a Chain. Preprocess may inspect or modify the
// request; returning a non-nil Response short-circuits the chain —
// postprocess then starts at this processor and walks backward to index 0.
// Postprocess inspects or modifies the response after the service (or an
// earlier Break) produced
// it. Processors must be deterministic with respect to the request and
// must not block.
type Processor interface {
	Preprocess(ctx context.Context, bufs dnsframe.BufSource, req *dnsframe.Request) (*dnsframe.Response, error)
	Postprocess(ctx context.Context, bufs dnsframe.BufSource, req *dnsframe.Request, resp *dnsframe.Response)
}

// Chain is an immutable ordered list of Processors. It is constructed once
// and shared by pointer across servers; nothing mutates it after NewChain
// returns.
type Chain struct {
	processors []Processor
}

// NewChain builds a Chain from the given processors, evaluated in the
// order given during Preprocess and in reverse during Postprocess.
func NewChain(processors ...Processor) *Chain {
	cp := make([]Processor, len(processors))
	copy(cp, processors)
	return &Chain{processors: cp}
}

// Len returns the number of processors in the chain.
func (c *Chain) Len() int { return len(c.processors) }

// Preprocess walks the chain forward. It returns a non-nil Response when a
// processor decided to terminate request processing early, along with the
// index of that processor so the caller can pass it to Postprocess. When
// every processor continues, the returned index is len(chain)-1 (or -1 for
// an empty chain), meaning postprocess should run every processor.
func (c *Chain) Preprocess(ctx context.Context, bufs dnsframe.BufSource, req *dnsframe.Request) (resp *dnsframe.Response, lastIdx int, err error) {
	for i, p := range c.processors {
		resp, err = p.Preprocess(ctx, bufs, req)
		if err != nil {
			return nil, i, err
		}
		if resp != nil {
			return resp, i, nil
		}
	}

	return nil, len(c.processors) - 1, nil
}

// Postprocess walks the chain backward from lastIdx (inclusive) to 0,
// invoking each processor's Postprocess. Only processors whose Preprocess
// ran are invoked here: for a Break at index i, only processors [0..i]
// observe postprocess.
func (c *Chain) Postprocess(ctx context.Context, bufs dnsframe.BufSource, req *dnsframe.Request, resp *dnsframe.Response, lastIdx int) {
	if lastIdx >= len(c.processors) {
		lastIdx = len(c.processors) - 1
	}

	for i := lastIdx; i >= 0; i-- {
		c.processors[i].Postprocess(ctx, bufs, req, resp)
	}
}
