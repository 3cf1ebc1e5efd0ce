package middleware

import (
	"context"

	"github.com/jmanero/go-logging"
	"go.uber.org/zap"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/jmanero/dnsframe"
)

// ednsVersion is the highest EDNS(0) version this core understands.
// RFC 6891 defines only version 0; a later EDNS revision would bump this.
const ednsVersion = 0

// rcodeBadVersion is RFC 6891's extended RCODE 16 (BADVERS), outside the
// 4-bit range golang.org/x/net/dns/dnsmessage.RCode represents. Its upper
// 8 bits (1) go into an OPT record's TTL and its low 4 bits (0) into the
// header's RCode.
const rcodeBadVersion = 16

// OPT TTL bit layout (RFC 6891 §6.1.3): the upper 8 bits of the 12-bit
// extended RCODE in the top byte, version in the next byte, the DO bit as
// the high bit of what remains.
const (
	optExtendedRCodeShift = 24
	optVersionShift       = 16
	optDOFlag             = 1 << 15
)

func optVersion(ttl uint32) uint8 {
	return uint8(ttl >> optVersionShift)
}

func optDO(ttl uint32) bool {
	return ttl&optDOFlag != 0
}

func makeOPTTTL(extendedRCode uint8, version uint8, do bool) uint32 {
	ttl := uint32(extendedRCode)<<optExtendedRCodeShift | uint32(version)<<optVersionShift
	if do {
		ttl |= optDOFlag
	}
	return ttl
}

// EDNS validates the EDNS(0) OPT record's advertised version and removes a
// response OPT record when the request carried none. It does not add an
// OPT record to a response that lacks one, and it does not change the DO
// bit.
type EDNS struct{}

var _ Processor = EDNS{}

// NewEDNS constructs the EDNS processor.
func NewEDNS() EDNS { return EDNS{} }

// Preprocess replies BADVERS, with an OPT echoing this server's highest
// supported version, when the request's OPT carries an unknown version.
func (EDNS) Preprocess(ctx context.Context, bufs dnsframe.BufSource, req *dnsframe.Request) (*dnsframe.Response, error) {
	opts, err := findOPTs(req)
	if err != nil {
		return nil, err
	}
	if len(opts) == 0 {
		return nil, nil
	}

	version := optVersion(uint32(opts[0].header.TTL))
	if version <= ednsVersion {
		return nil, nil
	}

	logging.Debug(ctx, "edns.badvers", zap.Uint8("version", version))

	builder := dnsframe.NewResponseBuilder(bufs, dnsmessage.Header{
		ID:       req.ID,
		Response: true,
		OpCode:   req.OpCode,
	})
	if err := builder.StartAdditionals(); err != nil {
		return nil, err
	}
	if err := builder.OPTResource(
		dnsmessage.ResourceHeader{
			Name:  dnsmessage.MustNewName("."),
			Class: dnsmessage.Class(minUDPPayloadSizeClass),
			TTL:   makeOPTTTL(rcodeBadVersion>>4, ednsVersion, false),
		},
		dnsmessage.OPTResource{},
	); err != nil {
		return nil, err
	}

	msg, err := builder.Finish()
	if err != nil {
		return nil, err
	}

	return dnsframe.NewResponse(msg), nil
}

// Postprocess strips the response's OPT record when the request had none.
// A response without an OPT record to a request that had one is left as
// it is, and the DO bit is never modified.
func (EDNS) Postprocess(ctx context.Context, bufs dnsframe.BufSource, req *dnsframe.Request, resp *dnsframe.Response) {
	reqOpts, err := findOPTs(req)
	if err != nil {
		logging.Error(ctx, "edns.request-opt", zap.Error(err))
		return
	}

	respHdr, _, err := resp.OPT()
	if err != nil {
		logging.Error(ctx, "edns.response-opt", zap.Error(err))
		return
	}

	switch {
	case len(reqOpts) == 0 && respHdr != nil:
		if err := resp.StripOPT(bufs); err != nil {
			logging.Error(ctx, "edns.strip-opt", zap.Error(err))
		}
	case len(reqOpts) > 0 && respHdr == nil:
		// The service answered without EDNS awareness; the mandatory
		// processor's truncation path is the only other place that
		// rebuilds responses, and it preserves an existing OPT rather
		// than inventing one, so there is nothing further to add here
		// without guessing at a payload size the service didn't ask for.
	}
}
