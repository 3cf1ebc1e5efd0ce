package middleware

import (
	"context"

	"github.com/jmanero/go-logging"
	"go.uber.org/zap"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/jmanero/dnsframe"
)

// Mandatory enforces the RFC MUST requirements every response needs
// regardless of zone or service: it must be first in the chain when
// present. Grounded on
// original_source/src/net/server/middleware/processors/mandatory.rs,
// reworked from the Rust ControlFlow/AdditionalBuilder types into Go error
// returns and the framework's Response type.
type Mandatory struct{}

var _ Processor = Mandatory{}

// NewMandatory constructs the mandatory processor.
func NewMandatory() Mandatory { return Mandatory{} }

// Preprocess implements RFC 6891 §6.1.1 (multi-OPT FORMERR), §6.2.3
// (requestor's UDP payload size, floored at 512), and rejects non-QUERY
// opcodes with NOTIMP.
func (Mandatory) Preprocess(ctx context.Context, bufs dnsframe.BufSource, req *dnsframe.Request) (*dnsframe.Response, error) {
	opts, err := findOPTs(req)
	if err != nil {
		return nil, err
	}

	if len(opts) > 1 {
		logging.Debug(ctx, "mandatory.multi-opt", zap.Int("count", len(opts)))
		return buildError(bufs, req, dnsmessage.RCodeFormatError), nil
	}

	if len(opts) == 1 && req.IsUDP() {
		payloadSize := uint16(opts[0].header.Class)
		if payloadSize < minUDPPayloadSizeClass {
			logging.Debug(ctx, "mandatory.small-udp-payload-size", zap.Uint16("size", payloadSize))
		} else if req.MaxResponseSizeHint() == 0 {
			req.SetMaxResponseSizeHint(payloadSize)
		}
	}

	if req.OpCode != dnsmessage.OpCode(0) {
		// Non-QUERY opcodes (UPDATE, NOTIFY, etc.) are out of this
		// core's scope; reject them rather than guess at semantics a
		// user service hasn't implemented.
		return buildError(bufs, req, dnsmessage.RCodeNotImplemented), nil
	}

	return nil, nil
}

// Postprocess copies the request ID into the response, sets QR, copies RD,
// truncates an oversized UDP response, and strips any OPT record the
// request didn't have.
func (Mandatory) Postprocess(ctx context.Context, bufs dnsframe.BufSource, req *dnsframe.Request, resp *dnsframe.Response) {
	resp.SetID(req.ID)
	resp.SetQR(true)
	resp.SetRD(req.RecursionDesired)

	if req.IsUDP() && req.MaxResponseSizeHint() > 0 && resp.Len() > int(req.MaxResponseSizeHint()) {
		if err := resp.TruncateToMinimal(bufs); err != nil {
			logging.Error(ctx, "mandatory.truncate", zap.Error(err))
		} else {
			resp.SetTC(true)
			resp.SetID(req.ID)
			resp.SetQR(true)
			resp.SetRD(req.RecursionDesired)
		}
	}

	reqHasOPT, err := requestHasOPT(req)
	if err != nil {
		logging.Error(ctx, "mandatory.request-opt", zap.Error(err))
		return
	}
	if reqHasOPT {
		return
	}

	respHdr, _, err := resp.OPT()
	if err != nil {
		logging.Error(ctx, "mandatory.response-opt", zap.Error(err))
		return
	}
	if respHdr == nil {
		return
	}

	if err := resp.StripOPT(bufs); err != nil {
		logging.Error(ctx, "mandatory.strip-opt", zap.Error(err))
	}
}

// minUDPPayloadSizeClass mirrors dnsframe's minUDPPayloadSize; kept
// separate so this package doesn't reach into dnsframe's unexported floor.
const minUDPPayloadSizeClass = 512

type optRecord struct {
	header dnsmessage.ResourceHeader
	body   dnsmessage.OPTResource
}

// findOPTs scans the request's additional section for OPT records. It
// re-parses the request's raw bytes from scratch (Request.Reparse) rather
// than advancing Request.Parser, since the service still needs to read the
// question section from that cursor exactly once.
func findOPTs(req *dnsframe.Request) ([]optRecord, error) {
	p, err := req.Reparse()
	if err != nil {
		return nil, err
	}

	if _, err := p.AllQuestions(); err != nil {
		return nil, err
	}
	if err := p.SkipAllAnswers(); err != nil {
		return nil, err
	}
	if err := p.SkipAllAuthorities(); err != nil {
		return nil, err
	}

	var opts []optRecord
	for {
		rh, err := p.AdditionalHeader()
		if err == dnsmessage.ErrSectionDone {
			break
		}
		if err != nil {
			return nil, err
		}
		if rh.Type != dnsmessage.TypeOPT {
			if err := p.SkipAdditional(); err != nil {
				return nil, err
			}
			continue
		}

		body, err := p.OPTResource()
		if err != nil {
			return nil, err
		}
		opts = append(opts, optRecord{header: rh, body: body})
	}

	return opts, nil
}

func requestHasOPT(req *dnsframe.Request) (bool, error) {
	opts, err := findOPTs(req)
	if err != nil {
		return false, err
	}
	return len(opts) > 0, nil
}

// buildError constructs a minimal header-only error response carrying the
// request's ID and opcode, QR and RCode; the question is not echoed.
func buildError(bufs dnsframe.BufSource, req *dnsframe.Request, rcode dnsmessage.RCode) *dnsframe.Response {
	builder := dnsframe.NewResponseBuilder(bufs, dnsmessage.Header{
		ID:       req.ID,
		Response: true,
		OpCode:   req.OpCode,
		RCode:    rcode,
	})

	msg, err := builder.Finish()
	if err != nil {
		// A bare header always fits; Finish only fails on append errors
		// from section content, which there is none of here.
		panic(err)
	}

	return dnsframe.NewResponse(msg)
}
