package middleware

import (
	"context"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/jmanero/dnsframe"
	"github.com/jmanero/dnsframe/xfr"
	"github.com/jmanero/dnsframe/zone"
)

// XFR is a Service decorator, not a chain Processor: an AXFR/IXFR query
// resolves to a Stream Transaction of many messages, which the
// Preprocess/Postprocess contract (one Response per request) cannot
// express. It wraps an inner Service, short-circuiting AXFR/IXFR queries
// into a Transaction.Stream and delegating everything else unchanged.
type XFR struct {
	Next  dnsframe.Service
	Zones *zone.Tree
	Pool  *xfr.Pool
	Bufs  dnsframe.BufSource
}

var _ dnsframe.Service = (*XFR)(nil)

// NewXFR constructs an XFR service decorator with its own transfer worker
// pool, sized per xfr.NewPool's default.
func NewXFR(next dnsframe.Service, zones *zone.Tree, bufs dnsframe.BufSource) *XFR {
	return &XFR{Next: next, Zones: zones, Pool: xfr.NewPool(0), Bufs: bufs}
}

// Call inspects the request's question; AXFR/IXFR queries over a stream
// transport are served directly, AXFR/IXFR over datagram is refused with
// NOTIMP (RFC 5936/1995 assume a reliable transport), and anything else is
// forwarded to Next.
func (x *XFR) Call(req *dnsframe.Request) (dnsframe.Transaction, error) {
	parser, err := req.Reparse()
	if err != nil {
		return x.Next.Call(req)
	}
	questions, err := parser.AllQuestions()
	if err != nil || len(questions) == 0 {
		return x.Next.Call(req)
	}

	q := questions[0]
	if q.Type != dnsmessage.TypeAXFR && q.Type != xfr.TypeIXFR {
		return x.Next.Call(req)
	}

	if req.IsUDP() {
		return dnsframe.Single(func(context.Context) (*dnsframe.CallResult, error) {
			return dnsframe.NewCallResult(buildNOTIMP(x.Bufs, req, q)), nil
		}), nil
	}

	zn := x.Zones.FindZone(q.Name, q.Class)
	if zn == nil {
		return dnsframe.Single(func(context.Context) (*dnsframe.CallResult, error) {
			return dnsframe.NewCallResult(buildRefused(x.Bufs, req, q)), nil
		}), nil
	}

	ctx := req.Context()
	if q.Type == dnsmessage.TypeAXFR {
		return xfr.AXFR(ctx, x.Pool, x.Bufs, q, zn.Read()), nil
	}

	clientSerial, err := requestSerial(req)
	if err != nil {
		return dnsframe.Single(func(context.Context) (*dnsframe.CallResult, error) {
			return dnsframe.NewCallResult(buildError(x.Bufs, req, dnsmessage.RCodeFormatError)), nil
		}), nil
	}

	return xfr.IXFR(ctx, x.Pool, x.Bufs, q, zn, clientSerial), nil
}

// requestSerial extracts the client's reported serial from an IXFR
// query's authority section SOA record (RFC 1995 §3).
func requestSerial(req *dnsframe.Request) (uint32, error) {
	parser, err := req.Reparse()
	if err != nil {
		return 0, err
	}
	if _, err := parser.AllQuestions(); err != nil {
		return 0, err
	}
	if err := parser.SkipAllAnswers(); err != nil {
		return 0, err
	}

	for {
		rh, err := parser.AuthorityHeader()
		if err == dnsmessage.ErrSectionDone {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		if rh.Type != dnsmessage.TypeSOA {
			if err := parser.SkipAuthority(); err != nil {
				return 0, err
			}
			continue
		}
		soa, err := parser.SOAResource()
		if err != nil {
			return 0, err
		}
		return soa.Serial, nil
	}
}

func buildNOTIMP(bufs dnsframe.BufSource, req *dnsframe.Request, q dnsmessage.Question) *dnsframe.Response {
	return buildQuestionError(bufs, req, q, dnsmessage.RCodeNotImplemented)
}

func buildRefused(bufs dnsframe.BufSource, req *dnsframe.Request, q dnsmessage.Question) *dnsframe.Response {
	return buildQuestionError(bufs, req, q, dnsmessage.RCodeRefused)
}

func buildQuestionError(bufs dnsframe.BufSource, req *dnsframe.Request, q dnsmessage.Question, rcode dnsmessage.RCode) *dnsframe.Response {
	builder := dnsframe.NewResponseBuilder(bufs, dnsmessage.Header{
		ID: req.Header.ID, Response: true, RCode: rcode,
	})
	if err := builder.StartQuestions(); err != nil {
		return buildError(bufs, req, dnsmessage.RCodeServerFailure)
	}
	if err := builder.Question(q); err != nil {
		return buildError(bufs, req, dnsmessage.RCodeServerFailure)
	}
	msg, err := builder.Finish()
	if err != nil {
		return buildError(bufs, req, dnsmessage.RCodeServerFailure)
	}
	return dnsframe.NewResponse(msg)
}
