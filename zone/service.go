package zone

import (
	"context"
	"fmt"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/jmanero/dnsframe"
)

// Service answers QUERY requests by looking names up in a Tree, the
// reference dnsframe.Service implementation demonstrating how a zone-
// backed responder plugs into the framework.
type Service struct {
	Tree *Tree
	Bufs dnsframe.BufSource
}

var _ dnsframe.Service = (*Service)(nil)

// NewService constructs a zone-backed Service over tree.
func NewService(tree *Tree, bufs dnsframe.BufSource) *Service {
	return &Service{Tree: tree, Bufs: bufs}
}

// Call resolves the request's first question against the Tree and builds
// a single response reflecting the Answer's kind.
func (s *Service) Call(req *dnsframe.Request) (dnsframe.Transaction, error) {
	return dnsframe.Single(func(context.Context) (*dnsframe.CallResult, error) {
		questions, err := req.AllQuestions()
		if err != nil {
			return nil, fmt.Errorf("zone: reading questions: %w", err)
		}
		if len(questions) != 1 {
			return dnsframe.NewCallResult(s.buildRCode(req, questions, dnsmessage.RCodeFormatError)), nil
		}

		q := questions[0]
		zn := s.Tree.FindZone(q.Name, q.Class)
		if zn == nil {
			return dnsframe.NewCallResult(s.buildRCode(req, questions, dnsmessage.RCodeRefused)), nil
		}

		answer := zn.Read().Query(q.Name, q.Type)
		return dnsframe.NewCallResult(s.buildAnswer(req, q, answer)), nil
	}), nil
}

func (s *Service) buildRCode(req *dnsframe.Request, questions []dnsmessage.Question, rcode dnsmessage.RCode) *dnsframe.Response {
	builder := dnsframe.NewResponseBuilder(s.Bufs, dnsmessage.Header{
		ID: req.ID, Response: true, OpCode: req.OpCode, RCode: rcode,
	})
	if err := builder.StartQuestions(); err != nil {
		return s.bareServFail(req)
	}
	for _, q := range questions {
		if err := builder.Question(q); err != nil {
			return s.bareServFail(req)
		}
	}
	msg, err := builder.Finish()
	if err != nil {
		panic(err)
	}
	return dnsframe.NewResponse(msg)
}

// bareServFail builds a minimal header-only SERVFAIL, for a builder
// failure a normal error/answer response can't recover from: echoing the
// request's ID is the only thing it still promises the client.
func (s *Service) bareServFail(req *dnsframe.Request) *dnsframe.Response {
	builder := dnsframe.NewResponseBuilder(s.Bufs, dnsmessage.Header{
		ID: req.ID, Response: true, OpCode: req.OpCode, RCode: dnsmessage.RCodeServerFailure,
	})
	msg, err := builder.Finish()
	if err != nil {
		panic(err)
	}
	return dnsframe.NewResponse(msg)
}

func (s *Service) buildAnswer(req *dnsframe.Request, q dnsmessage.Question, answer Answer) *dnsframe.Response {
	switch answer.Kind {
	case AnswerServerFailure:
		return s.buildRCode(req, []dnsmessage.Question{q}, dnsmessage.RCodeServerFailure)
	case AnswerNXDomain:
		return s.buildRCodeAuthoritative(req, q, dnsmessage.RCodeNameError, nil)
	case AnswerNoData, AnswerDelegation, AnswerCNAME, AnswerFound:
		return s.buildRCodeAuthoritative(req, q, dnsmessage.RCodeSuccess, &answer)
	default:
		return s.buildRCode(req, []dnsmessage.Question{q}, dnsmessage.RCodeServerFailure)
	}
}

// buildRCodeAuthoritative builds a response with an optional Answer
// section. A nil answer (NXDOMAIN) yields a bare header+question;
// AnswerNoData yields header+question+authority SOA; AnswerDelegation puts
// the Answer's NS RRs in the authority section; the remaining kinds
// populate the answer section with the Answer's RRs.
func (s *Service) buildRCodeAuthoritative(req *dnsframe.Request, q dnsmessage.Question, rcode dnsmessage.RCode, answer *Answer) *dnsframe.Response {
	authoritative := answer == nil || answer.Kind != AnswerDelegation

	builder := dnsframe.NewResponseBuilder(s.Bufs, dnsmessage.Header{
		ID: req.ID, Response: true, OpCode: req.OpCode, RCode: rcode, Authoritative: authoritative,
	})
	if err := builder.StartQuestions(); err != nil {
		return s.bareServFail(req)
	}
	if err := builder.Question(q); err != nil {
		return s.bareServFail(req)
	}

	if err := builder.StartAnswers(); err != nil {
		return s.bareServFail(req)
	}
	switch {
	case answer != nil && answer.Kind == AnswerFound && answer.All != nil:
		// ANY: every RRset at the node, each keeping its own type and TTL.
		for _, set := range answer.All {
			for _, rr := range set.Records {
				if err := builder.Resource(dnsmessage.Resource{
					Header: dnsmessage.ResourceHeader{Name: answer.Name, Type: set.Type, Class: q.Class, TTL: set.TTL},
					Body:   rr,
				}); err != nil {
					return s.bareServFail(req)
				}
			}
		}
	case answer != nil && (answer.Kind == AnswerFound || answer.Kind == AnswerCNAME):
		typ := q.Type
		if answer.Kind == AnswerCNAME {
			typ = dnsmessage.TypeCNAME
		}
		for _, rr := range answer.RRs {
			if err := builder.Resource(dnsmessage.Resource{
				Header: dnsmessage.ResourceHeader{Name: answer.Name, Type: typ, Class: q.Class, TTL: answer.TTL},
				Body:   rr,
			}); err != nil {
				return s.bareServFail(req)
			}
		}
	}

	if err := builder.StartAuthorities(); err != nil {
		return s.bareServFail(req)
	}
	if answer != nil {
		switch answer.Kind {
		case AnswerNoData:
			if answer.SOA != nil {
				if err := builder.SOAResource(dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeSOA, Class: q.Class}, *answer.SOA); err != nil {
					return s.bareServFail(req)
				}
			}
		case AnswerDelegation:
			for _, rr := range answer.RRs {
				if err := builder.Resource(dnsmessage.Resource{
					Header: dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeNS, Class: q.Class, TTL: answer.TTL},
					Body:   rr,
				}); err != nil {
					return s.bareServFail(req)
				}
			}
		}
	}

	msg, err := builder.Finish()
	if err != nil {
		panic(err)
	}
	return dnsframe.NewResponse(msg)
}
