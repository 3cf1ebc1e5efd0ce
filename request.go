package dnsframe

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

// Transport identifies the kind of socket a Request arrived over.
type Transport int

const (
	// TransportUDP marks a request that arrived over a connectionless
	// datagram socket.
	TransportUDP Transport = iota
	// TransportTCP marks a request that arrived over a length-prefixed
	// stream connection.
	TransportTCP
)

// String implements fmt.Stringer.
func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// minUDPPayloadSize is the floor RFC 6891 §6.2.3 imposes on the requestor's
// UDP payload size: "values lower than 512 MUST be treated as equal to 512."
const minUDPPayloadSize = 512

// Request stores a parsed dnsmessage.Header and a dnsmessage.Parser to read
// the rest of the request, annotated with its transport context: peer
// address, transport kind, and a UDP payload-size hint that
// preprocessors may populate from the request's EDNS OPT record.
type Request struct {
	dnsmessage.Header
	dnsmessage.Parser

	LocalAddr  net.Addr
	RemoteAddr net.Addr
	Transport  Transport
	ReceivedAt time.Time

	maxResponseSizeHint uint16

	raw []byte
	ctx context.Context
}

// Start parses buf's header with the embedded dnsmessage.Parser and
// records buf so later passes over the message (e.g. a middleware
// processor scanning for OPT records without disturbing the cursor the
// service will read questions from) can re-parse from scratch via Reparse.
func (req *Request) Start(buf []byte) (dnsmessage.Header, error) {
	req.raw = buf

	hdr, err := req.Parser.Start(buf)
	if err != nil {
		return hdr, err
	}

	req.Header = hdr
	return hdr, nil
}

// Raw returns the request's original wire bytes.
func (req *Request) Raw() []byte { return req.raw }

// Reparse returns a fresh dnsmessage.Parser positioned at the start of the
// request's question section, independent of the Parser embedded in
// Request (which the service is expected to consume forward exactly once).
func (req *Request) Reparse() (dnsmessage.Parser, error) {
	var p dnsmessage.Parser
	_, err := p.Start(req.raw)
	return p, err
}

func (req *Request) String() string {
	return req.Header.GoString()
}

// Context returns the context for the request.
func (req *Request) Context() context.Context {
	if req.ctx == nil {
		return context.Background()
	}
	return req.ctx
}

// WithContext clones the Request and sets its context value.
func (req *Request) WithContext(ctx context.Context) *Request {
	clone := *req
	clone.ctx = ctx

	return &clone
}

// Peer returns the remote address the request was received from.
func (req *Request) Peer() net.Addr { return req.RemoteAddr }

// MaxResponseSizeHint returns the maximum response size the client has
// indicated it can receive, or 0 if no hint has been set. Preprocessors set
// this from the EDNS(0) OPT class field; it is read-only to everything
// downstream of the chain's preprocess walk.
func (req *Request) MaxResponseSizeHint() uint16 {
	return req.maxResponseSizeHint
}

// SetMaxResponseSizeHint records the requestor's UDP payload size, floored
// at minUDPPayloadSize per RFC 6891 §6.2.3. Only middleware preprocessors
// should call this.
func (req *Request) SetMaxResponseSizeHint(hint uint16) {
	if hint < minUDPPayloadSize {
		hint = minUDPPayloadSize
	}
	req.maxResponseSizeHint = hint
}

// IsUDP reports whether the request arrived over a datagram transport.
func (req *Request) IsUDP() bool { return req.Transport == TransportUDP }
