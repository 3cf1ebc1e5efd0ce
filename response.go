package dnsframe

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/net/dns/dnsmessage"
)

// PacketConn is the subset of net.PacketConn a PacketWriter needs to send a
// response datagram.
type PacketConn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// StreamConn is the subset of net.Conn a StreamWriter needs to send a
// length-prefixed response frame.
type StreamConn interface {
	Write(b []byte) (int, error)
}

// Length header encoding/decoding for streams.
var (
	EncodeLength = binary.BigEndian.PutUint16
	DecodeLength = binary.BigEndian.Uint16
)

// headerSize is the fixed size, in bytes, of a DNS message header
// (RFC 1035 §4.1.1): ID(2) + flags(2) + QDCOUNT(2) + ANCOUNT(2) +
// NSCOUNT(2) + ARCOUNT(2).
const headerSize = 12

// prefixSize is the reserved stream length-prefix every Response carries at
// its head regardless of transport: a growable octet buffer wrapped in a
// stream target (a two-byte length prefix reserved at the
// head)". Datagram transports skip it; stream transports fill it in.
const prefixSize = 2

// Response is the framework's mutable response representation. A
// dnsmessage.Builder writes into buf starting at prefixSize; middleware
// postprocessors patch header flags directly in the wire bytes (the
// cheapest way to flip QR/TC/RD without re-parsing) and may rebuild buf
// entirely, e.g. when truncating.
type Response struct {
	buf []byte
}

// NewResponse wraps a buffer produced by a dnsmessage.Builder created via
// NewResponseBuilder. buf must have prefixSize bytes reserved at its head.
func NewResponse(buf []byte) *Response {
	if len(buf) < prefixSize+headerSize {
		panic(fmt.Sprintf("dnsframe: response buffer too small: %d bytes", len(buf)))
	}
	return &Response{buf: buf}
}

// NewResponseBuilder creates a dnsmessage.Builder that reserves prefixSize
// bytes at the head of src's buffer for the stream length prefix. Callers
// finish the builder and pass the result to NewResponse.
func NewResponseBuilder(src BufSource, header dnsmessage.Header) dnsmessage.Builder {
	buf := src.CreateSized(prefixSize)
	return dnsmessage.NewBuilder(buf, header)
}

// message returns the DNS message bytes, excluding the reserved prefix.
func (r *Response) message() []byte { return r.buf[prefixSize:] }

// Raw returns the datagram slice: the DNS message with the reserved prefix
// skipped, ready to hand to a connectionless transport.
func (r *Response) Raw() []byte { return r.message() }

// StreamFrame fills the reserved prefix with the message's length and
// returns the whole buffer, ready to hand to a stream transport.
func (r *Response) StreamFrame() []byte {
	EncodeLength(r.buf, uint16(len(r.message())))
	return r.buf
}

// Len returns the length of the DNS message, excluding the reserved prefix.
func (r *Response) Len() int { return len(r.message()) }

// flagsByte returns the value of DNS header byte 2+i, i.e. byte 2 or 3
// (0-indexed from the start of the message, per RFC 1035 §4.1.1).
func (r *Response) flagsByte(i int) byte { return r.buf[prefixSize+2+i] }

func (r *Response) setFlagBit(i int, mask byte, set bool) {
	idx := prefixSize + 2 + i
	if set {
		r.buf[idx] |= mask
	} else {
		r.buf[idx] &^= mask
	}
}

// SetID overwrites the response's message ID.
func (r *Response) SetID(id uint16) {
	binary.BigEndian.PutUint16(r.buf[prefixSize:prefixSize+2], id)
}

// ID returns the response's message ID.
func (r *Response) ID() uint16 {
	return binary.BigEndian.Uint16(r.buf[prefixSize : prefixSize+2])
}

// SetQR sets or clears the QR (query/response) bit.
func (r *Response) SetQR(v bool) { r.setFlagBit(0, 0x80, v) }

// SetRD sets or clears the RD (recursion desired) bit.
func (r *Response) SetRD(v bool) { r.setFlagBit(0, 0x01, v) }

// SetTC sets or clears the TC (truncated) bit.
func (r *Response) SetTC(v bool) { r.setFlagBit(0, 0x02, v) }

// TC reports whether the TC bit is set.
func (r *Response) TC() bool { return r.flagsByte(0)&0x02 != 0 }

// SetRCode overwrites the response RCODE's low 4 bits (the bits that fit in
// the DNS header; extended RCODE bits live in the OPT TTL per RFC 6891).
func (r *Response) SetRCode(code dnsmessage.RCode) {
	b := r.flagsByte(1)
	r.buf[prefixSize+3] = (b &^ 0x0F) | byte(code&0x0F)
}

// Questions returns the parsed question section of the response message.
func (r *Response) Questions() ([]dnsmessage.Question, error) {
	var p dnsmessage.Parser
	if _, err := p.Start(r.message()); err != nil {
		return nil, err
	}
	return p.AllQuestions()
}

// OPT returns the response's EDNS(0) OPT resource, if present.
func (r *Response) OPT() (*dnsmessage.ResourceHeader, *dnsmessage.OPTResource, error) {
	var p dnsmessage.Parser
	if _, err := p.Start(r.message()); err != nil {
		return nil, nil, err
	}
	if _, err := p.AllQuestions(); err != nil {
		return nil, nil, err
	}
	if err := p.SkipAllAnswers(); err != nil {
		return nil, nil, err
	}
	if err := p.SkipAllAuthorities(); err != nil {
		return nil, nil, err
	}

	for {
		rh, err := p.AdditionalHeader()
		if err == dnsmessage.ErrSectionDone {
			return nil, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
		if rh.Type != dnsmessage.TypeOPT {
			if err := p.SkipAdditional(); err != nil {
				return nil, nil, err
			}
			continue
		}

		opt, err := p.OPTResource()
		if err != nil {
			return nil, nil, err
		}
		return &rh, &opt, nil
	}
}

// TruncateToMinimal rebuilds the response keeping only the header, question
// section, and EDNS(0) OPT record (if present), per the mandatory
// middleware's truncation contract (RFC 1035 §6.2, RFC 2181 §5.1/§9,
// RFC 6891 §7). Callers must call SetTC(true) themselves once this
// returns, since the rebuilt header otherwise mirrors the original.
func (r *Response) TruncateToMinimal(src BufSource) error {
	var p dnsmessage.Parser
	hdr, err := p.Start(r.message())
	if err != nil {
		return err
	}

	questions, err := p.AllQuestions()
	if err != nil {
		return err
	}
	if err := p.SkipAllAnswers(); err != nil {
		return err
	}
	if err := p.SkipAllAuthorities(); err != nil {
		return err
	}

	var (
		haveOPT bool
		optHdr  dnsmessage.ResourceHeader
		optBody dnsmessage.OPTResource
	)

	for {
		rh, err := p.AdditionalHeader()
		if err == dnsmessage.ErrSectionDone {
			break
		}
		if err != nil {
			return err
		}
		if rh.Type != dnsmessage.TypeOPT {
			if err := p.SkipAdditional(); err != nil {
				return err
			}
			continue
		}

		optBody, err = p.OPTResource()
		if err != nil {
			return err
		}
		optHdr = rh
		haveOPT = true
		break
	}

	builder := NewResponseBuilder(src, hdr)
	if err := builder.StartQuestions(); err != nil {
		return err
	}
	for _, q := range questions {
		if err := builder.Question(q); err != nil {
			return err
		}
	}

	if haveOPT {
		if err := builder.StartAdditionals(); err != nil {
			return err
		}
		if err := builder.OPTResource(optHdr, optBody); err != nil {
			return err
		}
	}

	msg, err := builder.Finish()
	if err != nil {
		return err
	}

	r.buf = msg
	return nil
}

// StripOPT rebuilds the response without any EDNS(0) OPT record in the
// additional section, used when the request carried none (RFC 6891 §7: "the
// responder MUST NOT include an OPT record in its response").
func (r *Response) StripOPT(src BufSource) error {
	var p dnsmessage.Parser
	hdr, err := p.Start(r.message())
	if err != nil {
		return err
	}

	questions, err := p.AllQuestions()
	if err != nil {
		return err
	}
	answers, err := p.AllAnswers()
	if err != nil {
		return err
	}
	authorities, err := p.AllAuthorities()
	if err != nil {
		return err
	}

	var additionals []dnsmessage.Resource
	for {
		rh, err := p.AdditionalHeader()
		if err == dnsmessage.ErrSectionDone {
			break
		}
		if err != nil {
			return err
		}
		if rh.Type == dnsmessage.TypeOPT {
			if err := p.SkipAdditional(); err != nil {
				return err
			}
			continue
		}
		body, err := p.AdditionalResource()
		if err != nil {
			return err
		}
		additionals = append(additionals, dnsmessage.Resource{Header: rh, Body: body})
	}

	builder := NewResponseBuilder(src, hdr)
	if err := builder.StartQuestions(); err != nil {
		return err
	}
	for _, q := range questions {
		if err := builder.Question(q); err != nil {
			return err
		}
	}

	if err := builder.StartAnswers(); err != nil {
		return err
	}
	for _, a := range answers {
		if err := builder.Resource(a); err != nil {
			return err
		}
	}

	if err := builder.StartAuthorities(); err != nil {
		return err
	}
	for _, a := range authorities {
		if err := builder.Resource(a); err != nil {
			return err
		}
	}

	if err := builder.StartAdditionals(); err != nil {
		return err
	}
	for _, a := range additionals {
		if err := builder.Resource(a); err != nil {
			return err
		}
	}

	msg, err := builder.Finish()
	if err != nil {
		return err
	}

	r.buf = msg
	return nil
}

// SetOPTOption rebuilds the response with an EDNS(0) option of the given
// code set to data, creating the OPT record if the response didn't already
// carry one. Existing options with the same code are replaced. Used by the
// cookie processor, whose Postprocess embeds the issued cookie in the
// response's OPT record.
func (r *Response) SetOPTOption(src BufSource, code uint16, data []byte) error {
	var p dnsmessage.Parser
	hdr, err := p.Start(r.message())
	if err != nil {
		return err
	}

	questions, err := p.AllQuestions()
	if err != nil {
		return err
	}
	answers, err := p.AllAnswers()
	if err != nil {
		return err
	}
	authorities, err := p.AllAuthorities()
	if err != nil {
		return err
	}

	optHdr := dnsmessage.ResourceHeader{
		Name:  dnsmessage.MustNewName("."),
		Class: dnsmessage.Class(minUDPPayloadSize),
	}
	var options []dnsmessage.Option
	var additionals []dnsmessage.Resource

	for {
		rh, err := p.AdditionalHeader()
		if err == dnsmessage.ErrSectionDone {
			break
		}
		if err != nil {
			return err
		}
		if rh.Type != dnsmessage.TypeOPT {
			body, err := p.AdditionalResource()
			if err != nil {
				return err
			}
			additionals = append(additionals, dnsmessage.Resource{Header: rh, Body: body})
			continue
		}

		body, err := p.OPTResource()
		if err != nil {
			return err
		}
		optHdr = rh
		options = body.Options
	}

	replaced := false
	for i, opt := range options {
		if opt.Code == code {
			options[i].Data = data
			replaced = true
			break
		}
	}
	if !replaced {
		options = append(options, dnsmessage.Option{Code: code, Data: data})
	}

	builder := NewResponseBuilder(src, hdr)
	if err := builder.StartQuestions(); err != nil {
		return err
	}
	for _, q := range questions {
		if err := builder.Question(q); err != nil {
			return err
		}
	}

	if err := builder.StartAnswers(); err != nil {
		return err
	}
	for _, a := range answers {
		if err := builder.Resource(a); err != nil {
			return err
		}
	}

	if err := builder.StartAuthorities(); err != nil {
		return err
	}
	for _, a := range authorities {
		if err := builder.Resource(a); err != nil {
			return err
		}
	}

	if err := builder.StartAdditionals(); err != nil {
		return err
	}
	for _, a := range additionals {
		if err := builder.Resource(a); err != nil {
			return err
		}
	}
	if err := builder.OPTResource(optHdr, dnsmessage.OPTResource{Options: options}); err != nil {
		return err
	}

	msg, err := builder.Finish()
	if err != nil {
		return err
	}

	r.buf = msg
	return nil
}

// ResponseWriter sends a DNS response to the client over the transport it
// was constructed for.
type ResponseWriter interface {
	// Builder creates a dnsmessage.Builder with the reserved prefix the
	// transport needs.
	Builder(dnsmessage.Header) dnsmessage.Builder
	// Send transmits a finished Response to the peer.
	Send(*Response) error
}

// PacketWriter implements ResponseWriter for a connectionless datagram
// socket.
type PacketWriter struct {
	Conn PacketConn
	Addr net.Addr
	Bufs BufSource
}

var _ ResponseWriter = (*PacketWriter)(nil)

// Builder initializes a new dnsmessage.Builder for a UDP DNS transaction.
func (wr *PacketWriter) Builder(header dnsmessage.Header) dnsmessage.Builder {
	return NewResponseBuilder(wr.Bufs, header)
}

// Send transmits the response's raw datagram to the peer the request came
// from. If the kernel reports a short write the datagram is considered
// lost, since a single send_to is expected to place the whole datagram on
// the wire atomically.
func (wr *PacketWriter) Send(resp *Response) error {
	raw := resp.Raw()
	n, err := wr.Conn.WriteTo(raw, wr.Addr)
	if err != nil {
		return err
	}
	if n != len(raw) {
		return fmt.Errorf("dnsframe: short send to %s: wrote %d of %d bytes", wr.Addr, n, len(raw))
	}
	return nil
}

// StreamWriter implements ResponseWriter for a length-prefixed stream
// connection.
type StreamWriter struct {
	Conn StreamConn
	Bufs BufSource
}

var _ ResponseWriter = (*StreamWriter)(nil)

// Builder creates a new builder with the stream length prefix reserved.
func (wr *StreamWriter) Builder(header dnsmessage.Header) dnsmessage.Builder {
	return NewResponseBuilder(wr.Bufs, header)
}

// Send writes the response's length-prefixed frame to the connection.
func (wr *StreamWriter) Send(resp *Response) error {
	_, err := wr.Conn.Write(resp.StreamFrame())
	return err
}
