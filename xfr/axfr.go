package xfr

import (
	"context"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/jmanero/dnsframe"
	"github.com/jmanero/dnsframe/zone"
)

// maxTransferMessageSize is the payload size a transfer message chunk is
// allowed to grow to before a new message is started. TCP frames have no
// protocol-imposed ceiling, but an unbounded single message would defeat
// the pool's streaming: this keeps per-message encoding work and memory
// bounded regardless of zone size.
const maxTransferMessageSize = 16384

// AXFR streams zone's full content to a client over a stream transaction,
// per RFC 5936: one message carrying the zone's SOA, followed by every
// other RRset across one or more messages, followed by a final message
// repeating the SOA. RRsets are packed into as few messages as fit within
// maxTransferMessageSize, but a single RRset's records are never split
// across two messages.
func AXFR(ctx context.Context, pool *Pool, bufs dnsframe.BufSource, question dnsmessage.Question, snap zone.Snapshot) dnsframe.Transaction {
	ch := make(chan dnsframe.Item, 1)

	go func() {
		defer close(ch)

		soa := snap.SOA()
		if soa == nil {
			ch <- dnsframe.Item{Err: dnsframe.NewServiceSpecificError(errNoSOA)}
			return
		}

		apexSOAResource := dnsmessage.Resource{
			Header: dnsmessage.ResourceHeader{Name: snap.Apex(), Type: dnsmessage.TypeSOA, Class: question.Class},
			Body:   soa,
		}

		var groups [][]dnsmessage.Resource
		snap.Walk(func(owner string, typ dnsmessage.Type, ttl uint32, rrs []dnsmessage.ResourceBody) {
			if typ == dnsmessage.TypeSOA && owner == "" {
				return // apex SOA is emitted first and last, not inline
			}
			name := ownerName(owner, snap.Apex())
			group := make([]dnsmessage.Resource, 0, len(rrs))
			for _, rr := range rrs {
				group = append(group, dnsmessage.Resource{
					Header: dnsmessage.ResourceHeader{Name: name, Type: typ, Class: question.Class, TTL: ttl},
					Body:   rr,
				})
			}
			groups = append(groups, group)
		})

		batches := batchResources(groups, maxTransferMessageSize)

		send := func(resources []dnsmessage.Resource) bool {
			var result *dnsframe.CallResult
			var err error

			poolErr := pool.Do(ctx, func() error {
				result, err = buildTransferMessage(bufs, question, resources)
				return err
			})
			if poolErr != nil {
				select {
				case ch <- dnsframe.Item{Err: poolErr}:
				case <-ctx.Done():
				}
				return false
			}
			if err != nil {
				select {
				case ch <- dnsframe.Item{Err: err}:
				case <-ctx.Done():
				}
				return false
			}

			select {
			case ch <- dnsframe.Item{Result: result}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send([]dnsmessage.Resource{apexSOAResource}) {
			return
		}
		for _, batch := range batches {
			if !send(batch) {
				return
			}
		}
		send([]dnsmessage.Resource{apexSOAResource})
	}()

	return dnsframe.Stream(ch)
}

// buildTransferMessage encodes one AXFR/IXFR response message carrying
// resources as its answer section.
func buildTransferMessage(bufs dnsframe.BufSource, question dnsmessage.Question, resources []dnsmessage.Resource) (*dnsframe.CallResult, error) {
	builder := dnsframe.NewResponseBuilder(bufs, dnsmessage.Header{Response: true, Authoritative: true})

	if err := builder.StartQuestions(); err != nil {
		return nil, err
	}
	if err := builder.Question(question); err != nil {
		return nil, err
	}

	if err := builder.StartAnswers(); err != nil {
		return nil, err
	}
	for _, rr := range resources {
		if err := builder.Resource(rr); err != nil {
			return nil, err
		}
	}

	msg, err := builder.Finish()
	if err != nil {
		return nil, err
	}

	return dnsframe.NewCallResult(dnsframe.NewResponse(msg)), nil
}

// batchResources packs whole groups (an RRset, or a single apex SOA
// resource wrapped in its own group) into message-sized batches,
// estimating wire size rather than building speculatively. A group is
// never split across two batches, even if that pushes one batch over
// maxSize — a group larger than maxSize still goes out whole, since
// splitting an RRset's records across messages would leave a resolver
// unable to reassemble it.
func batchResources(groups [][]dnsmessage.Resource, maxSize int) [][]dnsmessage.Resource {
	var batches [][]dnsmessage.Resource
	var current []dnsmessage.Resource
	size := 0

	for _, group := range groups {
		groupSize := 0
		for _, rr := range group {
			groupSize += estimateSize(rr)
		}

		if size+groupSize > maxSize && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, group...)
		size += groupSize
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}

	return batches
}

// estimateSize returns a rough estimate of a resource's wire size (fixed
// header and body allowances plus the owner name's length), used only to
// decide batch boundaries; record data larger than the body allowance is
// undercounted.
func estimateSize(rr dnsmessage.Resource) int {
	const headerOverhead = 32
	const bodyOverhead = 64
	return headerOverhead + len(rr.Header.Name.String()) + bodyOverhead
}

// ownerName reconstructs the absolute owner name for a relative owner
// string produced by Snapshot.Walk ("" denotes the apex itself).
func ownerName(owner string, apex dnsmessage.Name) dnsmessage.Name {
	if owner == "" {
		return apex
	}
	name, err := dnsmessage.NewName(owner + "." + apex.String())
	if err != nil {
		return apex
	}
	return name
}
