package xfr

import (
	"context"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/jmanero/dnsframe"
	"github.com/jmanero/dnsframe/zone"
)

// IXFR streams the incremental changes between clientSerial and zone's
// current content, per RFC 1995: new SOA, then for each retained diff an
// (old SOA, removed RRs, new SOA, added RRs) quadruple, then a final new
// SOA. If the zone's diff history doesn't reach back to clientSerial,
// IXFR falls back to a full AXFR stream — the client's cache is treated
// as too stale to patch incrementally.
func IXFR(ctx context.Context, pool *Pool, bufs dnsframe.BufSource, question dnsmessage.Question, z *zone.Zone, clientSerial uint32) dnsframe.Transaction {
	snap := z.Read()
	soa := snap.SOA()
	if soa == nil {
		ch := make(chan dnsframe.Item, 1)
		ch <- dnsframe.Item{Err: dnsframe.NewServiceSpecificError(errNoSOA)}
		close(ch)
		return dnsframe.Stream(ch)
	}

	if clientSerial == soa.Serial {
		return singleSOAResponse(bufs, question, snap.Apex(), soa)
	}

	diffs, ok := z.Diffs().Chain(clientSerial)
	if !ok {
		return AXFR(ctx, pool, bufs, question, snap)
	}

	ch := make(chan dnsframe.Item, 1)

	go func() {
		defer close(ch)

		apexSOAResource := func(s *dnsmessage.SOAResource) dnsmessage.Resource {
			return dnsmessage.Resource{
				Header: dnsmessage.ResourceHeader{Name: snap.Apex(), Type: dnsmessage.TypeSOA, Class: question.Class},
				Body:   s,
			}
		}

		send := func(resources []dnsmessage.Resource) bool {
			var result *dnsframe.CallResult
			var err error

			poolErr := pool.Do(ctx, func() error {
				result, err = buildTransferMessage(bufs, question, resources)
				return err
			})
			if poolErr != nil || err != nil {
				if poolErr == nil {
					poolErr = err
				}
				select {
				case ch <- dnsframe.Item{Err: poolErr}:
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

		if !send([]dnsmessage.Resource{apexSOAResource(soa)}) {
			return
		}

		for _, diff := range diffs {
			groups := [][]dnsmessage.Resource{{apexSOAResource(diff.OldSOA)}}
			groups = append(groups, changesToResourceGroups(diff.Removed(), snap.Apex(), question.Class)...)
			groups = append(groups, []dnsmessage.Resource{apexSOAResource(diff.NewSOA)})
			groups = append(groups, changesToResourceGroups(diff.Added(), snap.Apex(), question.Class)...)

			for _, batch := range batchResources(groups, maxTransferMessageSize) {
				if !send(batch) {
					return
				}
			}
		}

		send([]dnsmessage.Resource{apexSOAResource(soa)})
	}()

	return dnsframe.Stream(ch)
}

// singleSOAResponse builds the one-message IXFR reply RFC 1995 §4 calls
// for when the client's serial already matches the server's: a single SOA
// record, signaling "no changes".
func singleSOAResponse(bufs dnsframe.BufSource, question dnsmessage.Question, apex dnsmessage.Name, soa *dnsmessage.SOAResource) dnsframe.Transaction {
	ch := make(chan dnsframe.Item, 1)

	result, err := buildTransferMessage(bufs, question, []dnsmessage.Resource{{
		Header: dnsmessage.ResourceHeader{Name: apex, Type: dnsmessage.TypeSOA, Class: question.Class},
		Body:   soa,
	}})
	if err != nil {
		ch <- dnsframe.Item{Err: err}
	} else {
		ch <- dnsframe.Item{Result: result}
	}
	close(ch)

	return dnsframe.Stream(ch)
}

// changesToResourceGroups converts each Change into its own resource
// group, keeping an RRset's records together so batchResources never
// splits one across messages.
func changesToResourceGroups(changes []zone.Change, apex dnsmessage.Name, class dnsmessage.Class) [][]dnsmessage.Resource {
	groups := make([][]dnsmessage.Resource, 0, len(changes))
	for _, c := range changes {
		name := ownerName(c.Owner, apex)
		group := make([]dnsmessage.Resource, 0, len(c.RRs))
		for _, rr := range c.RRs {
			group = append(group, dnsmessage.Resource{
				Header: dnsmessage.ResourceHeader{Name: name, Type: c.Type, Class: class, TTL: c.TTL},
				Body:   rr,
			})
		}
		groups = append(groups, group)
	}
	return groups
}
