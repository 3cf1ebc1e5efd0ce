package zone

import (
	"golang.org/x/net/dns/dnsmessage"
)

// AnswerKind classifies the outcome of a Snapshot.Query's six-case lookup
// algorithm.
type AnswerKind int

const (
	// AnswerFound means RRs holds a non-empty RRset for the queried
	// owner/type at or below the zone apex.
	AnswerFound AnswerKind = iota
	// AnswerNoData means the owner name exists but has no RRset of the
	// queried type (NOERROR, zero answers, SOA in authority).
	AnswerNoData
	// AnswerDelegation means a zone cut between the apex and the queried
	// owner name (or at the name itself) delegates to a child zone; RRs
	// holds the NS records at the cut. Glue records are not returned.
	AnswerDelegation
	// AnswerCNAME means the owner name holds a CNAME; RRs holds the CNAME
	// record. Its target is not looked up: following it is left to the
	// client or a recursive resolver.
	AnswerCNAME
	// AnswerNXDomain means the owner name does not exist in this zone.
	AnswerNXDomain
	// AnswerServerFailure means the zone has no content loaded yet (see
	// NewZone).
	AnswerServerFailure
)

// Answer is the result of a Snapshot.Query.
type Answer struct {
	Kind AnswerKind
	Name dnsmessage.Name
	TTL  uint32
	RRs  []dnsmessage.ResourceBody
	SOA  *dnsmessage.SOAResource
	// All holds every RRset at the matched node when the query type was
	// ANY; RRs/TTL are unused in that case since an ANY answer may span
	// more than one type, each with its own TTL.
	All []TypedRRSet
}

// TypedRRSet pairs an RRset with the type it was stored under, used for
// AnswerFound results produced by an ANY (TypeALL) query.
type TypedRRSet struct {
	Type    dnsmessage.Type
	TTL     uint32
	Records []dnsmessage.ResourceBody
}

// Snapshot is an immutable, point-in-time view of a Zone's content,
// obtained from Zone.Read. It answers queries without taking any lock:
// the version it wraps is never mutated in place (WriteGuard works on a
// clone), so concurrent reads proceed lock-free while a writer commits.
type Snapshot struct {
	zone *Zone
	ver  *version
}

// Serial returns the SOA serial of this snapshot, or 0 if the zone has no
// content loaded.
func (s Snapshot) Serial() uint32 {
	return s.ver.serial
}

// Apex returns the zone's apex name.
func (s Snapshot) Apex() dnsmessage.Name {
	return s.zone.Apex
}

// Walk visits every RRset in the snapshot in an unspecified order, owner
// name relative to the apex ("" for the apex itself), skipping zone-cut
// nodes' non-NS RRsets. It is the traversal AXFR uses to stream a full
// zone transfer.
func (s Snapshot) Walk(fn func(owner string, typ dnsmessage.Type, ttl uint32, rrs []dnsmessage.ResourceBody)) {
	walkNode(s.ver.root, "", fn)
}

func walkNode(n *node, owner string, fn func(string, dnsmessage.Type, uint32, []dnsmessage.ResourceBody)) {
	for typ, set := range n.rrsets {
		if n.cut && owner != "" && typ != dnsmessage.TypeNS {
			continue
		}
		fn(owner, typ, set.ttl, set.records)
	}

	for label, child := range n.children {
		childOwner := label
		if owner != "" {
			childOwner = label + "." + owner
		}
		walkNode(child, childOwner, fn)
	}
}

// SOA returns the zone's apex SOA record, or nil if the zone has no
// content loaded.
func (s Snapshot) SOA() *dnsmessage.SOAResource {
	return s.ver.soa
}

// Query resolves qname/qtype against this snapshot's content: walk from
// the apex towards qname, stopping at the first zone cut (delegation),
// else at the terminal node to check for an exact type match (or, for
// ANY, every type at the node), a CNAME, or NODATA, else NXDOMAIN.
func (s Snapshot) Query(qname dnsmessage.Name, qtype dnsmessage.Type) Answer {
	if s.ver.soa == nil {
		return Answer{Kind: AnswerServerFailure}
	}

	if !isSubdomain(qname.String(), s.zone.Apex.String()) {
		return Answer{Kind: AnswerNXDomain}
	}

	relative := relativeLabels(qname.String(), s.zone.Apex.String())

	node := s.ver.root
	for i, label := range relative {
		if node.cut && i > 0 {
			// A cut above the terminal node delegates everything below
			// it, regardless of the requested type.
			return delegationAnswer(node)
		}

		child, ok := node.children[label]
		if !ok {
			return Answer{Kind: AnswerNXDomain}
		}
		node = child
	}

	if node.cut && len(relative) > 0 {
		return delegationAnswer(node)
	}

	if qtype != dnsmessage.TypeCNAME {
		if cname, ok := node.rrsets[dnsmessage.TypeCNAME]; ok {
			return Answer{Kind: AnswerCNAME, Name: qname, TTL: cname.ttl, RRs: cname.records}
		}
	}

	if qtype == dnsmessage.TypeALL {
		if len(node.rrsets) == 0 {
			return Answer{Kind: AnswerNoData, Name: qname, SOA: s.ver.soa}
		}

		all := make([]TypedRRSet, 0, len(node.rrsets))
		for t, set := range node.rrsets {
			all = append(all, TypedRRSet{Type: t, TTL: set.ttl, Records: set.records})
		}
		return Answer{Kind: AnswerFound, Name: qname, All: all}
	}

	if set, ok := node.rrsets[qtype]; ok {
		return Answer{Kind: AnswerFound, Name: qname, TTL: set.ttl, RRs: set.records}
	}

	return Answer{Kind: AnswerNoData, Name: qname, SOA: s.ver.soa}
}

func delegationAnswer(n *node) Answer {
	set := n.rrsets[dnsmessage.TypeNS]
	if set == nil {
		return Answer{Kind: AnswerNoData}
	}
	return Answer{Kind: AnswerDelegation, TTL: set.ttl, RRs: set.records}
}

// relativeLabels returns qname's labels beyond apex, ordered closest-to-apex
// first, the order a zone's internal node tree is walked root-to-leaf in.
// E.g. qname "www.example.com." under apex "example.com." yields ["www"].
func relativeLabels(qname, apex string) []string {
	q := splitLabels(qname)
	a := splitLabels(apex)
	if len(q) <= len(a) {
		return nil
	}

	extra := q[:len(q)-len(a)]
	for i, j := 0, len(extra)-1; i < j; i, j = i+1, j-1 {
		extra[i], extra[j] = extra[j], extra[i]
	}
	return extra
}
