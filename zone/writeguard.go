package zone

import (
	"fmt"

	"golang.org/x/net/dns/dnsmessage"
)

// WriteGuard is the single-writer handle returned by Zone.Write. It
// operates on a private clone of the zone's current content tree;
// mutations are invisible to readers until Commit publishes them via
// atomic pointer swap. Discard releases the writer lock without
// publishing anything, e.g. on a load error.
type WriteGuard struct {
	zone *Zone
	base *version
	root *node

	tracking bool
	changes  []change
}

// TrackChanges enables diff recording for this write transaction: every
// UpdateRRSet/RemoveRRSet call appends a change record, which Commit turns
// into a Diff against the base version's content. Callers doing a full
// zone reload (rather than an incremental update) should skip this, since
// the resulting diff would be the size of the whole zone.
func (w *WriteGuard) TrackChanges() {
	w.tracking = true
}

// UpdateRRSet sets (replacing any existing) the RRset at owner/typ within
// the zone, relative to the apex ("" for the apex itself). All records
// share ttl: an RRset has exactly one TTL. Two records with identical
// rdata are rejected.
func (w *WriteGuard) UpdateRRSet(owner string, typ dnsmessage.Type, ttl uint32, records []dnsmessage.ResourceBody) error {
	seen := make(map[string]bool, len(records))
	for _, rr := range records {
		key := rr.GoString()
		if seen[key] {
			return fmt.Errorf("zone: %s has duplicate %v records", owner, typ)
		}
		seen[key] = true
	}

	if typ == dnsmessage.TypeCNAME && len(records) > 0 {
		if n := w.lookup(owner); n != nil && len(n.rrsets) > 0 {
			for t := range n.rrsets {
				if t != dnsmessage.TypeCNAME {
					return fmt.Errorf("zone: %s already has non-CNAME records, cannot add CNAME", owner)
				}
			}
		}
	} else if n := w.lookup(owner); n != nil {
		if _, hasCNAME := n.rrsets[dnsmessage.TypeCNAME]; hasCNAME {
			return fmt.Errorf("zone: %s has a CNAME, cannot add another RRset", owner)
		}
	}

	n := w.ensure(owner)
	n.rrsets[typ] = &rrset{ttl: ttl, records: append([]dnsmessage.ResourceBody(nil), records...)}

	if w.tracking {
		w.changes = append(w.changes, change{owner: owner, typ: typ, ttl: ttl, rrs: records})
	}
	return nil
}

// RemoveRRSet deletes the RRset at owner/typ, if present.
func (w *WriteGuard) RemoveRRSet(owner string, typ dnsmessage.Type) {
	n := w.lookup(owner)
	if n == nil {
		return
	}
	old, ok := n.rrsets[typ]
	if !ok {
		return
	}
	delete(n.rrsets, typ)

	if w.tracking {
		w.changes = append(w.changes, change{owner: owner, typ: typ, ttl: old.ttl, rrs: nil})
	}
}

// MarkCut marks owner as a zone cut: a delegation point to a child zone.
// Queries that descend past this node return AnswerDelegation rather than
// continuing into it.
func (w *WriteGuard) MarkCut(owner string, cut bool) {
	n := w.ensure(owner)
	n.cut = cut
}

// DeleteNode removes owner and everything below it from the tree.
func (w *WriteGuard) DeleteNode(owner string) {
	labels := splitLabels(owner)
	if len(labels) == 0 {
		w.root = newNode("")
		return
	}

	parent := w.lookup(joinLabels(labels[1:]))
	if parent == nil {
		return
	}
	delete(parent.children, labels[0])
}

// Commit validates the pending tree against the zone's own invariants
// (exactly one apex SOA and at least one apex NS; CNAME exclusivity and
// duplicate rdata are already rejected incrementally by UpdateRRSet, and
// an RRset carries a single TTL by construction), publishes it as the
// zone's new current version, and releases the write lock. The new
// version's serial is taken from the apex SOA record set via
// UpdateRRSet("", TypeSOA, ...).
func (w *WriteGuard) Commit() (*Diff, error) {
	defer w.zone.writeMu.Unlock()

	apexSOA := w.root.rrsets[dnsmessage.TypeSOA]
	if apexSOA == nil || len(apexSOA.records) != 1 {
		return nil, fmt.Errorf("zone: apex must have exactly one SOA record")
	}
	soaBody, ok := apexSOA.records[0].(*dnsmessage.SOAResource)
	if !ok {
		return nil, fmt.Errorf("zone: apex SOA record has the wrong resource type")
	}

	apexNS := w.root.rrsets[dnsmessage.TypeNS]
	if apexNS == nil || len(apexNS.records) == 0 {
		return nil, fmt.Errorf("zone: apex must have at least one NS record")
	}

	next := &version{root: w.root, serial: soaBody.Serial, soa: soaBody}

	var diff *Diff
	if w.tracking && w.base.soa != nil {
		diff = &Diff{OldSerial: w.base.serial, NewSerial: next.serial, OldSOA: w.base.soa, NewSOA: next.soa}
		for _, c := range w.changes {
			if len(c.rrs) == 0 {
				diff.removed = append(diff.removed, c)
			} else {
				diff.added = append(diff.added, c)
			}
		}
		w.zone.diffs.Record(diff)
	}

	w.zone.current.Store(next)
	return diff, nil
}

// Discard releases the write lock without publishing any changes.
func (w *WriteGuard) Discard() {
	w.zone.writeMu.Unlock()
}

// lookup returns the node at owner (relative to the zone root), or nil if
// any segment of the path doesn't exist yet.
func (w *WriteGuard) lookup(owner string) *node {
	n := w.root
	for _, label := range reversedLabels(owner) {
		child, ok := n.children[label]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// ensure returns the node at owner, creating any missing intermediate
// nodes along the way.
func (w *WriteGuard) ensure(owner string) *node {
	n := w.root
	for _, label := range reversedLabels(owner) {
		child, ok := n.children[label]
		if !ok {
			child = newNode(label)
			n.children[label] = child
		}
		n = child
	}
	return n
}

func joinLabels(labels []string) string {
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += "."
		}
		out += l
	}
	return out
}
