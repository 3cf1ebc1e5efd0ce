package zone

import (
	"sync"
	"sync/atomic"

	"golang.org/x/net/dns/dnsmessage"
)

// rrset is a single owner-name/type's record set. TTL is uniform across
// records by construction: the set carries one ttl for all of them.
type rrset struct {
	ttl     uint32
	records []dnsmessage.ResourceBody
}

// node is one owner name, relative to its zone's apex, in a version's
// content tree.
type node struct {
	// name is the label text this node was created with. Labels are
	// lowercased by splitLabels before they reach the tree, so the
	// original case is not kept.
	name string

	children map[string]*node // keyed by ASCII-lowercased label
	rrsets   map[dnsmessage.Type]*rrset

	// cut marks a zone cut: this node delegates to a child zone and
	// carries only NS (and perhaps glue) records for it.
	cut bool
}

func newNode(name string) *node {
	return &node{name: name, children: make(map[string]*node), rrsets: make(map[dnsmessage.Type]*rrset)}
}

func (n *node) clone() *node {
	cp := newNode(n.name)
	cp.cut = n.cut
	for label, child := range n.children {
		cp.children[label] = child.clone()
	}
	for t, set := range n.rrsets {
		records := make([]dnsmessage.ResourceBody, len(set.records))
		copy(records, set.records)
		cp.rrsets[t] = &rrset{ttl: set.ttl, records: records}
	}
	return cp
}

// version is an immutable snapshot of a zone's content, published via
// atomic pointer swap.
type version struct {
	root   *node
	serial uint32
	soa    *dnsmessage.SOAResource
}

// Zone is a separately-addressable container holding versioned authoritative
// records for its apex and descendants within the cut. Reads obtain a
// Snapshot; writes are serialized by a single-writer lock and published
// atomically.
type Zone struct {
	Apex  dnsmessage.Name
	Class dnsmessage.Class

	writeMu sync.Mutex
	current atomic.Pointer[version]
	diffs   *DiffStore
}

// NewZone constructs an empty zone rooted at apex/class. The zone has no
// content — and therefore no valid SOA/NS — until a WriteGuard commits one;
// queries against it before that first commit return SERVFAIL-shaped
// answers (RCodeServerFailure), since an empty version, unlike NXDOMAIN,
// means the zone was never loaded rather than that a name doesn't exist
// within it.
func NewZone(apex dnsmessage.Name, class dnsmessage.Class, diffCapacity int) *Zone {
	z := &Zone{Apex: apex, Class: class, diffs: NewDiffStore(diffCapacity)}
	z.current.Store(&version{root: newNode("")})
	return z
}

// Diffs returns the zone's bounded diff history, consulted by IXFR.
func (z *Zone) Diffs() *DiffStore {
	return z.diffs
}

// Read returns a Snapshot of the zone's current content. The returned
// Snapshot is immutable and safe to use concurrently with writers: it
// holds a strong reference to the version it was taken from, so an
// in-progress Commit never mutates what it sees.
func (z *Zone) Read() Snapshot {
	return Snapshot{zone: z, ver: z.current.Load()}
}

// Write acquires the zone's single-writer lock and returns a WriteGuard
// over a mutable copy of the current version's content. The caller must
// call Commit or Discard to release the lock.
func (z *Zone) Write() *WriteGuard {
	z.writeMu.Lock()
	base := z.current.Load()

	return &WriteGuard{
		zone: z,
		base: base,
		root: base.root.clone(),
	}
}
