package zone

import (
	"sync"

	"golang.org/x/net/dns/dnsmessage"
)

// change is one RRset's addition or removal within a Diff, named by its
// owner name relative to the zone root.
type change struct {
	owner string
	typ   dnsmessage.Type
	ttl   uint32
	rrs   []dnsmessage.ResourceBody
}

// Change is a single RRset addition or removal within a Diff, as exposed
// to consumers outside this package (the xfr package's IXFR streamer).
type Change struct {
	Owner string
	Type  dnsmessage.Type
	TTL   uint32
	RRs   []dnsmessage.ResourceBody
}

func (c change) export() Change {
	return Change{Owner: c.owner, Type: c.typ, TTL: c.ttl, RRs: c.rrs}
}

// Diff is the delta between two zone versions, the unit IXFR streams.
// OldSOA/NewSOA bracket the change the way RFC 1995 requires: every IXFR
// "chunk" is an (old SOA, removals, new SOA, additions) quadruple.
type Diff struct {
	OldSerial uint32
	NewSerial uint32
	OldSOA    *dnsmessage.SOAResource
	NewSOA    *dnsmessage.SOAResource

	added   []change
	removed []change
}

// DiffStore retains a bounded number of the most recent Diffs for a zone,
// keyed by the serial they transition from. IXFR consults it to serve an
// incremental update for a client's reported serial; a miss means the
// requested serial has aged out and the xfr package falls back to AXFR
// when the diff store lacks the requested serial's chain.
type DiffStore struct {
	mu       sync.Mutex
	capacity int
	order    []uint32 // oldSerial insertion order, oldest first
	byOld    map[uint32]*Diff
}

// NewDiffStore constructs a DiffStore retaining at most capacity diffs.
func NewDiffStore(capacity int) *DiffStore {
	if capacity < 1 {
		capacity = 1
	}
	return &DiffStore{capacity: capacity, byOld: make(map[uint32]*Diff)}
}

// Record adds d to the store, evicting the oldest retained diff if the
// store is at capacity.
func (s *DiffStore) Record(d *Diff) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byOld[d.OldSerial]; !exists {
		s.order = append(s.order, d.OldSerial)
	}
	s.byOld[d.OldSerial] = d

	for len(s.order) > s.capacity {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.byOld, evict)
	}
}

// Chain returns the ordered sequence of diffs transitioning a client's
// fromSerial up to the store's most recent serial, or ok=false if any
// link in that chain is missing.
func (s *DiffStore) Chain(fromSerial uint32) (diffs []*Diff, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	serial := fromSerial
	for {
		d, found := s.byOld[serial]
		if !found {
			if len(diffs) == 0 {
				return nil, false
			}
			return diffs, true
		}
		diffs = append(diffs, d)
		if d.NewSerial == serial {
			// Defensive: a zero-length diff would loop forever.
			return diffs, true
		}
		serial = d.NewSerial
	}
}

// Added returns the RRsets this diff introduces.
func (d *Diff) Added() []Change {
	out := make([]Change, len(d.added))
	for i, c := range d.added {
		out[i] = c.export()
	}
	return out
}

// Removed returns the RRsets this diff removes.
func (d *Diff) Removed() []Change {
	out := make([]Change, len(d.removed))
	for i, c := range d.removed {
		out[i] = c.export()
	}
	return out
}
