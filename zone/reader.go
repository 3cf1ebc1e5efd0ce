package zone

import "golang.org/x/net/dns/dnsmessage"

// Record is a single resource record as a zonefile Reader yields it:
// decoupled from dnsmessage.Resource so a Reader implementation never
// needs to know about wire-format headers (class comes from the zone, and
// Load gives each RRset the TTL of the first record read for it).
type Record struct {
	Owner string
	Type  dnsmessage.Type
	TTL   uint32
	Body  dnsmessage.ResourceBody
}

// Reader produces the records of a zone for an initial load or a full
// reload. Parsing zonefile syntax itself is out of scope for this
// framework; Reader is the seam a caller plugs a parser into.
type Reader interface {
	// ReadZone streams every record of the zone, in any order, calling
	// emit once per record. An apex SOA and at least one apex NS must be
	// among them or the subsequent WriteGuard.Commit will reject the
	// load.
	ReadZone(emit func(Record) error) error
}

// Load reads every record from r into a fresh write transaction and
// commits it, replacing the zone's entire content. It is the framework's
// "full reload" path; incremental updates instead use Zone.Write directly
// with TrackChanges enabled.
func Load(z *Zone, r Reader) error {
	w := z.Write()
	w.DeleteNode("")

	grouped := make(map[string]map[dnsmessage.Type]*rrset)
	err := r.ReadZone(func(rec Record) error {
		byType, ok := grouped[rec.Owner]
		if !ok {
			byType = make(map[dnsmessage.Type]*rrset)
			grouped[rec.Owner] = byType
		}
		set, ok := byType[rec.Type]
		if !ok {
			set = &rrset{ttl: rec.TTL}
			byType[rec.Type] = set
		}
		set.records = append(set.records, rec.Body)
		return nil
	})
	if err != nil {
		w.Discard()
		return err
	}

	for owner, byType := range grouped {
		for typ, set := range byType {
			if err := w.UpdateRRSet(owner, typ, set.ttl, set.records); err != nil {
				w.Discard()
				return err
			}
		}
	}

	_, err = w.Commit()
	return err
}
