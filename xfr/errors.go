package xfr

import (
	"errors"

	"golang.org/x/net/dns/dnsmessage"
)

// errNoSOA is returned when a transfer is requested for a zone with no
// committed version yet, and so no valid SOA to bracket the transfer.
var errNoSOA = errors.New("xfr: zone has no SOA, transfer refused")

// TypeIXFR is the IXFR QTYPE (RFC 1995 §3). golang.org/x/net/dns/dnsmessage
// defines TypeAXFR but not TypeIXFR, so it is declared here as the one
// protocol constant this package needs that the wire library omits.
const TypeIXFR dnsmessage.Type = 251
