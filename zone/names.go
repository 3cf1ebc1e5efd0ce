// Package zone implements a concurrent, versioned zone store: a
// case-insensitive label tree of zones, each zone
// holding atomically-swapped, authoritative record snapshots and the diffs
// between them. Grounded on the naming conventions of
// siderolabs-coredns/plugin/file (Tree/Zone) and the commit/snapshot
// publication idiom original_source's middleware chain assumes of its
// zone-backed services.
package zone

import "strings"

// splitLabels splits a DNS name into its constituent labels, most specific
// first (e.g. "www.example.com." -> ["www", "example", "com"]), lowercased:
// label comparison is ASCII-case-insensitive, and the zone tree stores
// these lowercased labels, so owner names rebuilt from the tree (as
// Snapshot.Walk does) come out in lowercase.
func splitLabels(name string) []string {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil
	}

	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	return parts
}

// reversedLabels returns a name's labels from least to most specific (TLD
// first), the order a label tree is walked root-to-leaf in.
func reversedLabels(name string) []string {
	labels := splitLabels(name)
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return labels
}

// isSubdomain reports whether child is equal to or a descendant of parent,
// comparing ASCII-lowercased labels.
func isSubdomain(child, parent string) bool {
	c := splitLabels(child)
	p := splitLabels(parent)
	if len(p) > len(c) {
		return false
	}

	off := len(c) - len(p)
	for i, label := range p {
		if c[off+i] != label {
			return false
		}
	}
	return true
}
