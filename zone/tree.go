package zone

import (
	"fmt"
	"sync"

	"golang.org/x/net/dns/dnsmessage"
)

// treeNode is one label's position in the tree of loaded zones.
type treeNode struct {
	children map[string]*treeNode
	zones    map[dnsmessage.Class]*Zone
}

func newTreeNode() *treeNode {
	return &treeNode{children: make(map[string]*treeNode)}
}

// Tree is a case-insensitive label tree routing query names to the zone
// that is authoritative for them. Insertion and lookup walk the tree from
// the root (TLD) down, so the longest matching apex governs a name even
// when the name has labels beyond that apex.
type Tree struct {
	mu   sync.RWMutex
	root *treeNode
}

// NewTree constructs an empty zone tree.
func NewTree() *Tree {
	return &Tree{root: newTreeNode()}
}

// InsertZone adds a new zone to the tree, keyed by its apex name and
// class. It fails if the apex conflicts with an existing zone of the same
// class already rooted at that exact name.
func (t *Tree) InsertZone(z *Zone) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for _, label := range reversedLabels(z.Apex.String()) {
		child, ok := node.children[label]
		if !ok {
			child = newTreeNode()
			node.children[label] = child
		}
		node = child
	}

	if node.zones == nil {
		node.zones = make(map[dnsmessage.Class]*Zone)
	}
	if _, exists := node.zones[z.Class]; exists {
		return fmt.Errorf("zone: apex %s class %d already has a zone", z.Apex, z.Class)
	}

	node.zones[z.Class] = z
	return nil
}

// FindZone returns the zone that is authoritative for name: the zone whose
// apex is the longest suffix match of name among loaded zones of the given
// class, or nil if none covers it.
func (t *Tree) FindZone(name dnsmessage.Name, class dnsmessage.Class) *Zone {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node := t.root
	var best *Zone
	if z, ok := node.zones[class]; ok {
		best = z
	}

	for _, label := range reversedLabels(name.String()) {
		child, ok := node.children[label]
		if !ok {
			break
		}
		node = child
		if z, ok := node.zones[class]; ok {
			best = z
		}
	}

	return best
}

// RemoveZone removes the zone rooted at name/class, if any.
func (t *Tree) RemoveZone(name dnsmessage.Name, class dnsmessage.Class) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for _, label := range reversedLabels(name.String()) {
		child, ok := node.children[label]
		if !ok {
			return
		}
		node = child
	}

	delete(node.zones, class)
}
