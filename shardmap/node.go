package shardmap

import (
	"sort"
)

// Node is the immutable unit of the map. Children are unique and strictly
// ascending by edge byte; Value is meaningful only when HasValue is set
// (an empty value is legal and distinct from an absent one).
//
// Nodes are created by Updater and never mutated once published. Callers
// must treat every field as read-only.
type Node struct {
	Prefix   []byte
	HasValue bool
	Value    []byte
	Children []Child
}

// Child is either an inlined node or a stored reference; exactly one of
// Node and Ref is non-nil.
type Child struct {
	Byte byte
	Node *Node
	Ref  *StoredRef
}

// StoredRef points at an independently fetchable node blob, carrying the
// metadata cached alongside the reference: the subtree weight, the blob
// byte size, and the caller-opaque rollup.
type StoredRef struct {
	ID     ID
	Weight uint64
	Size   uint64
	Rollup []byte
}

// IsEmpty reports whether n holds no value and no children. An empty node
// is pruned from its parent and, at the root, collapses to the zero ID.
func (n *Node) IsEmpty() bool {
	return !n.HasValue && len(n.Children) == 0
}

// Weight is the cached size measure used by the inlining policy: 1 if the
// node holds a value, plus 1 for each stored-reference child, plus the full
// weight of each inlined child.
func (n *Node) Weight() uint64 {
	var w uint64
	if n.HasValue {
		w = 1
	}
	for i := range n.Children {
		w += n.Children[i].weight()
	}
	return w
}

func (c *Child) weight() uint64 {
	if c.Node != nil {
		return c.Node.Weight()
	}
	return 1
}

// subtreeWeight is the weight of the child's subtree regardless of how the
// child is represented; for stored references it is the cached value.
func (c *Child) subtreeWeight() uint64 {
	if c.Node != nil {
		return c.Node.Weight()
	}
	return c.Ref.Weight
}

// childIndex locates the child keyed by b.
func (n *Node) childIndex(b byte) (int, bool) {
	i := sort.Search(len(n.Children), func(i int) bool {
		return n.Children[i].Byte >= b
	})
	if i < len(n.Children) && n.Children[i].Byte == b {
		return i, true
	}
	return i, false
}

// Replacement is one entry of a batch update: an insert/overwrite when
// Delete is false, a deletion otherwise.
type Replacement struct {
	Value  []byte
	Delete bool
}

// ReplacementSet maps keys to their replacement. Deleting an absent key and
// overwriting a key with its current value are both defined no-ops.
type ReplacementSet map[string]Replacement

// Put records an insert or overwrite of key with value.
func (rs ReplacementSet) Put(key []byte, value []byte) {
	rs[string(key)] = Replacement{Value: value}
}

// Delete records a deletion of key.
func (rs ReplacementSet) Delete(key []byte) {
	rs[string(key)] = Replacement{Delete: true}
}

// commonPrefix returns the longest common prefix of a and b, as a slice of a.
func commonPrefix(a, b []byte) []byte {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[:i]
		}
	}
	return a[:n]
}
