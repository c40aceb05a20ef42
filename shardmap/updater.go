package shardmap

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/forestrie/go-shardmap/blobs"
)

// RollupFunc computes the opaque aggregate cached on a stored reference.
// path is the absolute key bytes from the root down to n, excluding n's own
// Prefix, so path+n.Prefix(+...) reconstructs the full keys of the subtree.
// The result must be a pure function of (path, logical subtree contents) or
// content-addressing determinism is lost.
type RollupFunc func(path []byte, n *Node) ([]byte, error)

type UpdaterConfig struct {
	// WeightLimit bounds how heavy a node may grow before its children are
	// stored as separate blobs instead of inlined. It trades blob count
	// against blob size and never changes logical results. Must be >= 1.
	WeightLimit uint64

	// Rollup, when set, is evaluated for every subtree stored by reference.
	Rollup RollupFunc
}

// Updater applies batch replacements to an immutable snapshot of a map,
// publishing any newly required blobs and returning the new root. It never
// mutates existing nodes; concurrent updates against the same base root
// produce independent results, and serializing the subsequent root swap is
// the caller's responsibility.
type Updater struct {
	cfg   UpdaterConfig
	log   logger.Logger
	store blobs.Store
	codec Codec
}

func NewUpdater(cfg UpdaterConfig, log logger.Logger, store blobs.Store) (*Updater, error) {
	if cfg.WeightLimit < 1 {
		return nil, ErrInvalidWeightLimit
	}
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	return &Updater{cfg: cfg, log: log, store: store, codec: codec}, nil
}

// Update applies reps to the map at root and returns the root of the
// resulting map. Deleting an absent key and overwriting a key with its
// current value are no-ops; if every entry of reps is a no-op the returned
// root is identical to the input and nothing is written.
func (u *Updater) Update(ctx context.Context, root ID, reps ReplacementSet) (ID, error) {
	if len(reps) == 0 {
		return root, nil
	}
	n := &Node{}
	if !root.IsZero() {
		var err error
		if n, err = u.fetch(ctx, root); err != nil {
			return ID{}, err
		}
	}
	res, changed, err := u.apply(ctx, n, nil, reps)
	if err != nil {
		return ID{}, err
	}
	if !changed {
		return root, nil
	}
	if res.IsEmpty() {
		return ID{}, nil
	}
	data, err := u.codec.MarshalNode(res)
	if err != nil {
		return ID{}, err
	}
	id, err := u.store.Put(ctx, data)
	if err != nil {
		return ID{}, fmt.Errorf("publishing root: %w", err)
	}
	u.log.Debugf("update: new root %s, %d replacements", id, len(reps))
	return id, nil
}

// apply computes the replacement of n under reps. path holds the absolute
// key bytes consumed above n, excluding n.Prefix. The returned node is
// freshly built and in canonical form; changed is false exactly when every
// replacement was a no-op, in which case the returned node is n itself.
func (u *Updater) apply(ctx context.Context, n *Node, path []byte, reps map[string]Replacement) (*Node, bool, error) {
	// Longest common prefix of the node's prefix and every insertion key.
	// Deletions never force a split: a deletion that diverges from the
	// prefix names an absent key and is dropped as a no-op below.
	lcp := n.Prefix
	insertions := false
	for k, rep := range reps {
		if rep.Delete {
			continue
		}
		insertions = true
		lcp = commonPrefix(lcp, []byte(k))
	}

	cur := Node{}
	changed := false
	switch {
	case insertions && n.IsEmpty() && len(n.Prefix) == 0:
		// Fresh subtree: adopt the common prefix of the inserted keys
		// directly so compression never depends on insertion order.
		cur.Prefix = insertionsPrefix(reps)
		changed = true
	case len(lcp) < len(n.Prefix):
		// Divergent prefix: split into an upper node carrying the common
		// prefix, with the original node (and all its children) demoted to
		// a single child keyed by the first diverging byte. A split only
		// happens when an insertion introduces a new key, so this is
		// always a change.
		lower := *n
		lower.Prefix = append([]byte(nil), n.Prefix[len(lcp)+1:]...)
		cur.Prefix = append([]byte(nil), lcp...)
		cur.Children = []Child{{Byte: n.Prefix[len(lcp)], Node: &lower}}
		changed = true
	default:
		cur = Node{
			Prefix:   n.Prefix,
			HasValue: n.HasValue,
			Value:    n.Value,
			Children: n.Children,
		}
	}

	// Strip the node prefix from every replacement key. Keys that terminate
	// exactly here target the node's own value; the rest partition by their
	// next byte.
	var valueRep *Replacement
	parts := map[byte]map[string]Replacement{}
	for k, rep := range reps {
		kb := []byte(k)
		if !bytes.HasPrefix(kb, cur.Prefix) {
			if rep.Delete {
				continue
			}
			// Unreachable for well-formed inputs: the lcp handling above
			// guarantees every insertion key extends cur.Prefix.
			return nil, false, fmt.Errorf("%w: insertion %x does not extend node prefix", ErrInvalidReplacement, kb)
		}
		rest := kb[len(cur.Prefix):]
		if len(rest) == 0 {
			r := rep
			valueRep = &r
			continue
		}
		part := parts[rest[0]]
		if part == nil {
			part = map[string]Replacement{}
			parts[rest[0]] = part
		}
		part[string(rest[1:])] = rep
	}

	if valueRep != nil {
		switch {
		case valueRep.Delete:
			if cur.HasValue {
				cur.HasValue = false
				cur.Value = nil
				changed = true
			}
		case !cur.HasValue || !bytes.Equal(cur.Value, valueRep.Value):
			cur.HasValue = true
			cur.Value = append([]byte(nil), valueRep.Value...)
			changed = true
		}
	}

	childPath := make([]byte, 0, len(path)+len(cur.Prefix)+1)
	childPath = append(childPath, path...)
	childPath = append(childPath, cur.Prefix...)

	children, childrenChanged, err := u.applyChildren(ctx, cur.Children, childPath, parts)
	if err != nil {
		return nil, false, err
	}
	changed = changed || childrenChanged
	if !changed {
		return n, false, nil
	}
	cur.Children = children

	if cur.IsEmpty() {
		return &cur, true, nil
	}

	// A node with no value and a single child violates prefix compression:
	// fold the child (fetching it if stored) into this node's prefix.
	if !cur.HasValue && len(cur.Children) == 1 {
		c := cur.Children[0]
		cn := c.Node
		if cn == nil {
			if cn, err = u.fetch(ctx, c.Ref.ID); err != nil {
				return nil, false, err
			}
		}
		merged := make([]byte, 0, len(cur.Prefix)+1+len(cn.Prefix))
		merged = append(merged, cur.Prefix...)
		merged = append(merged, c.Byte)
		merged = append(merged, cn.Prefix...)
		cur = Node{
			Prefix:   merged,
			HasValue: cn.HasValue,
			Value:    cn.Value,
			Children: cn.Children,
		}
	}

	if err = u.layoutChildren(ctx, &cur, path); err != nil {
		return nil, false, err
	}
	return &cur, true, nil
}

// applyChildren merges the (ascending) existing children with the
// (ascending) partitioned replacements, recursing where they meet. Children
// untouched by any partition are carried through unchanged, preserving
// their representation so undisturbed subtrees are reused by NodeId.
func (u *Updater) applyChildren(
	ctx context.Context, children []Child, childPath []byte, parts map[byte]map[string]Replacement,
) ([]Child, bool, error) {

	if len(parts) == 0 {
		return children, false, nil
	}

	partBytes := make([]int, 0, len(parts))
	for b := range parts {
		partBytes = append(partBytes, int(b))
	}
	sort.Ints(partBytes)

	changed := false
	out := make([]Child, 0, len(children)+len(parts))
	ci := 0
	for _, pb := range partBytes {
		b := byte(pb)
		for ci < len(children) && children[ci].Byte < b {
			out = append(out, children[ci])
			ci++
		}
		edgePath := append(childPath[:len(childPath):len(childPath)], b)

		if ci < len(children) && children[ci].Byte == b {
			c := children[ci]
			ci++
			cn := c.Node
			if cn == nil {
				var err error
				if cn, err = u.fetch(ctx, c.Ref.ID); err != nil {
					return nil, false, err
				}
			}
			res, chChanged, err := u.apply(ctx, cn, edgePath, parts[b])
			if err != nil {
				return nil, false, err
			}
			if !chChanged {
				out = append(out, c)
				continue
			}
			changed = true
			if !res.IsEmpty() {
				out = append(out, Child{Byte: b, Node: res})
			}
			continue
		}

		// No child on this edge: deletions are no-ops, insertions grow a
		// fresh subtree.
		part := insertionsOnly(parts[b])
		if len(part) == 0 {
			continue
		}
		res, _, err := u.apply(ctx, &Node{}, edgePath, part)
		if err != nil {
			return nil, false, err
		}
		if !res.IsEmpty() {
			changed = true
			out = append(out, Child{Byte: b, Node: res})
		}
	}
	for ci < len(children) {
		out = append(out, children[ci])
		ci++
	}
	if !changed {
		return children, false, nil
	}
	return out, true, nil
}

// layoutChildren applies the inlining policy: children are considered in
// ascending order and inlined while the running node weight stays within
// the limit; from the first child that would exceed it, that child and
// every later one are stored by reference, keeping the decision
// order-stable. The outcome is a pure function of the children's logical
// contents, so layout never depends on update history.
func (u *Updater) layoutChildren(ctx context.Context, n *Node, path []byte) error {
	var w uint64
	if n.HasValue {
		w = 1
	}
	base := make([]byte, 0, len(path)+len(n.Prefix)+1)
	base = append(base, path...)
	base = append(base, n.Prefix...)

	exceeded := false
	for i := range n.Children {
		c := &n.Children[i]
		cw := c.subtreeWeight()
		if !exceeded && w+cw <= u.cfg.WeightLimit {
			if c.Node == nil {
				// A sibling change made this stored subtree inlinable
				// again; canonical layout requires materializing it.
				cn, err := u.fetch(ctx, c.Ref.ID)
				if err != nil {
					return err
				}
				c.Node, c.Ref = cn, nil
			}
			w += cw
			continue
		}
		exceeded = true
		w++
		if c.Ref != nil {
			continue
		}
		edgePath := append(base[:len(base):len(base)], c.Byte)
		ref, err := u.storeChild(ctx, c.Node, edgePath)
		if err != nil {
			return err
		}
		c.Ref, c.Node = ref, nil
	}
	return nil
}

// storeChild publishes n as its own blob and builds the reference metadata
// cached in the parent.
func (u *Updater) storeChild(ctx context.Context, n *Node, path []byte) (*StoredRef, error) {
	data, err := u.codec.MarshalNode(n)
	if err != nil {
		return nil, err
	}
	id, err := u.store.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("storing subtree at %x: %w", path, err)
	}
	ref := &StoredRef{ID: id, Weight: n.Weight(), Size: uint64(len(data))}
	if u.cfg.Rollup != nil {
		if ref.Rollup, err = u.cfg.Rollup(path, n); err != nil {
			return nil, fmt.Errorf("rollup at %x: %w", path, err)
		}
	}
	return ref, nil
}

func (u *Updater) fetch(ctx context.Context, id ID) (*Node, error) {
	data, err := u.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolving node %s: %w", id, err)
	}
	n, err := u.codec.UnmarshalNode(data)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	return n, nil
}

// insertionsPrefix returns the longest common prefix across the insertion
// keys of reps. Only meaningful when reps contains at least one insertion.
func insertionsPrefix(reps map[string]Replacement) []byte {
	var lcp []byte
	first := true
	for k, rep := range reps {
		if rep.Delete {
			continue
		}
		if first {
			lcp = []byte(k)
			first = false
			continue
		}
		lcp = commonPrefix(lcp, []byte(k))
	}
	return append([]byte(nil), lcp...)
}

func insertionsOnly(reps map[string]Replacement) map[string]Replacement {
	out := map[string]Replacement{}
	for k, rep := range reps {
		if !rep.Delete {
			out[k] = rep
		}
	}
	return out
}

