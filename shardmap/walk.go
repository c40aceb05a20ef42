package shardmap

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// VisitFunc receives each (key, value) pair of a traversal. Returning
// ErrStopWalk ends the traversal early without error; any other error
// aborts it and propagates to the caller. The key slice is freshly
// allocated per entry and may be retained.
type VisitFunc func(key []byte, value []byte) error

// Entry is one key/value pair of a map.
type Entry struct {
	Key   []byte
	Value []byte
}

// Walk visits every entry reachable from root in strictly ascending
// byte-lexicographic key order, fetching stored children lazily. Restarting
// a walk from the same root always reproduces the identical sequence; there
// is no persistent cursor.
func (r *Reader) Walk(ctx context.Context, root ID, visit VisitFunc) error {
	if root.IsZero() {
		return nil
	}
	n, err := r.fetch(ctx, root)
	if err != nil {
		return err
	}
	if err := r.walk(ctx, n, nil, visit); err != nil && !errors.Is(err, ErrStopWalk) {
		return err
	}
	return nil
}

func (r *Reader) walk(ctx context.Context, n *Node, acc []byte, visit VisitFunc) error {
	// Each node gets a fresh key buffer so appends for one child can never
	// clobber the bytes seen by a sibling.
	key := make([]byte, 0, len(acc)+len(n.Prefix)+1)
	key = append(key, acc...)
	key = append(key, n.Prefix...)

	if n.HasValue {
		if err := visit(key, n.Value); err != nil {
			return err
		}
	}
	for i := range n.Children {
		c := &n.Children[i]
		cn := c.Node
		if cn == nil {
			var err error
			if cn, err = r.fetch(ctx, c.Ref.ID); err != nil {
				return err
			}
		}
		childAcc := append(key[:len(key):len(key)], c.Byte)
		if err := r.walk(ctx, cn, childAcc, visit); err != nil {
			return err
		}
	}
	return nil
}

// Entries collects the full ordered contents of the map at root. It is a
// convenience over Walk for small maps and tests; large maps should walk.
func (r *Reader) Entries(ctx context.Context, root ID) ([]Entry, error) {
	var entries []Entry
	err := r.Walk(ctx, root, func(key []byte, value []byte) error {
		entries = append(entries, Entry{Key: key, Value: value})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Prefetch resolves every stored reference reachable from root, fanning the
// fetches out across sibling subtrees. Sibling fetches have no ordering
// constraint between them, only between a parent and its children, so the
// fan-out is bounded solely by concurrency (<=0 means unbounded). It is
// useful for warming a caching store ahead of a traversal; results are
// discarded and the first error wins.
func (r *Reader) Prefetch(ctx context.Context, root ID, concurrency int) error {
	if root.IsZero() {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	err := r.prefetch(ctx, g, root)
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

func (r *Reader) prefetch(ctx context.Context, g *errgroup.Group, id ID) error {
	run := func() error {
		n, err := r.fetch(ctx, id)
		if err != nil {
			return err
		}
		return r.prefetchChildren(ctx, g, n)
	}
	// When the group is at its limit, descend synchronously rather than
	// blocking; a blocked spawner would hold its own slot and can deadlock
	// the group.
	if g.TryGo(run) {
		return nil
	}
	return run()
}

func (r *Reader) prefetchChildren(ctx context.Context, g *errgroup.Group, n *Node) error {
	for i := range n.Children {
		c := &n.Children[i]
		if c.Node != nil {
			if err := r.prefetchChildren(ctx, g, c.Node); err != nil {
				return err
			}
			continue
		}
		if err := r.prefetch(ctx, g, c.Ref.ID); err != nil {
			return err
		}
	}
	return nil
}
