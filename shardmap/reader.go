package shardmap

import (
	"bytes"
	"context"
	"fmt"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/forestrie/go-shardmap/blobs"
)

// RefFilter is consulted before fetching a stored child during Lookup. key
// is the full key being looked up and remaining is its unconsumed suffix
// below the reference. Returning false asserts the key is definitely not in
// the subtree, so the fetch is skipped and the key reported absent. A
// filter must never produce false for a present key; rollup-backed filters
// such as keybloom satisfy this.
type RefFilter func(ref *StoredRef, key []byte, remaining []byte) bool

// Reader answers point lookups and ordered traversals against a root,
// fetching non-inlined children lazily. Readers are stateless with respect
// to the maps they read and safe for concurrent use.
type Reader struct {
	log    logger.Logger
	store  blobs.Store
	codec  Codec
	filter RefFilter
}

type ReaderOption func(*Reader)

// WithRefFilter installs a fetch-avoidance filter for stored references.
func WithRefFilter(f RefFilter) ReaderOption {
	return func(r *Reader) {
		r.filter = f
	}
}

func NewReader(log logger.Logger, store blobs.Store, opts ...ReaderOption) (*Reader, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	r := &Reader{log: log, store: store, codec: codec}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Lookup returns the value stored under key, if any. The result is
// deterministic for a given (root, key) pair and costs at most one fetch
// per non-inlined hop on the key's path.
func (r *Reader) Lookup(ctx context.Context, root ID, key []byte) ([]byte, bool, error) {
	if root.IsZero() {
		return nil, false, nil
	}
	n, err := r.fetch(ctx, root)
	if err != nil {
		return nil, false, err
	}
	remaining := key
	for {
		if !bytes.HasPrefix(remaining, n.Prefix) {
			return nil, false, nil
		}
		remaining = remaining[len(n.Prefix):]
		if len(remaining) == 0 {
			if !n.HasValue {
				return nil, false, nil
			}
			return n.Value, true, nil
		}
		i, ok := n.childIndex(remaining[0])
		if !ok {
			return nil, false, nil
		}
		c := &n.Children[i]
		remaining = remaining[1:]
		if c.Node != nil {
			n = c.Node
			continue
		}
		if r.filter != nil && !r.filter(c.Ref, key, remaining) {
			return nil, false, nil
		}
		if n, err = r.fetch(ctx, c.Ref.ID); err != nil {
			return nil, false, err
		}
	}
}

// fetch resolves id through the store and codec. Failures surface to the
// caller: a missing blob is a storage consistency error, never an empty
// subtree.
func (r *Reader) fetch(ctx context.Context, id ID) (*Node, error) {
	data, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolving node %s: %w", id, err)
	}
	n, err := r.codec.UnmarshalNode(data)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	return n, nil
}
