package keybloom

import (
	"fmt"

	"github.com/forestrie/go-shardmap/shardmap"
)

// Rollup returns a shardmap.RollupFunc that summarizes every full key of a
// stored subtree into a filter with parameters p. Keys held inline are
// added directly; subtrees already stored by reference contribute their
// cached rollup by union, so the computation never fetches.
func Rollup(p Params) shardmap.RollupFunc {
	return func(path []byte, n *shardmap.Node) ([]byte, error) {
		f, err := New(p)
		if err != nil {
			return nil, err
		}
		if err := accumulate(f, path, n); err != nil {
			return nil, err
		}
		return f.Bytes(), nil
	}
}

func accumulate(f *Filter, acc []byte, n *shardmap.Node) error {
	key := make([]byte, 0, len(acc)+len(n.Prefix)+1)
	key = append(key, acc...)
	key = append(key, n.Prefix...)
	if n.HasValue {
		f.Add(key)
	}
	for i := range n.Children {
		c := &n.Children[i]
		if c.Node != nil {
			childAcc := append(key[:len(key):len(key)], c.Byte)
			if err := accumulate(f, childAcc, c.Node); err != nil {
				return err
			}
			continue
		}
		if len(c.Ref.Rollup) == 0 {
			return fmt.Errorf("%w: subtree %s", ErrNoRollup, c.Ref.ID)
		}
		if err := f.Union(c.Ref.Rollup); err != nil {
			return fmt.Errorf("subtree %s: %w", c.Ref.ID, err)
		}
	}
	return nil
}

// RefFilter returns a shardmap.RefFilter that skips fetching stored
// subtrees whose rollup excludes the key. References without a usable
// keybloom rollup are conservatively fetched.
func RefFilter() shardmap.RefFilter {
	return func(ref *shardmap.StoredRef, key []byte, remaining []byte) bool {
		f, err := FromBytes(ref.Rollup)
		if err != nil {
			return true
		}
		return f.MayContain(key)
	}
}
