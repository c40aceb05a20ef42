package shardmap_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forestrie/go-shardmap/blobs"
	"github.com/forestrie/go-shardmap/shardmap"
	"github.com/forestrie/go-shardmap/shardmaptesting"
)

// A small weight limit forces stored references even for modest maps, so
// these tests exercise the fetch paths as well as the inline ones.
const testWeightLimit = 8

func newPair(tc *shardmaptesting.TestContext) (*shardmap.Updater, *shardmap.Reader) {
	u, err := shardmap.NewUpdater(
		shardmap.UpdaterConfig{WeightLimit: testWeightLimit}, tc.Log, tc.Store)
	require.NoError(tc.T, err)
	r, err := shardmap.NewReader(tc.Log, tc.Store)
	require.NoError(tc.T, err)
	return u, r
}

func TestRoundTrip(t *testing.T) {
	tc := shardmaptesting.NewTestContext(t, shardmaptesting.TestConfig{
		Seed: 20260826, TestLabelPrefix: "roundtrip"})
	u, r := newPair(tc)
	ctx := context.Background()

	entries := tc.GenerateKeyValues(100)
	root := tc.BuildMap(u, shardmap.ID{}, entries)

	for _, e := range entries {
		got, ok, err := r.Lookup(ctx, root, e.Key)
		require.NoError(t, err)
		require.True(t, ok, "key %s", e.Key)
		require.Equal(t, e.Value, got)
	}

	_, ok, err := r.Lookup(ctx, root, []byte("v1/manifests/absent"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOrderedTraversal(t *testing.T) {
	tc := shardmaptesting.NewTestContext(t, shardmaptesting.TestConfig{
		Seed: 2, TestLabelPrefix: "ordering"})
	u, r := newPair(tc)

	entries := tc.GenerateKeyValues(200)
	root := tc.BuildMap(u, shardmap.ID{}, entries)

	// GenerateKeyValues returns entries already in ascending key order, so
	// equality here is the strict-ordering guarantee.
	tc.RequireEntries(r, root, entries)

	got, err := r.Entries(context.Background(), root)
	require.NoError(t, err)
	for i := 1; i < len(got); i++ {
		require.Negative(t, bytes.Compare(got[i-1].Key, got[i].Key),
			"keys must be strictly ascending at %d", i)
	}
}

func TestWalkStopsEarly(t *testing.T) {
	tc := shardmaptesting.NewTestContext(t, shardmaptesting.TestConfig{
		Seed: 3, TestLabelPrefix: "walkstop"})
	u, r := newPair(tc)

	entries := tc.GenerateKeyValues(50)
	root := tc.BuildMap(u, shardmap.ID{}, entries)

	var visited int
	err := r.Walk(context.Background(), root, func(key, value []byte) error {
		visited++
		if visited == 10 {
			return shardmap.ErrStopWalk
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 10, visited)

	wantErr := errors.New("visit failed")
	err = r.Walk(context.Background(), root, func(key, value []byte) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestDeletion(t *testing.T) {
	tc := shardmaptesting.NewTestContext(t, shardmaptesting.TestConfig{
		Seed: 4, TestLabelPrefix: "deletion"})
	u, r := newPair(tc)
	ctx := context.Background()

	entries := tc.GenerateKeyValues(60)
	root := tc.BuildMap(u, shardmap.ID{}, entries)

	victim := entries[17]
	del := shardmap.ReplacementSet{}
	del.Delete(victim.Key)
	newRoot, err := u.Update(ctx, root, del)
	require.NoError(t, err)
	require.NotEqual(t, root, newRoot)

	_, ok, err := r.Lookup(ctx, newRoot, victim.Key)
	require.NoError(t, err)
	require.False(t, ok)

	// The old root still reads the full map: nothing is mutated in place.
	got, ok, err := r.Lookup(ctx, root, victim.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, victim.Value, got)

	// Deleting the already-absent key again is a no-op.
	again, err := u.Update(ctx, newRoot, del)
	require.NoError(t, err)
	require.Equal(t, newRoot, again)

	var want []shardmap.Entry
	for i, e := range entries {
		if i != 17 {
			want = append(want, e)
		}
	}
	tc.RequireEntries(r, newRoot, want)
}

// Two maps reaching the same logical contents through different histories
// must have identical root identifiers.
func TestContentAddressingIsHistoryIndependent(t *testing.T) {
	tc := shardmaptesting.NewTestContext(t, shardmaptesting.TestConfig{
		Seed: 5, TestLabelPrefix: "history"})
	u, _ := newPair(tc)
	ctx := context.Background()

	entries := tc.GenerateKeyValues(80)
	extra := tc.GenerateKeyValues(10)

	// History A: everything in one batch.
	rootA := tc.BuildMap(u, shardmap.ID{}, entries)

	// History B: two batches in reverse halves, plus keys that are later
	// deleted and an overwrite that is reverted.
	rootB := tc.BuildMap(u, shardmap.ID{}, entries[40:])
	rootB = tc.BuildMap(u, rootB, extra)
	rootB = tc.BuildMap(u, rootB, entries[:40])

	fixup := shardmap.ReplacementSet{}
	for _, e := range extra {
		fixup.Delete(e.Key)
	}
	fixup.Put(entries[0].Key, entries[0].Value)
	rootB, err := u.Update(ctx, rootB, fixup)
	require.NoError(t, err)

	require.Equal(t, rootA, rootB)
}

// Applying the same replacement set twice yields the same root as applying
// it once.
func TestIdempotentReapplication(t *testing.T) {
	tc := shardmaptesting.NewTestContext(t, shardmaptesting.TestConfig{
		Seed: 6, TestLabelPrefix: "idempotent"})
	u, _ := newPair(tc)
	ctx := context.Background()

	entries := tc.GenerateKeyValues(40)
	root := tc.BuildMap(u, shardmap.ID{}, entries[:30])

	reps := shardmaptesting.PutAll(entries[20:])
	for _, e := range entries[:5] {
		reps.Delete(e.Key)
	}

	once, err := u.Update(ctx, root, reps)
	require.NoError(t, err)
	twice, err := u.Update(ctx, once, reps)
	require.NoError(t, err)
	require.Equal(t, once, twice)
}

// An update touching one key must reuse, by identifier, every stored
// subtree on paths disjoint from that key.
func TestUpdateLocality(t *testing.T) {
	tc := shardmaptesting.NewTestContext(t, shardmaptesting.TestConfig{
		Seed: 7, TestLabelPrefix: "locality"})
	ctx := context.Background()

	u, err := shardmap.NewUpdater(shardmap.UpdaterConfig{WeightLimit: 8}, tc.Log, tc.Store)
	require.NoError(t, err)

	// Ten leaves under each of "a" and "b"; with L=8 both subtrees weigh 10
	// and are stored by reference.
	reps := shardmap.ReplacementSet{}
	for i := byte(0); i < 10; i++ {
		reps.Put([]byte{'a', '0' + i}, []byte{i})
		reps.Put([]byte{'b', '0' + i}, []byte{i})
	}
	root, err := u.Update(ctx, shardmap.ID{}, reps)
	require.NoError(t, err)

	before := fetchRootChildren(t, tc, root)
	require.NotNil(t, before[0].Ref)
	require.NotNil(t, before[1].Ref)

	tc.Store.ResetCounters()

	touch := shardmap.ReplacementSet{}
	touch.Put([]byte("a0"), []byte{0xFF})
	newRoot, err := u.Update(ctx, root, touch)
	require.NoError(t, err)
	require.NotEqual(t, root, newRoot)

	after := fetchRootChildren(t, tc, newRoot)

	// The 'a' subtree was rewritten; the 'b' subtree is the same blob.
	require.NotEqual(t, before[0].Ref.ID, after[0].Ref.ID)
	require.Equal(t, before[1].Ref.ID, after[1].Ref.ID)

	// Exactly two new blobs: the rewritten 'a' subtree and the new root.
	require.Equal(t, uint64(2), tc.Store.Written())
}

func fetchRootChildren(t *testing.T, tc *shardmaptesting.TestContext, root shardmap.ID) []shardmap.Child {
	t.Helper()
	codec, err := shardmap.NewCodec()
	require.NoError(t, err)
	data, err := tc.Store.Get(context.Background(), root)
	require.NoError(t, err)
	n, err := codec.UnmarshalNode(data)
	require.NoError(t, err)
	require.Len(t, n.Children, 2)
	return n.Children
}

func TestEmptyValueIsPresent(t *testing.T) {
	tc := shardmaptesting.NewTestContext(t, shardmaptesting.TestConfig{
		Seed: 8, TestLabelPrefix: "emptyvalue"})
	u, r := newPair(tc)
	ctx := context.Background()

	reps := shardmap.ReplacementSet{}
	reps.Put([]byte("present-but-empty"), []byte{})
	root, err := u.Update(ctx, shardmap.ID{}, reps)
	require.NoError(t, err)

	got, ok, err := r.Lookup(ctx, root, []byte("present-but-empty"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got)
}

func TestEmptyMapReads(t *testing.T) {
	tc := shardmaptesting.NewTestContext(t, shardmaptesting.TestConfig{
		Seed: 9, TestLabelPrefix: "emptymap"})
	_, r := newPair(tc)
	ctx := context.Background()

	_, ok, err := r.Lookup(ctx, shardmap.ID{}, []byte("anything"))
	require.NoError(t, err)
	require.False(t, ok)

	entries, err := r.Entries(ctx, shardmap.ID{})
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, r.Prefetch(ctx, shardmap.ID{}, 4))
	require.Equal(t, uint64(0), tc.Store.Gets())
}

func TestMissingBlobSurfaces(t *testing.T) {
	tc := shardmaptesting.NewTestContext(t, shardmaptesting.TestConfig{
		Seed: 10, TestLabelPrefix: "missing"})
	_, r := newPair(tc)
	ctx := context.Background()

	missing := blobs.NewID([]byte("never stored"))
	_, _, err := r.Lookup(ctx, missing, []byte("k"))
	require.ErrorIs(t, err, blobs.ErrBlobNotFound)

	err = r.Walk(ctx, missing, func(key, value []byte) error { return nil })
	require.ErrorIs(t, err, blobs.ErrBlobNotFound)
}

func TestCorruptBlobSurfaces(t *testing.T) {
	tc := shardmaptesting.NewTestContext(t, shardmaptesting.TestConfig{
		Seed: 11, TestLabelPrefix: "corrupt"})
	_, r := newPair(tc)
	ctx := context.Background()

	id, err := tc.Store.Put(ctx, []byte("these bytes are not a node"))
	require.NoError(t, err)

	_, _, err = r.Lookup(ctx, id, []byte("k"))
	require.ErrorIs(t, err, shardmap.ErrDecodeInvalid)
}

func TestPrefetchWarmsEveryStoredSubtree(t *testing.T) {
	tc := shardmaptesting.NewTestContext(t, shardmaptesting.TestConfig{
		Seed: 12, TestLabelPrefix: "prefetch"})
	u, r := newPair(tc)
	ctx := context.Background()

	entries := tc.GenerateKeyValues(150)
	root := tc.BuildMap(u, shardmap.ID{}, entries)

	tc.Store.ResetCounters()
	serial, err := r.Entries(ctx, root)
	require.NoError(t, err)
	require.Len(t, serial, len(entries))
	walkGets := tc.Store.Gets()
	require.Greater(t, walkGets, uint64(0))

	tc.Store.ResetCounters()
	require.NoError(t, r.Prefetch(ctx, root, 4))
	require.Equal(t, walkGets, tc.Store.Gets(),
		"prefetch must resolve exactly the stored nodes a walk resolves")

	require.NoError(t, r.Prefetch(ctx, root, 0))
}
