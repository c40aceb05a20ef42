// Package shardmaptesting provides shared scaffolding for exercising the
// sharded map: a bootstrapped logger, an in-memory counting blob store, and
// deterministic key/value generation so failures reproduce from run to run.
package shardmaptesting

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/forestrie/go-shardmap/blobs"
	"github.com/forestrie/go-shardmap/shardmap"
)

type TestConfig struct {
	// Seed drives all generated data. Force it to a fixed value so the
	// generated keys are the same from run to run.
	Seed            int64
	TestLabelPrefix string
}

type TestContext struct {
	Log   logger.Logger
	Store *blobs.MemStore
	T     *testing.T

	rng *rand.Rand
}

func NewTestContext(t *testing.T, cfg TestConfig) *TestContext {
	logger.New("NOOP")
	t.Cleanup(logger.OnExit)

	return &TestContext{
		Log:   logger.Sugar.WithServiceName(cfg.TestLabelPrefix),
		Store: blobs.NewMemStore(),
		T:     t,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// GenerateKeyValues produces n distinct manifest-style keys with random
// values, sorted ascending by key.
func (c *TestContext) GenerateKeyValues(n int) []shardmap.Entry {
	seen := map[string]bool{}
	entries := make([]shardmap.Entry, 0, n)
	for len(entries) < n {
		var idBytes [16]byte
		_, _ = c.rng.Read(idBytes[:])
		id, err := uuid.FromBytes(idBytes[:])
		require.NoError(c.T, err)

		key := "v1/manifests/" + id.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		value := make([]byte, 8+c.rng.Intn(24))
		_, _ = c.rng.Read(value)
		entries = append(entries, shardmap.Entry{Key: []byte(key), Value: value})
	}
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].Key) < string(entries[j].Key)
	})
	return entries
}

// PutAll builds a replacement set inserting every entry.
func PutAll(entries []shardmap.Entry) shardmap.ReplacementSet {
	reps := shardmap.ReplacementSet{}
	for _, e := range entries {
		reps.Put(e.Key, e.Value)
	}
	return reps
}

// BuildMap inserts entries into the map at root and returns the new root.
func (c *TestContext) BuildMap(u *shardmap.Updater, root shardmap.ID, entries []shardmap.Entry) shardmap.ID {
	newRoot, err := u.Update(context.Background(), root, PutAll(entries))
	require.NoError(c.T, err)
	return newRoot
}

// RequireEntries asserts that the map at root holds exactly want, in order.
func (c *TestContext) RequireEntries(r *shardmap.Reader, root shardmap.ID, want []shardmap.Entry) {
	got, err := r.Entries(context.Background(), root)
	require.NoError(c.T, err)
	require.Equal(c.T, len(want), len(got))
	for i := range want {
		require.Equal(c.T, want[i].Key, got[i].Key, "key %d", i)
		require.Equal(c.T, want[i].Value, got[i].Value, "value for %s", want[i].Key)
	}
}
