package shardmap

/*

# Sharded content-addressed map

This package implements a persistent key/value map over a content-addressed
blob store, built as a prefix-compressed byte trie. It is the substrate the
surrounding storage system uses for very large mappings (per-directory
manifest entries and the like) where loading the whole mapping to answer a
single query is unacceptable.

It follows the same "functional primitives" style as the rest of this
codebase:

- small, composable functions
- explicit invariants, enforced at the codec boundary
- immutable data, copy on write

## Core model

A map is a tree of Nodes. A Node carries:

- `Prefix`: a run of key bytes shared by everything below it (single-child
  chains are always compressed into the prefix)
- an optional value for the key that terminates exactly at this node
- children keyed by a single byte, unique and strictly ascending

The full key of any value-bearing node is the concatenation of every Prefix
and edge byte on the path from the root. A child is either inlined (its
bytes live inside the parent blob) or stored by reference: a NodeId plus
cached weight, byte size and an opaque rollup usable for aggregate queries
without fetching the subtree.

A NodeId is the sha256 of the node's canonical serialization, so logically
identical subtrees share storage across maps and across versions of the same
map. A map version is just a NodeId; the zero NodeId is the empty map and is
never written to the store.

## Reading and writing

Reader resolves lookups and ordered traversals lazily, fetching stored
children one hop at a time. Updater applies a batch of insertions and
deletions against an immutable snapshot and returns a new root NodeId; it
never mutates published nodes, and subtrees on paths disjoint from the batch
are reused by NodeId rather than rewritten.

Whether a child is inlined is decided by a weight limit threaded explicitly
through UpdaterConfig. The layout decision is deterministic given the
logical contents, so two update histories that arrive at the same logical
map produce bit-identical roots. Readers must never assume a particular
inlining outcome.

## Concurrency

Published nodes are immutable, so any number of readers may traverse the
same or different roots without coordination. Updates race only at the
"publish this root as current" step, which is the caller's concern (this
package returns new roots, it does not swap pointers).

*/
