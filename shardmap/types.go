package shardmap

import (
	"errors"

	"github.com/forestrie/go-shardmap/blobs"
)

// ID identifies a stored node: the sha256 of its canonical serialization.
// The zero ID is the empty map; no blob exists for it.
type ID = blobs.ID

var (
	ErrDecodeInvalid      = errors.New("shardmap: bytes do not decode as a valid node")
	ErrEncodeInvalid      = errors.New("shardmap: node violates canonical form")
	ErrInvalidReplacement = errors.New("shardmap: replacement set violates key reconstruction")
	ErrInvalidWeightLimit = errors.New("shardmap: weight limit must be at least 1")

	// ErrStopWalk stops an in-progress Walk without reporting an error.
	ErrStopWalk = errors.New("shardmap: stop walk")
)
