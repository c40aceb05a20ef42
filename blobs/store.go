// Package blobs defines the content-addressed blob store boundary consumed
// by the sharded map core, together with an in-memory implementation and an
// Azure Blob Storage adapter.
//
// A blob's identity is the sha256 of its bytes. Put is idempotent: putting
// identical bytes twice returns the same ID and the second call may be a
// no-op. No retry, ordering or transactional guarantees are made here; those
// are the business of the backing store.
package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// IDBytes is the fixed width of a content address.
const IDBytes = sha256.Size

// ID is the content address of a blob: the sha256 of its bytes.
type ID [IDBytes]byte

var (
	ErrBlobNotFound = errors.New("blobs: blob not found")
	ErrBadIDSize    = errors.New("blobs: identifier must be 32 bytes")

	// ErrIDMismatch indicates fetched bytes do not hash to the identifier
	// they were requested by. This is a storage consistency failure.
	ErrIDMismatch = errors.New("blobs: fetched bytes do not match their content address")
)

// NewID returns the content address of data.
func NewID(data []byte) ID {
	return sha256.Sum256(data)
}

// IDFromBytes converts a raw digest to an ID.
func IDFromBytes(b []byte) (ID, error) {
	if len(b) != IDBytes {
		return ID{}, ErrBadIDSize
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// ParseID decodes the hex representation produced by String.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, err
	}
	return IDFromBytes(b)
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the reserved zero identifier. No blob is ever
// stored under the zero identifier.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Store is the content-addressed get/put contract.
//
// Get returns the bytes previously stored under id, or an error wrapping
// ErrBlobNotFound. Put stores data under NewID(data) and returns that
// identifier; storing bytes that are already present is a defined no-op.
type Store interface {
	Get(ctx context.Context, id ID) ([]byte, error)
	Put(ctx context.Context, data []byte) (ID, error)
}
