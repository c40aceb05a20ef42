package blobs

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store. It is safe for concurrent use.
//
// It counts the operations made against it so tests can assert physical
// behaviour: how many blobs an update actually wrote, and how many fetches a
// traversal actually made.
type MemStore struct {
	mu      sync.RWMutex
	blobs   map[ID][]byte
	gets    uint64
	puts    uint64
	written uint64
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: map[ID][]byte{}}
}

func (s *MemStore) Get(ctx context.Context, id ID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	data, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrBlobNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemStore) Put(ctx context.Context, data []byte) (ID, error) {
	id := NewID(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if _, ok := s.blobs[id]; ok {
		return id, nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[id] = stored
	s.written++
	return id, nil
}

// Has reports whether id is present without counting a Get.
func (s *MemStore) Has(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[id]
	return ok
}

// Len returns the number of distinct blobs held.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Gets returns the number of Get calls made.
func (s *MemStore) Gets() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gets
}

// Puts returns the number of Put calls made, including de-duplicated ones.
func (s *MemStore) Puts() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// Written returns the number of Put calls that stored new bytes rather than
// de-duplicating against an existing blob.
func (s *MemStore) Written() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.written
}

// ResetCounters zeroes the operation counters, leaving the blobs in place.
func (s *MemStore) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets, s.puts, s.written = 0, 0, 0
}
