// Package keybloom provides a Bloom filter over full map keys, packaged as
// the rollup cached on a sharded map's stored references.
//
// A filter is a probabilistic prefilter: "definitely not present" is exact,
// "maybe present" admits false positives. It is an I/O optimization only,
// never a proof of exclusion. Because the filter covers full keys, unions of
// child rollups compose bottom-up without rehashing, at the cost that a
// reference's rollup depends on the subtree's position; sharing across
// versions of the same map (the dominant case) is unaffected.
//
// All filters participating in one map must be built with identical
// parameters, which are recorded in a versioned header so mixes are
// detected rather than silently misread.
package keybloom

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

const (
	MagicV1   = "KBF1"
	VersionV1 uint8 = 1

	// HeaderBytesV1 is the fixed header size: magic, version, k, bit
	// order, reserved, mBits, reserved.
	HeaderBytesV1 = 16

	// BitOrderLSB0 means bit 0 is the least-significant bit of byte 0.
	BitOrderLSB0 uint8 = 0

	// MaxMBits bounds the bitset width so RegionBytes cannot wrap the
	// uint32 arithmetic on the header field.
	MaxMBits uint32 = 1 << 31

	keybloomDomainV1 = 0x4B
)

var (
	ErrBadParams      = errors.New("keybloom: mBits and k must be non-zero and mBits within range")
	ErrBadRegionSize  = errors.New("keybloom: region size does not match header")
	ErrBadMagic       = errors.New("keybloom: header magic invalid")
	ErrBadVersion     = errors.New("keybloom: header version invalid")
	ErrBadBitOrder    = errors.New("keybloom: header bitOrder unsupported")
	ErrParamsMismatch = errors.New("keybloom: filters built with different parameters")
	ErrNoRollup       = errors.New("keybloom: stored reference carries no rollup")
)

// Params fixes the shape of every filter in a map.
type Params struct {
	// MBits is the bitset width in bits.
	MBits uint32
	// K is the number of probe bits per key.
	K uint8
}

// Filter is a single Bloom filter: a fixed header followed by the bitset.
type Filter struct {
	params Params
	region []byte
}

// RegionBytes returns the serialized size of a filter with params p.
func RegionBytes(p Params) int {
	return HeaderBytesV1 + int((p.MBits+7)/8)
}

// New returns an empty filter.
func New(p Params) (*Filter, error) {
	if p.MBits == 0 || p.K == 0 || p.MBits > MaxMBits {
		return nil, ErrBadParams
	}
	region := make([]byte, RegionBytes(p))
	copy(region[0:4], MagicV1)
	region[4] = VersionV1
	region[5] = p.K
	region[6] = BitOrderLSB0
	binary.BigEndian.PutUint32(region[8:12], p.MBits)
	return &Filter{params: p, region: region}, nil
}

// FromBytes validates and adopts a serialized filter. The bytes are not
// copied; Union and Add write through to them.
func FromBytes(region []byte) (*Filter, error) {
	if len(region) < HeaderBytesV1 {
		return nil, ErrBadRegionSize
	}
	if string(region[0:4]) != MagicV1 {
		return nil, ErrBadMagic
	}
	if region[4] != VersionV1 {
		return nil, ErrBadVersion
	}
	if region[6] != BitOrderLSB0 {
		return nil, ErrBadBitOrder
	}
	p := Params{MBits: binary.BigEndian.Uint32(region[8:12]), K: region[5]}
	if p.MBits == 0 || p.K == 0 || p.MBits > MaxMBits {
		return nil, ErrBadParams
	}
	if len(region) != RegionBytes(p) {
		return nil, ErrBadRegionSize
	}
	return &Filter{params: p, region: region}, nil
}

// Params returns the filter's parameters.
func (f *Filter) Params() Params {
	return f.params
}

// Bytes returns the serialized filter. The slice aliases the filter.
func (f *Filter) Bytes() []byte {
	return f.region
}

// Add inserts key.
func (f *Filter) Add(key []byte) {
	h1, h2 := hashPairV1(key)
	bitset := f.region[HeaderBytesV1:]
	m := uint64(f.params.MBits)
	for i := uint8(0); i < f.params.K; i++ {
		bit := (h1 + uint64(i)*h2) % m
		bitset[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain reports false only when key is definitely not in the filter.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := hashPairV1(key)
	bitset := f.region[HeaderBytesV1:]
	m := uint64(f.params.MBits)
	for i := uint8(0); i < f.params.K; i++ {
		bit := (h1 + uint64(i)*h2) % m
		if bitset[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Union folds a serialized filter with identical parameters into f.
func (f *Filter) Union(other []byte) error {
	of, err := FromBytes(other)
	if err != nil {
		return err
	}
	if of.params != f.params {
		return ErrParamsMismatch
	}
	dst := f.region[HeaderBytesV1:]
	src := of.region[HeaderBytesV1:]
	for i := range dst {
		dst[i] |= src[i]
	}
	return nil
}

// hashPairV1 derives the double-hashing pair for key. h2 is forced odd so
// the probe sequence covers the bitset for power-of-two widths too.
func hashPairV1(key []byte) (uint64, uint64) {
	hasher := sha256.New()
	_, _ = hasher.Write([]byte{keybloomDomainV1})
	_, _ = hasher.Write(key)
	sum := hasher.Sum(nil)
	h1 := binary.BigEndian.Uint64(sum[0:8])
	h2 := binary.BigEndian.Uint64(sum[8:16]) | 1
	return h1, h2
}
