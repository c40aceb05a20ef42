package shardmap

import (
	"fmt"

	commoncbor "github.com/datatrails/go-datatrails-common/cbor"

	"github.com/forestrie/go-shardmap/blobs"
)

// WireVersion is the node blob format version. Decoders reject anything
// else; data written by retired formats must be detected loudly, never
// misread as an empty or partial subtree.
const WireVersion = 1

// COMPATIBILITY HAZARD. The wire structs below encode as fixed-position
// CBOR arrays, and a NodeId is the hash of those bytes. The field order,
// the array nesting, and the ascending child order are all part of the hash
// contract: reordering a field, inserting one, or changing how absence is
// encoded changes every NodeId in every store ever written, even for
// logically unchanged content. Treat any edit here as a format revision
// requiring a new WireVersion, not as a refactor.

type wireNode struct {
	_        struct{} `cbor:",toarray"`
	Prefix   []byte
	Value    *[]byte
	Children []wireChild
}

type wireChild struct {
	_      struct{} `cbor:",toarray"`
	Byte   uint8
	Inline *wireNode
	Ref    *wireRef
}

type wireRef struct {
	_      struct{} `cbor:",toarray"`
	ID     []byte
	Weight uint64
	Size   uint64
	Rollup []byte
}

type wireEnvelope struct {
	_       struct{} `cbor:",toarray"`
	Version uint8
	Node    wireNode
}

// Codec serializes nodes to their canonical byte form. Serialization is a
// pure function of the node's logical content: deterministic CBOR encode
// modes plus the fixed array layout above guarantee that equal nodes
// produce equal bytes regardless of construction history.
type Codec struct {
	cbor commoncbor.CBORCodec
}

func NewCodec() (Codec, error) {
	codec, err := commoncbor.NewCBORCodec(
		commoncbor.NewDeterministicEncOpts(),
		commoncbor.NewDeterministicDecOpts(),
	)
	if err != nil {
		return Codec{}, err
	}
	return Codec{cbor: codec}, nil
}

// NodeID returns the identifier of a node given its canonical bytes.
func NodeID(data []byte) ID {
	return blobs.NewID(data)
}

// MarshalNode returns the canonical serialization of n. The node must be in
// canonical form; violations report ErrEncodeInvalid rather than silently
// producing bytes that could never be reproduced from the logical content.
func (c Codec) MarshalNode(n *Node) ([]byte, error) {
	wn, err := toWire(n)
	if err != nil {
		return nil, err
	}
	data, err := c.cbor.MarshalCBOR(wireEnvelope{Version: WireVersion, Node: *wn})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeInvalid, err)
	}
	return data, nil
}

// UnmarshalNode decodes canonical bytes produced by MarshalNode. Any
// structural violation reports ErrDecodeInvalid: corrupt bytes indicate
// storage damage or a format mismatch and must surface to the caller.
func (c Codec) UnmarshalNode(data []byte) (*Node, error) {
	var env wireEnvelope
	if err := c.cbor.UnmarshalInto(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeInvalid, err)
	}
	if env.Version != WireVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecodeInvalid, env.Version)
	}
	return fromWire(&env.Node)
}

func toWire(n *Node) (*wireNode, error) {
	wn := &wireNode{Prefix: n.Prefix}
	if n.HasValue {
		v := n.Value
		if v == nil {
			v = []byte{}
		}
		wn.Value = &v
	}
	if len(n.Children) > 0 {
		wn.Children = make([]wireChild, 0, len(n.Children))
	}
	for i := range n.Children {
		c := &n.Children[i]
		if i > 0 && n.Children[i-1].Byte >= c.Byte {
			return nil, fmt.Errorf("%w: children not strictly ascending", ErrEncodeInvalid)
		}
		wc := wireChild{Byte: c.Byte}
		switch {
		case c.Node != nil && c.Ref == nil:
			cw, err := toWire(c.Node)
			if err != nil {
				return nil, err
			}
			wc.Inline = cw
		case c.Ref != nil && c.Node == nil:
			wc.Ref = &wireRef{
				ID:     c.Ref.ID[:],
				Weight: c.Ref.Weight,
				Size:   c.Ref.Size,
				Rollup: c.Ref.Rollup,
			}
		default:
			return nil, fmt.Errorf("%w: child %d must be exactly one of inline or ref", ErrEncodeInvalid, c.Byte)
		}
		wn.Children = append(wn.Children, wc)
	}
	return wn, nil
}

func fromWire(wn *wireNode) (*Node, error) {
	n := &Node{Prefix: wn.Prefix}
	if wn.Value != nil {
		n.HasValue = true
		n.Value = *wn.Value
	}
	if len(wn.Children) > 0 {
		n.Children = make([]Child, 0, len(wn.Children))
	}
	for i := range wn.Children {
		wc := &wn.Children[i]
		if i > 0 && wn.Children[i-1].Byte >= wc.Byte {
			return nil, fmt.Errorf("%w: children not strictly ascending", ErrDecodeInvalid)
		}
		c := Child{Byte: wc.Byte}
		switch {
		case wc.Inline != nil && wc.Ref == nil:
			cn, err := fromWire(wc.Inline)
			if err != nil {
				return nil, err
			}
			c.Node = cn
		case wc.Ref != nil && wc.Inline == nil:
			id, err := blobs.IDFromBytes(wc.Ref.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDecodeInvalid, err)
			}
			if id.IsZero() {
				return nil, fmt.Errorf("%w: zero reference", ErrDecodeInvalid)
			}
			c.Ref = &StoredRef{
				ID:     id,
				Weight: wc.Ref.Weight,
				Size:   wc.Ref.Size,
				Rollup: wc.Ref.Rollup,
			}
		default:
			return nil, fmt.Errorf("%w: child %d must be exactly one of inline or ref", ErrDecodeInvalid, wc.Byte)
		}
		n.Children = append(n.Children, c)
	}
	return n, nil
}
