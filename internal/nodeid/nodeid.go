// Package nodeid implements the tagged identifier used to name nodes in the
// address space.
package nodeid

import (
	"fmt"
	"hash/maphash"
)

// Kind distinguishes the payload carried by a NodeId.
type Kind uint8

const (
	KindNumeric Kind = iota
	KindString
	KindGUID
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindString:
		return "string"
	case KindGUID:
		return "guid"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// NodeId is a tagged identifier: a namespace index plus one of four payload
// kinds. The zero value is the Null id (namespace 0, numeric 0).
type NodeId struct {
	Namespace uint16
	Kind      Kind
	Numeric   uint32
	Bytes     []byte // String payload, GUID (16 bytes), or Opaque payload
}

// Null is the unset identifier.
var Null = NodeId{}

// IsNull reports whether id is the unset identifier.
func (id NodeId) IsNull() bool {
	return id.Namespace == 0 && id.Kind == KindNumeric && id.Numeric == 0
}

// Numeric builds a numeric NodeId in the given namespace.
func Numeric(namespace uint16, value uint32) NodeId {
	return NodeId{Namespace: namespace, Kind: KindNumeric, Numeric: value}
}

// String builds a string NodeId in the given namespace.
func String(namespace uint16, value string) NodeId {
	return NodeId{Namespace: namespace, Kind: KindString, Bytes: []byte(value)}
}

// Equal reports structural equality.
func (id NodeId) Equal(other NodeId) bool {
	if id.Namespace != other.Namespace || id.Kind != other.Kind {
		return false
	}
	switch id.Kind {
	case KindNumeric:
		return id.Numeric == other.Numeric
	default:
		if len(id.Bytes) != len(other.Bytes) {
			return false
		}
		for i := range id.Bytes {
			if id.Bytes[i] != other.Bytes[i] {
				return false
			}
		}
		return true
	}
}

func (id NodeId) String() string {
	switch id.Kind {
	case KindNumeric:
		return fmt.Sprintf("ns=%d;i=%d", id.Namespace, id.Numeric)
	case KindString:
		return fmt.Sprintf("ns=%d;s=%s", id.Namespace, id.Bytes)
	case KindGUID:
		return fmt.Sprintf("ns=%d;g=%x", id.Namespace, id.Bytes)
	default:
		return fmt.Sprintf("ns=%d;b=%x", id.Namespace, id.Bytes)
	}
}

// seed is process-lifetime and shared by every Hash call. Any mixing
// function with good avalanche behavior is acceptable here.
var seed = maphash.MakeSeed()

// Hash derives a table hash from the id's tag and payload bytes.
func (id NodeId) Hash() uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	_ = h.WriteByte(byte(id.Kind))
	_, _ = h.Write([]byte{byte(id.Namespace >> 8), byte(id.Namespace)})
	switch id.Kind {
	case KindNumeric:
		var buf [4]byte
		buf[0] = byte(id.Numeric >> 24)
		buf[1] = byte(id.Numeric >> 16)
		buf[2] = byte(id.Numeric >> 8)
		buf[3] = byte(id.Numeric)
		_, _ = h.Write(buf[:])
	default:
		_, _ = h.Write(id.Bytes)
	}
	return h.Sum64()
}
