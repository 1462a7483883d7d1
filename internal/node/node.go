// Package node defines the opaque address-space record the store manages.
// Wire encoding, attribute semantics, and protocol-level node kinds are an
// external collaborator's concern — this package only carries the class tag
// and an opaque payload sized by the caller.
package node

import "github.com/adred/opcua-runtime/internal/nodeid"

// Class is the closed set of node kinds an OPC UA address space recognizes.
type Class uint8

const (
	Object Class = iota
	Variable
	Method
	ObjectType
	VariableType
	ReferenceType
	DataType
	View
)

// Node is an immutable-once-inserted address-space record.
type Node struct {
	ID      nodeid.NodeId
	Class   Class
	Payload []byte
}

// Clone returns a deep copy, used by the store to realize copy-on-publish
// semantics on insert/replace.
func (n Node) Clone() Node {
	cp := n
	if n.Payload != nil {
		cp.Payload = make([]byte, len(n.Payload))
		copy(cp.Payload, n.Payload)
	}
	return cp
}

// Size reports the byte size a node's variant determines — for an opaque
// payload this is simply its length.
func (n Node) Size() int {
	return len(n.Payload)
}
