// Package ualerrors defines the error taxonomy shared by the node store and
// the network layer. Errors are sentinel values compared with errors.Is;
// neither component panics on these conditions.
package ualerrors

import "errors"

var (
	// ErrConnectionClosed: peer closed, unrecoverable write/read error, or
	// upstream requested close.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCommunicationError: buffer-size or protocol-boundary violation.
	ErrCommunicationError = errors.New("communication error")

	// ErrOutOfMemory: allocation failed; caller retries or degrades.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrNodeIdExists: insert targeted a NodeId already reachable in the store.
	ErrNodeIdExists = errors.New("node id already exists")

	// ErrNodeIdUnknown: replace/remove targeted a NodeId with no live entry.
	ErrNodeIdUnknown = errors.New("node id unknown")

	// ErrInternalError: unexpected OS call failure (socket, fcntl-equivalent).
	ErrInternalError = errors.New("internal error")
)
