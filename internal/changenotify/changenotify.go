// Package changenotify implements an optional ChangeNotifier: a
// fire-and-forget NATS publisher for NodeStore mutations. This is a
// one-way audit/replication feed, never a correctness mechanism: publish
// failures are logged and dropped, and nothing in the NodeStore or
// Acceptor waits on it.
package changenotify

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred/opcua-runtime/internal/nodeid"
)

// Op names the NodeStore mutation that triggered a publish.
type Op string

const (
	OpInsert  Op = "insert"
	OpReplace Op = "replace"
	OpRemove  Op = "remove"
)

// Notifier publishes NodeStore mutations to NATS subject
// "opcua.nodestore.<op>". A nil *Notifier is valid and Publish becomes a
// no-op, so callers don't need to branch on whether NATS is configured.
type Notifier struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Connect dials url and returns a Notifier. Callers should treat a
// connection failure as non-fatal to the runtime (log and continue without
// the notifier); cross-process coordination is never a correctness
// dependency for the runtime itself.
func Connect(url string, logger zerolog.Logger) (*Notifier, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("changenotify: connect: %w", err)
	}
	return &Notifier{conn: nc, logger: logger}, nil
}

// Publish sends a fire-and-forget notification for id under op. Errors are
// logged, not returned: a NodeStore operation never gates on publish
// success.
func (n *Notifier) Publish(op Op, id nodeid.NodeId) {
	if n == nil || n.conn == nil {
		return
	}
	subject := "opcua.nodestore." + string(op)
	if err := n.conn.Publish(subject, []byte(id.String())); err != nil {
		n.logger.Warn().Err(err).Str("subject", subject).Msg("changenotify publish failed")
	}
}

// Close drains and closes the underlying NATS connection.
func (n *Notifier) Close() {
	if n == nil || n.conn == nil {
		return
	}
	_ = n.conn.Drain()
}
