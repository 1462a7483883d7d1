package netlayer

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred/opcua-runtime/internal/ualerrors"
)

// Config is the connection-shaping configuration: port, listen backlog,
// recv/send buffer sizes, and the message/chunk limits negotiated with a
// peer.
type Config struct {
	Port           uint16
	AcceptBacklog  int
	RecvBufferSize int
	SendBufferSize int
	MaxMessageSize int
	MaxChunkCount  int
}

// State is the per-Connection lifecycle state.
type State int32

const (
	Opening State = iota
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the per-socket record shared between the Acceptor and
// dispatcher workers. State transitions are monotone:
// Opening -> Established -> Closed.
type Connection struct {
	ID int64

	conn        net.Conn
	localConfig Config

	remoteMu     sync.RWMutex
	remoteConfig Config

	state     atomic.Int32
	closeOnce sync.Once

	logger zerolog.Logger
}

func newConnection(id int64, c net.Conn, cfg Config, logger zerolog.Logger) *Connection {
	cn := &Connection{ID: id, conn: c, localConfig: cfg, logger: logger}
	cn.state.Store(int32(Opening))
	return cn
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// SetEstablished is called by upstream protocol code once the Hello/Ack
// handshake completes; the Acceptor itself never calls this.
func (c *Connection) SetEstablished() {
	c.state.CompareAndSwap(int32(Opening), int32(Established))
}

// SetRemoteConfig records peer buffer-size limits learned during the
// handshake, consulted by GetSendBuffer.
func (c *Connection) SetRemoteConfig(cfg Config) {
	c.remoteMu.Lock()
	c.remoteConfig = cfg
	c.remoteMu.Unlock()
}

func (c *Connection) remoteRecvLimit() int {
	c.remoteMu.RLock()
	defer c.remoteMu.RUnlock()
	return c.remoteConfig.RecvBufferSize
}

// Send writes bytes in full, looping across short writes and retrying on
// transient errors. Any other error closes the connection and returns
// ErrConnectionClosed.
func (c *Connection) Send(buf []byte) error {
	if c.State() == Closed {
		return ualerrors.ErrConnectionClosed
	}
	remaining := buf
	for len(remaining) > 0 {
		n, err := c.conn.Write(remaining)
		if n > 0 {
			remaining = remaining[n:]
		}
		if err == nil {
			continue
		}
		if isRetriable(err) {
			continue
		}
		_ = c.Close()
		return ualerrors.ErrConnectionClosed
	}
	return nil
}

// Close is idempotent: exactly one caller performs the shutdown, and it is
// safe to call concurrently with Send.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closed))
		_ = c.conn.Close()
	})
	return nil
}

// GetSendBuffer allocates a send buffer, rejecting requests larger than the
// peer's advertised receive buffer.
func (c *Connection) GetSendBuffer(n int) ([]byte, error) {
	if limit := c.remoteRecvLimit(); limit > 0 && n > limit {
		return nil, ualerrors.ErrCommunicationError
	}
	return make([]byte, n), nil
}

// ReleaseSendBuffer frees a buffer obtained from GetSendBuffer. Go's
// garbage collector reclaims the backing array; this exists to keep the
// acquire/release contract explicit for callers.
func (c *Connection) ReleaseSendBuffer(buf []byte) {}

// ReleaseRecvBuffer frees a buffer obtained from a BinaryMessage job.
func (c *Connection) ReleaseRecvBuffer(buf []byte) {}
