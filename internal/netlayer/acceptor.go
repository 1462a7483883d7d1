// Package netlayer implements a single-threaded TCP acceptor: it owns the
// listening socket, accepts and tracks client connections, reads available
// bytes, and emits a batch of Jobs per tick. Go has no portable binding for
// select(2) over an arbitrary, changing fd set with a timeout, so this uses
// deadline-based Accept/Read calls driven from a single goroutine that owns
// the tracking table exclusively, preserving the same ordering guarantees a
// select(2)-based implementation would provide without needing select(2)
// itself.
package netlayer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred/opcua-runtime/internal/reclaim"
)

// Acceptor owns the listen socket and the tracking table of live
// connections. It is not safe for concurrent use: a single dedicated
// goroutine must be the sole mutator of the tracking table.
type Acceptor struct {
	cfg    Config
	queue  *reclaim.Queue
	logger zerolog.Logger

	listener     *net.TCPListener
	discoveryURL string

	conns  []*Connection
	nextID int64

	admit   func() bool
	stopped bool
}

// New constructs an Acceptor bound to cfg, sharing queue with the
// NodeStore/Dispatcher for delayed-free job ordering.
func New(cfg Config, queue *reclaim.Queue, logger zerolog.Logger) *Acceptor {
	return &Acceptor{cfg: cfg, queue: queue, logger: logger}
}

// Start opens the listening socket: SO_REUSEADDR (Go's net package sets
// this by default on TCPListener), wildcard bind, non-blocking (native to
// Go's runtime poller). net.ListenTCP always calls listen(2) with its own
// fixed backlog, so Config.AcceptBacklog, when set, is applied by re-issuing
// listen(2) with the configured value on a duplicated copy of the listening
// fd — the kernel accepts a second listen() call on an already-listening
// socket as an in-place backlog update. Derives the discovery URL from the
// local hostname.
func (a *Acceptor) Start() error {
	addr := &net.TCPAddr{IP: net.IPv4zero, Port: int(a.cfg.Port)}
	ln, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		return fmt.Errorf("netlayer: listen: %w", err)
	}
	a.listener = ln

	if a.cfg.AcceptBacklog > 0 {
		if file, ferr := ln.File(); ferr == nil {
			if lerr := syscall.Listen(int(file.Fd()), a.cfg.AcceptBacklog); lerr != nil {
				a.logger.Warn().Err(lerr).Msg("failed to apply configured accept backlog")
			}
			_ = file.Close()
		} else {
			a.logger.Warn().Err(ferr).Msg("failed to duplicate listener fd for accept backlog")
		}
	}

	host, herr := os.Hostname()
	if herr != nil {
		host = "localhost"
	}
	port := a.cfg.Port
	if port == 0 {
		port = uint16(ln.Addr().(*net.TCPAddr).Port)
	}
	a.discoveryURL = fmt.Sprintf("opc.tcp://%s:%d", host, port)

	a.logger.Info().Str("discovery_url", a.discoveryURL).Msg("acceptor listening")
	return nil
}

// DiscoveryURL returns the read-only opc.tcp://host:port attribute.
func (a *Acceptor) DiscoveryURL() string {
	return a.discoveryURL
}

// Addr returns the listener's bound address, useful when Config.Port is 0
// and the OS assigns an ephemeral port.
func (a *Acceptor) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// TrackedCount reports the number of connections currently in the tracking
// table, for metrics and tests.
func (a *Acceptor) TrackedCount() int {
	return len(a.conns)
}

// SetAdmission registers an admission-control hook consulted once per tick
// before accepting a new connection. When it returns false, the tick simply
// skips Accept for that iteration and the pending connection waits in the
// kernel backlog — the acceptor never accepts-then-rejects, preserving its
// "accept at most one, never decide policy" contract.
func (a *Acceptor) SetAdmission(fn func() bool) {
	a.admit = fn
}

// GetJobs runs one scheduling tick: accept at most one new connection, then
// attempt one recv on every tracked connection, returning the resulting job
// batch. wait bounds how long the tick may block waiting for the listen
// socket; each connection's recv then waits at most recvPollTimeout.
func (a *Acceptor) GetJobs(wait time.Duration) []Job {
	if a.stopped {
		return nil
	}
	var jobs []Job

	if a.listener != nil && (a.admit == nil || a.admit()) {
		if err := a.listener.SetDeadline(time.Now().Add(wait)); err == nil {
			conn, err := a.listener.Accept()
			if err == nil {
				a.acceptOne(conn)
			} else if !isTimeout(err) {
				a.logger.Warn().Err(err).Msg("accept error, dropped")
			}
		}
	}

	i := 0
	for i < len(a.conns) {
		c := a.conns[i]
		job, detach := a.pollConnection(c)
		if job != nil {
			jobs = append(jobs, job)
			a.queue.RecordJobEnqueued()
		}
		if detach {
			a.conns[i] = a.conns[len(a.conns)-1]
			a.conns = a.conns[:len(a.conns)-1]
			jobs = append(jobs, DetachConnection{Connection: c})
			threshold := a.queue.RecordJobEnqueued()
			jobs = append(jobs, DelayedFree{Connection: c, Threshold: threshold})
			a.queue.RecordJobEnqueued()
			continue // swap-with-last: re-examine index i, now holding a different conn
		}
		i++
	}

	return jobs
}

func (a *Acceptor) acceptOne(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	a.nextID++
	c := newConnection(a.nextID, conn, a.cfg, a.logger)
	a.conns = append(a.conns, c)
	a.logger.Debug().Int64("conn_id", c.ID).Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")
}

// recvPollTimeout is the read deadline pollConnection gives each recv. A
// deadline at or before the current time makes Go's Read fail with a
// timeout before it reads anything, so the deadline must lie in the future.
const recvPollTimeout = time.Millisecond

// pollConnection performs one recv bounded by recvPollTimeout. It returns a
// BinaryMessage job when bytes arrived, or detach=true when the connection
// hit EOF or a non-retriable error.
func (a *Acceptor) pollConnection(c *Connection) (job Job, detach bool) {
	if c.State() == Closed {
		// Closed by an upstream callback between ticks: the next tick
		// detects it here and detaches it, funneling every removal through
		// this single goroutine.
		return nil, true
	}

	buf := make([]byte, c.localConfig.RecvBufferSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(recvPollTimeout))
	n, err := c.conn.Read(buf)

	if n > 0 {
		return BinaryMessage{Connection: c, Bytes: buf[:n]}, false
	}
	if err == nil {
		return nil, false
	}
	if isTimeout(err) {
		return nil, false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		_ = c.Close()
		return nil, true
	}
	// Any other non-retriable error also detaches; it never brings down
	// the acceptor goroutine.
	a.logger.Debug().Int64("conn_id", c.ID).Err(err).Msg("connection read error, detaching")
	_ = c.Close()
	return nil, true
}

// Stop shuts down and closes the listen socket; for every tracked
// connection it emits a DetachConnection followed by a DelayedFree job,
// then returns the batch.
func (a *Acceptor) Stop() []Job {
	if a.listener != nil {
		_ = a.listener.Close()
	}
	jobs := make([]Job, 0, 2*len(a.conns))
	for _, c := range a.conns {
		_ = c.Close()
		jobs = append(jobs, DetachConnection{Connection: c})
		threshold := a.queue.RecordJobEnqueued()
		jobs = append(jobs, DelayedFree{Connection: c, Threshold: threshold})
		a.queue.RecordJobEnqueued()
	}
	a.conns = nil
	a.stopped = true
	return jobs
}

// DeleteMembers releases the tracking table. Only valid after Stop and
// after every emitted DelayedFree job has been processed.
func (a *Acceptor) DeleteMembers() {
	a.conns = nil
}
