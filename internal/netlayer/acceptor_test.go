package netlayer

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred/opcua-runtime/internal/reclaim"
)

func testAcceptor(t *testing.T) (*Acceptor, *reclaim.Queue) {
	t.Helper()
	q := reclaim.New()
	cfg := Config{RecvBufferSize: 4096, SendBufferSize: 4096}
	a := New(cfg, q, zerolog.Nop())
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	return a, q
}

func dial(t *testing.T, a *Acceptor) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAcceptAndEcho(t *testing.T) {
	a, _ := testAcceptor(t)
	client := dial(t, a)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	// First tick accepts; may or may not see the bytes depending on
	// scheduling, so poll a few ticks as real deployments would.
	var msg *BinaryMessage
	var conn *Connection
	for i := 0; i < 20 && msg == nil; i++ {
		for _, j := range a.GetJobs(50 * time.Millisecond) {
			switch v := j.(type) {
			case BinaryMessage:
				cp := v
				msg = &cp
			}
		}
	}
	if msg == nil {
		t.Fatalf("expected a BinaryMessage job")
	}
	if string(msg.Bytes) != string(payload) {
		t.Fatalf("unexpected bytes %v", msg.Bytes)
	}
	conn = msg.Connection
	if conn.State() != Opening {
		t.Fatalf("expected Opening state, got %v", conn.State())
	}
	conn.ReleaseRecvBuffer(msg.Bytes)
}

func TestStartAppliesConfiguredAcceptBacklog(t *testing.T) {
	q := reclaim.New()
	cfg := Config{RecvBufferSize: 4096, SendBufferSize: 4096, AcceptBacklog: 16}
	a := New(cfg, q, zerolog.Nop())
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Stop()

	if a.Addr() == nil {
		t.Fatalf("expected a bound address")
	}
	// Re-issuing listen(2) with a smaller backlog must not break ordinary
	// accept/echo traffic on the listener.
	client := dial(t, a)
	if _, err := client.Write([]byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 10 && a.TrackedCount() == 0; i++ {
		a.GetJobs(20 * time.Millisecond)
	}
	if a.TrackedCount() != 1 {
		t.Fatalf("expected connection accepted despite custom backlog, got %d tracked", a.TrackedCount())
	}
}

func TestGracefulCloseByClient(t *testing.T) {
	a, _ := testAcceptor(t)
	client := dial(t, a)

	for i := 0; i < 10 && a.TrackedCount() == 0; i++ {
		a.GetJobs(20 * time.Millisecond)
	}
	if a.TrackedCount() != 1 {
		t.Fatalf("expected one tracked connection, got %d", a.TrackedCount())
	}

	client.Close()

	var sawDetach, sawFree bool
	for i := 0; i < 10 && !sawFree; i++ {
		for _, j := range a.GetJobs(20 * time.Millisecond) {
			switch j.(type) {
			case DetachConnection:
				sawDetach = true
			case DelayedFree:
				sawFree = true
			}
		}
	}
	if !sawDetach || !sawFree {
		t.Fatalf("expected detach+delayed-free pair, got detach=%v free=%v", sawDetach, sawFree)
	}
	if a.TrackedCount() != 0 {
		t.Fatalf("expected tracking table to shrink, got %d", a.TrackedCount())
	}
}

func TestUpstreamCloseIsIdempotentAndDetectedNextTick(t *testing.T) {
	a, _ := testAcceptor(t)
	_ = dial(t, a)

	for i := 0; i < 10 && a.TrackedCount() == 0; i++ {
		a.GetJobs(20 * time.Millisecond)
	}
	var conn *Connection
	for _, c := range a.conns {
		conn = c
	}
	if conn == nil {
		t.Fatalf("expected a tracked connection")
	}

	conn.Close()
	conn.Close() // idempotent, must not panic or double-close

	var sawFree bool
	for i := 0; i < 10 && !sawFree; i++ {
		for _, j := range a.GetJobs(20 * time.Millisecond) {
			if _, ok := j.(DelayedFree); ok {
				sawFree = true
			}
		}
	}
	if !sawFree {
		t.Fatalf("expected delayed free after upstream close")
	}
}

func TestOversizedSendBufferRejected(t *testing.T) {
	a, _ := testAcceptor(t)
	client := dial(t, a)
	_ = client

	for i := 0; i < 10 && a.TrackedCount() == 0; i++ {
		a.GetJobs(20 * time.Millisecond)
	}
	var conn *Connection
	for _, c := range a.conns {
		conn = c
	}
	conn.SetRemoteConfig(Config{RecvBufferSize: 16})

	if _, err := conn.GetSendBuffer(17); err == nil {
		t.Fatalf("expected CommunicationError for oversized buffer")
	}
	if _, err := conn.GetSendBuffer(16); err != nil {
		t.Fatalf("expected buffer within limit to succeed: %v", err)
	}
}

func TestStopReturnsDetachFreePairsForEveryTrackedConnection(t *testing.T) {
	q := reclaim.New()
	cfg := Config{RecvBufferSize: 4096}
	a := New(cfg, q, zerolog.Nop())
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	const n = 3
	for i := 0; i < n; i++ {
		dial(t, a)
	}
	for i := 0; i < 10 && a.TrackedCount() < n; i++ {
		a.GetJobs(20 * time.Millisecond)
	}

	jobs := a.Stop()
	if len(jobs) != 2*n {
		t.Fatalf("expected %d jobs from Stop, got %d", 2*n, len(jobs))
	}
	detaches, frees := 0, 0
	for _, j := range jobs {
		switch j.(type) {
		case DetachConnection:
			detaches++
		case DelayedFree:
			frees++
		}
	}
	if detaches != n || frees != n {
		t.Fatalf("expected %d detach and %d free jobs, got %d/%d", n, n, detaches, frees)
	}
}
