package netlayer

// Job is one unit of work the Acceptor hands to its caller's dispatcher.
type Job interface {
	job()
}

// BinaryMessage carries bytes read from a tracked connection. The receiver
// must release the buffer via Connection.ReleaseRecvBuffer.
type BinaryMessage struct {
	Connection *Connection
	Bytes      []byte
}

func (BinaryMessage) job() {}

// DetachConnection signals that a connection has left the Acceptor's
// tracking table; upstream performs semantic cleanup (closing attached
// secure channels/sessions).
type DetachConnection struct {
	Connection *Connection
}

func (DetachConnection) job() {}

// DelayedFree must only be acted on once every job enqueued before it has
// completed across all workers. Threshold is the reclamation queue's
// jobs-enqueued count at the moment this job was created (i.e. excluding
// this job itself) — the dispatcher waits for jobsCompleted to reach this
// value before running the free, rather than recomputing a threshold at
// processing time, which would include this job's own completion and never
// be satisfiable.
type DelayedFree struct {
	Connection *Connection
	Threshold  uint64
}

func (DelayedFree) job() {}
