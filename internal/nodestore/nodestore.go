// Package nodestore implements a concurrent NodeId -> Node mapping: a
// read-mostly, read-copy-update hash table with an alive-bit+refcount
// reclamation discipline. Buckets are persistent (copy-on-write)
// singly-linked chains published via atomic.Pointer, with a shared
// internal/reclaim.Queue providing the grace-period machinery that frees an
// entry only once every reader that might still observe it has moved on.
package nodestore

import (
	"sync"
	"sync/atomic"

	"github.com/adred/opcua-runtime/internal/node"
	"github.com/adred/opcua-runtime/internal/nodeid"
	"github.com/adred/opcua-runtime/internal/reclaim"
	"github.com/adred/opcua-runtime/internal/ualerrors"
)

const (
	aliveBit   uint32 = 1 << 15
	readerMask uint32 = 0x7fff

	initialBuckets = 32
	maxSynthProbes = 1 << 16
	// multiplicative probing step used to recover from a synthesized-id
	// collision.
	probeStride uint32 = 2654435761
)

type nodeData struct {
	id       nodeid.NodeId
	hash     uint64
	node     node.Node
	refcount atomic.Uint32
	freed    atomic.Bool
}

func (d *nodeData) alive() bool {
	return d.refcount.Load()&aliveBit != 0
}

type listNode struct {
	data *nodeData
	next *listNode
}

type bucket struct {
	head atomic.Pointer[listNode]
}

type table struct {
	buckets []bucket
	mask    uint64
}

func newTable(size int) *table {
	return &table{buckets: make([]bucket, size), mask: uint64(size - 1)}
}

// MutationOp names which Store method produced a mutation event.
type MutationOp uint8

const (
	OpInsert MutationOp = iota
	OpReplace
	OpRemove
)

func (op MutationOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Store is a concurrent NodeId -> Node map with RCU-style reclamation.
type Store struct {
	tbl      atomic.Pointer[table]
	count    atomic.Int64
	resizeMu sync.Mutex
	queue    *reclaim.Queue

	onMutate func(MutationOp, nodeid.NodeId) // fired synchronously by Insert/Replace/Remove
	onFree   func(nodeid.NodeId)             // optional metrics hook, fired when an entry is actually reclaimed
}

// New constructs an empty store with an initial bucket count of 32 and
// auto-resizing, sharing the given reclamation queue with its caller (the
// same queue the network layer uses for delayed frees).
func New(queue *reclaim.Queue) *Store {
	s := &Store{queue: queue}
	s.tbl.Store(newTable(initialBuckets))
	return s
}

// OnMutate registers a callback invoked synchronously, on the caller's own
// goroutine, at the point each of Insert/Replace/Remove takes effect,
// tagged with the op that produced it. Used to wire NodeStore mutations
// into the optional ChangeNotifier with the correct subject per op.
func (s *Store) OnMutate(fn func(MutationOp, nodeid.NodeId)) {
	s.onMutate = fn
}

// OnFree registers a callback invoked (off the caller's goroutine, from a
// grace-period or release path) each time an entry is actually reclaimed.
// Used for metrics that track live entry count, which lags mutation time by
// however long the reclamation queue's grace period takes.
func (s *Store) OnFree(fn func(nodeid.NodeId)) {
	s.onFree = fn
}

// Handle is a borrow of a node entry that keeps it allocated until Release,
// independent of table membership.
type Handle struct {
	data *nodeData
}

// Node returns the bound node's current payload.
func (h *Handle) Node() node.Node { return h.data.node }

// ID returns the bound node's identifier.
func (h *Handle) ID() nodeid.NodeId { return h.data.id }

func findByID(head *listNode, id nodeid.NodeId) *listNode {
	for cur := head; cur != nil; cur = cur.next {
		if cur.data.id.Equal(id) && cur.data.alive() {
			return cur
		}
	}
	return nil
}

func spliceRemove(head, target *listNode) *listNode {
	if head == nil {
		return nil
	}
	if head == target {
		return head.next
	}
	return &listNode{data: head.data, next: spliceRemove(head.next, target)}
}

func spliceReplace(head, target, replacement *listNode) *listNode {
	if head == nil {
		return nil
	}
	if head == target {
		replacement.next = head.next
		return replacement
	}
	return &listNode{data: head.data, next: spliceReplace(head.next, target, replacement)}
}

// Insert copies node into a fresh entry. If node.ID is Null, a unique id is
// synthesized in namespace 1.
func (s *Store) Insert(n node.Node, wantHandle bool) (*Handle, error) {
	if n.ID.IsNull() {
		return s.insertSynthesized(n, wantHandle)
	}
	return s.insertAt(n, n.ID, wantHandle, false)
}

func (s *Store) insertSynthesized(n node.Node, wantHandle bool) (*Handle, error) {
	for attempt := 0; attempt < maxSynthProbes; attempt++ {
		candidate := nodeid.Numeric(1, uint32(s.count.Load())+1+uint32(attempt)*probeStride)
		h, err := s.insertAt(n, candidate, wantHandle, true)
		if err == nil {
			return h, nil
		}
		if err != ualerrors.ErrNodeIdExists {
			return nil, err
		}
	}
	return nil, ualerrors.ErrOutOfMemory
}

func (s *Store) insertAt(n node.Node, id nodeid.NodeId, wantHandle, retryOnCollision bool) (*Handle, error) {
	copied := n.Clone()
	copied.ID = id
	hash := id.Hash()

	data := &nodeData{id: id, hash: hash, node: copied}
	initial := aliveBit
	if wantHandle {
		initial++
	}
	data.refcount.Store(initial)

	tbl := s.tbl.Load()
	b := &tbl.buckets[hash&tbl.mask]
	for {
		old := b.head.Load()
		if findByID(old, id) != nil {
			return nil, ualerrors.ErrNodeIdExists
		}
		ln := &listNode{data: data, next: old}
		if b.head.CompareAndSwap(old, ln) {
			break
		}
	}
	s.count.Add(1)
	s.maybeResize()
	if s.onMutate != nil {
		s.onMutate(OpInsert, id)
	}

	var h *Handle
	if wantHandle {
		h = &Handle{data: data}
	}
	return h, nil
}

// Replace copies node into a fresh entry and atomically swaps it with the
// predecessor sharing the same NodeId, which is handed to the reclamation
// queue.
func (s *Store) Replace(n node.Node, wantHandle bool) (*Handle, error) {
	id := n.ID
	hash := id.Hash()
	copied := n.Clone()

	initial := aliveBit
	if wantHandle {
		initial++
	}
	data := &nodeData{id: id, hash: hash, node: copied}
	data.refcount.Store(initial)

	tbl := s.tbl.Load()
	b := &tbl.buckets[hash&tbl.mask]

	var predecessor *nodeData
	for {
		old := b.head.Load()
		target := findByID(old, id)
		if target == nil {
			return nil, ualerrors.ErrNodeIdUnknown
		}
		replacement := &listNode{data: data}
		newHead := spliceReplace(old, target, replacement)
		if b.head.CompareAndSwap(old, newHead) {
			predecessor = target.data
			break
		}
	}

	s.queue.EnqueueGrace(func() { s.markDead(predecessor) })
	if s.onMutate != nil {
		s.onMutate(OpReplace, id)
	}

	var h *Handle
	if wantHandle {
		h = &Handle{data: data}
	}
	return h, nil
}

// Remove unlinks the table entry for id and hands it to the reclamation
// queue.
func (s *Store) Remove(id nodeid.NodeId) error {
	tbl := s.tbl.Load()
	b := &tbl.buckets[id.Hash()&tbl.mask]

	var removed *nodeData
	for {
		old := b.head.Load()
		target := findByID(old, id)
		if target == nil {
			return ualerrors.ErrNodeIdUnknown
		}
		newHead := spliceRemove(old, target)
		if b.head.CompareAndSwap(old, newHead) {
			removed = target.data
			break
		}
	}
	s.count.Add(-1)
	s.queue.EnqueueGrace(func() { s.markDead(removed) })
	if s.onMutate != nil {
		s.onMutate(OpRemove, id)
	}
	return nil
}

// Get locates the entry for id and increments its reader count, returning a
// handle whose validity is independent of subsequent Remove calls.
func (s *Store) Get(id nodeid.NodeId) (*Handle, bool) {
	tbl := s.tbl.Load()
	b := &tbl.buckets[id.Hash()&tbl.mask]

	tok := s.queue.EnterRead()
	defer s.queue.ExitRead(tok)

	target := findByID(b.head.Load(), id)
	if target == nil {
		return nil, false
	}
	if !acquire(target.data) {
		return nil, false
	}
	return &Handle{data: target.data}, true
}

func acquire(d *nodeData) bool {
	for {
		cur := d.refcount.Load()
		if cur&aliveBit == 0 {
			return false
		}
		if cur&readerMask == readerMask {
			// Exceeding the 15-bit reader count is a bug, not a legitimate
			// concurrency bound; refuse rather than wrap.
			return false
		}
		if d.refcount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release decrements the reader count on h. If the count reaches zero and
// the alive bit is clear, the entry is freed immediately.
func (s *Store) Release(h *Handle) {
	d := h.data
	for {
		cur := d.refcount.Load()
		if cur&readerMask == 0 {
			return
		}
		next := cur - 1
		if d.refcount.CompareAndSwap(cur, next) {
			if next&aliveBit == 0 && next&readerMask == 0 {
				s.free(d)
			}
			return
		}
	}
}

// markDead clears the alive bit (the ReclamationQueue's grace callback).
// If the reader count is already zero it frees the entry; otherwise the
// last Release does.
func (s *Store) markDead(d *nodeData) {
	for {
		cur := d.refcount.Load()
		if cur&aliveBit == 0 {
			return
		}
		next := cur &^ aliveBit
		if d.refcount.CompareAndSwap(cur, next) {
			if next&readerMask == 0 {
				s.free(d)
			}
			return
		}
	}
}

func (s *Store) free(d *nodeData) {
	if !d.freed.CompareAndSwap(false, true) {
		return
	}
	if s.onFree != nil {
		s.onFree(d.id)
	}
}

// Iterate visits every currently-reachable entry, holding a reader
// reference while the visitor runs. visit returning false stops iteration
// early. This is a best-effort snapshot: concurrent mutation may or may not
// be observed.
func (s *Store) Iterate(visit func(node.Node) bool) {
	tbl := s.tbl.Load()
	tok := s.queue.EnterRead()
	defer s.queue.ExitRead(tok)

	for i := range tbl.buckets {
		for cur := tbl.buckets[i].head.Load(); cur != nil; cur = cur.next {
			d := cur.data
			if !acquire(d) {
				continue
			}
			cont := visit(d.node)
			s.Release(&Handle{data: d})
			if !cont {
				return
			}
		}
	}
}

// Count reports the number of currently-reachable entries.
func (s *Store) Count() int64 {
	return s.count.Load()
}

// maybeResize grows the bucket table when the live entry count exceeds a
// 0.75 load factor, publishing the new table via an atomic pointer swap and
// deferring reclamation of the old bucket array to the grace period.
func (s *Store) maybeResize() {
	tbl := s.tbl.Load()
	if s.count.Load() < int64(len(tbl.buckets))*3/4 {
		return
	}
	if !s.resizeMu.TryLock() {
		return
	}
	defer s.resizeMu.Unlock()

	tbl = s.tbl.Load()
	if s.count.Load() < int64(len(tbl.buckets))*3/4 {
		return
	}

	newTbl := newTable(len(tbl.buckets) * 2)
	for i := range tbl.buckets {
		for cur := tbl.buckets[i].head.Load(); cur != nil; cur = cur.next {
			if !cur.data.alive() {
				continue
			}
			idx := cur.data.hash & newTbl.mask
			ln := &listNode{data: cur.data, next: newTbl.buckets[idx].head.Load()}
			newTbl.buckets[idx].head.Store(ln)
		}
	}

	old := tbl
	s.tbl.Store(newTbl)
	// Keep the old bucket array reachable (via this closure) until no
	// reader that might still be walking it is active.
	s.queue.EnqueueGrace(func() { _ = old })
}
