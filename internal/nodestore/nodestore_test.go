package nodestore

import (
	"sync"
	"testing"

	"github.com/adred/opcua-runtime/internal/node"
	"github.com/adred/opcua-runtime/internal/nodeid"
	"github.com/adred/opcua-runtime/internal/reclaim"
	"github.com/adred/opcua-runtime/internal/ualerrors"
)

func newStore() (*Store, *reclaim.Queue) {
	q := reclaim.New()
	return New(q), q
}

func TestInsertThenGetReturnsInserted(t *testing.T) {
	s, _ := newStore()
	id := nodeid.Numeric(2, 7)
	_, err := s.Insert(node.Node{ID: id, Class: node.Variable, Payload: []byte("hello")}, false)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	h, ok := s.Get(id)
	if !ok {
		t.Fatalf("expected to find inserted node")
	}
	if string(h.Node().Payload) != "hello" {
		t.Fatalf("unexpected payload %q", h.Node().Payload)
	}
	s.Release(h)
}

func TestInsertDuplicateFails(t *testing.T) {
	s, _ := newStore()
	id := nodeid.Numeric(1, 1)
	if _, err := s.Insert(node.Node{ID: id}, false); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.Insert(node.Node{ID: id}, false); err != ualerrors.ErrNodeIdExists {
		t.Fatalf("expected ErrNodeIdExists, got %v", err)
	}
}

func TestRemoveThenGetMisses(t *testing.T) {
	s, q := newStore()
	id := nodeid.Numeric(1, 5)
	if _, err := s.Insert(node.Node{ID: id}, false); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := s.Get(id); ok {
		t.Fatalf("expected removed node to be absent")
	}
	q.AdvanceEpoch()
	q.AdvanceEpoch()
	if err := s.Remove(id); err != ualerrors.ErrNodeIdUnknown {
		t.Fatalf("expected ErrNodeIdUnknown on second remove, got %v", err)
	}
}

func TestReplaceSwapsVisibleValueAndKeepsOldHandleValid(t *testing.T) {
	s, q := newStore()
	id := nodeid.Numeric(1, 9)
	h1, err := s.Insert(node.Node{ID: id, Payload: []byte("v1")}, true)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := s.Replace(node.Node{ID: id, Payload: []byte("v2")}, false); err != nil {
		t.Fatalf("replace: %v", err)
	}

	h2, ok := s.Get(id)
	if !ok {
		t.Fatalf("expected entry after replace")
	}
	if string(h2.Node().Payload) != "v2" {
		t.Fatalf("expected v2, got %q", h2.Node().Payload)
	}
	s.Release(h2)

	// h1, obtained before replace, must remain valid until released.
	if string(h1.Node().Payload) != "v1" {
		t.Fatalf("old handle payload changed: %q", h1.Node().Payload)
	}
	s.Release(h1)
	q.AdvanceEpoch()
	q.AdvanceEpoch()
}

func TestReplaceUnknownFails(t *testing.T) {
	s, _ := newStore()
	if _, err := s.Replace(node.Node{ID: nodeid.Numeric(1, 123)}, false); err != ualerrors.ErrNodeIdUnknown {
		t.Fatalf("expected ErrNodeIdUnknown, got %v", err)
	}
}

func TestNullNodeIdSynthesizesUniqueNumericIdsInNamespaceOne(t *testing.T) {
	s, _ := newStore()
	h1, err := s.Insert(node.Node{}, true)
	if err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	h2, err := s.Insert(node.Node{}, true)
	if err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if h1.ID().Namespace != 1 || h1.ID().Kind != nodeid.KindNumeric {
		t.Fatalf("expected namespace 1 numeric id, got %+v", h1.ID())
	}
	if h1.ID().Equal(h2.ID()) {
		t.Fatalf("expected distinct synthesized ids, got %+v twice", h1.ID())
	}
	s.Release(h1)
	s.Release(h2)
}

func TestConcurrentGetersDuringRemoveNoDoubleFree(t *testing.T) {
	s, q := newStore()
	id := nodeid.Numeric(1, 1)
	if _, err := s.Insert(node.Node{ID: id, Payload: []byte("x")}, false); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h, ok := s.Get(id); ok {
				_ = h.Node()
				s.Release(h)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Remove(id)
	}()
	wg.Wait()

	for i := 0; i < 8; i++ {
		q.AdvanceEpoch()
	}
	if _, ok := s.Get(id); ok {
		t.Fatalf("expected entry gone after remove settles")
	}
}

func TestIterateVisitsReachableEntries(t *testing.T) {
	s, _ := newStore()
	for i := uint32(1); i <= 5; i++ {
		if _, err := s.Insert(node.Node{ID: nodeid.Numeric(1, i)}, false); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	seen := map[uint32]bool{}
	s.Iterate(func(n node.Node) bool {
		seen[n.ID.Numeric] = true
		return true
	})
	if len(seen) != 5 {
		t.Fatalf("expected 5 entries visited, got %d", len(seen))
	}
}

func TestIterateCanStopEarly(t *testing.T) {
	s, _ := newStore()
	for i := uint32(1); i <= 5; i++ {
		if _, err := s.Insert(node.Node{ID: nodeid.Numeric(1, i)}, false); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	count := 0
	s.Iterate(func(n node.Node) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Fatalf("expected iteration to stop after 2 visits, got %d", count)
	}
}

func TestOnMutateFiresWithCorrectOpForEachMutation(t *testing.T) {
	s, q := newStore()
	id := nodeid.Numeric(1, 42)

	var ops []MutationOp
	s.OnMutate(func(op MutationOp, gotID nodeid.NodeId) {
		if !gotID.Equal(id) {
			t.Fatalf("unexpected id in mutate callback: %+v", gotID)
		}
		ops = append(ops, op)
	})

	if _, err := s.Insert(node.Node{ID: id}, false); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Replace(node.Node{ID: id, Payload: []byte("v2")}, false); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := s.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	q.AdvanceEpoch()
	q.AdvanceEpoch()

	want := []MutationOp{OpInsert, OpReplace, OpRemove}
	if len(ops) != len(want) {
		t.Fatalf("expected %v, got %v", want, ops)
	}
	for i, op := range want {
		if ops[i] != op {
			t.Fatalf("expected op %d to be %v, got %v", i, op, ops[i])
		}
	}
}

func TestResizeGrowsAndPreservesEntries(t *testing.T) {
	s, _ := newStore()
	const n = 200
	for i := uint32(1); i <= n; i++ {
		if _, err := s.Insert(node.Node{ID: nodeid.Numeric(1, i)}, false); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := uint32(1); i <= n; i++ {
		if _, ok := s.Get(nodeid.Numeric(1, i)); !ok {
			t.Fatalf("entry %d missing after resize", i)
		}
	}
}
