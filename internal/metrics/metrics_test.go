package metrics

import "testing"

func TestNewRegistersWithoutPanicking(t *testing.T) {
	m, reg := New()
	if m == nil || reg == nil {
		t.Fatalf("expected non-nil metrics and registry")
	}
	m.AcceptorTicks.Inc()
	m.JobsByType.WithLabelValues("BinaryMessage").Inc()
	m.NodeStoreEntries.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected at least one metric family")
	}
}
