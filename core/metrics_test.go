package core

import "testing"

func TestNewMetricsRegistersOnAPrivateRegistry(t *testing.T) {
	m := NewMetrics()
	if m.Registry == nil {
		t.Fatalf("NewMetrics() did not set a Registry")
	}
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("Registry.Gather() returned no metric families; collectors were not registered")
	}

	m.BlocksSealed.Inc()
	if v := testCounterValue(t, m.BlocksSealed); v != 1 {
		t.Fatalf("BlocksSealed = %v, want 1", v)
	}

	m2 := NewMetrics()
	if m2.Registry == m.Registry {
		t.Fatalf("two NewMetrics() calls shared a registry; each node must get its own")
	}
}
