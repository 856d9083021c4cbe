package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHostBackend_PoolMetrics(t *testing.T) {
	backend := NewHostBackend(Metal(7))

	// Metrics are global, so we track deltas
	startAllocs := testutil.ToFloat64(tensorAllocations.WithLabelValues("metal:7"))

	backend.NewTensor(Shape{4, 4}, nil)
	backend.NewTensor(Shape{2}, nil)

	if got := testutil.ToFloat64(tensorAllocations.WithLabelValues("metal:7")) - startAllocs; got != 2 {
		t.Errorf("Expected 2 allocations, got %v", got)
	}

	startRelocs := testutil.ToFloat64(relocations.WithLabelValues("cpu", "metal:7"))
	src := NewCPUBackend().NewTensor(Shape{3}, []float32{1, 2, 3})
	backend.FromTensor(src, Float32)
	if got := testutil.ToFloat64(relocations.WithLabelValues("cpu", "metal:7")) - startRelocs; got != 1 {
		t.Errorf("Expected 1 relocation, got %v", got)
	}
}

func TestHostBackend_PutForeignTensor(t *testing.T) {
	a := NewCPUBackend()
	b := NewHostBackend(CUDA(0))

	foreign := b.NewTensor(Shape{2}, nil)
	// Must not panic or adopt the tensor.
	a.PutTensor(foreign)

	if foreign.Device() != CUDA(0) {
		t.Errorf("foreign tensor relabelled to %s", foreign.Device())
	}
}
