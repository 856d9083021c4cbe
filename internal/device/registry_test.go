package device

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	cpu := r.Backend(CPU)
	assert.Equal(t, CPU, cpu.Device())
	assert.Same(t, cpu, r.Backend(CPU))

	gpu := r.Backend(CUDA(2))
	assert.Equal(t, CUDA(2), gpu.Device())
	assert.Same(t, gpu, r.Backend(CUDA(2)))
	assert.ElementsMatch(t, []Device{CPU, CUDA(2)}, r.Devices())

	custom := NewHostBackend(Metal(0))
	r.Register(custom)
	assert.Same(t, custom, r.Backend(Metal(0)))
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	got := make([]Backend, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Backend(CUDA(0))
		}(i)
	}
	wg.Wait()
	for _, b := range got {
		assert.Same(t, got[0], b)
	}
}
