package device

import (
	"fmt"
	"log"
	"sync"
)

// ensure interface compliance
var _ Backend = (*HostBackend)(nil)
var _ Tensor = (*HostTensor)(nil)

// HostBackend keeps tensor storage in host memory.
//
// The device label is configurable: NewCPUBackend labels tensors "cpu", while
// NewHostBackend(CUDA(0)) stands in for an accelerator in builds without native
// device support. Relocation between two host backends is always a copy.
type HostBackend struct {
	device Device
	pool   sync.Pool
}

// NewCPUBackend returns a host backend for the CPU device.
func NewCPUBackend() *HostBackend {
	return NewHostBackend(CPU)
}

// NewHostBackend returns a host-memory backend labelled with dev.
func NewHostBackend(dev Device) *HostBackend {
	return &HostBackend{
		device: dev,
		pool: sync.Pool{
			New: func() interface{} {
				poolMisses.Inc()
				return &HostTensor{}
			},
		},
	}
}

func (b *HostBackend) Name() string {
	if b.device == CPU {
		return "CPU"
	}
	return "Host(" + b.device.String() + ")"
}

func (b *HostBackend) Device() Device {
	return b.device
}

func (b *HostBackend) newTensor(shape Shape, data any) *HostTensor {
	tensorAllocations.WithLabelValues(b.device.String()).Inc()
	return &HostTensor{
		backend: b,
		shape:   shape.Clone(),
		data:    data,
	}
}

func (b *HostBackend) NewTensor(shape Shape, data []float32) Tensor {
	size := shape.NumElements()
	buf := make([]float32, size)
	if data != nil {
		if len(data) != size {
			log.Panicf("NewTensor: provided data length %d does not match shape %v", len(data), shape)
		}
		copy(buf, data)
	}
	return b.newTensor(shape, buf)
}

func (b *HostBackend) NewTensorOf(shape Shape, values any) (Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	dtype, err := DTypeOf(values)
	if err != nil {
		return nil, err
	}
	if n := storageLen(values); n != shape.NumElements() {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, n, shape)
	}
	return b.newTensor(shape, Convert(values, dtype)), nil
}

// wrap takes ownership of data without copying.
func (b *HostBackend) wrap(shape Shape, data []float32) Tensor {
	return b.newTensor(shape, data)
}

func (b *HostBackend) GetTensor(shape Shape) Tensor {
	v := b.pool.Get()
	ht, ok := v.(*HostTensor)
	if !ok || ht == nil {
		ht = &HostTensor{}
	}
	if ht.backend != nil {
		poolHits.Inc()
	}

	ht.backend = b
	ht.shape = shape.Clone()
	size := shape.NumElements()
	buf, _ := ht.data.([]float32)
	if cap(buf) < size {
		buf = make([]float32, size)
	} else {
		buf = buf[:size]
		for i := range buf {
			buf[i] = 0
		}
	}
	ht.data = buf
	return ht
}

func (b *HostBackend) PutTensor(t Tensor) {
	ht, ok := t.(*HostTensor)
	if !ok || ht.backend != b || ht.DType() != Float32 {
		return // Don't pool foreign tensors
	}
	ht.shape = nil
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ht)
}

func (b *HostBackend) FromTensor(t Tensor, dtype DType) Tensor {
	relocations.WithLabelValues(t.Device().String(), b.device.String()).Inc()
	return b.newTensor(t.Shape(), Convert(t.Data(), dtype))
}

func (b *HostBackend) Synchronize() {
	// Host storage is always synchronous
}

// HostTensor is a row-major tensor stored in a typed Go slice.
type HostTensor struct {
	backend *HostBackend
	shape   Shape
	data    any
}

func (t *HostTensor) Shape() Shape {
	return t.shape.Clone()
}

func (t *HostTensor) DType() DType {
	dtype, err := DTypeOf(t.data)
	if err != nil {
		panic(err)
	}
	return dtype
}

func (t *HostTensor) Device() Device {
	return t.backend.device
}

func (t *HostTensor) Backend() Backend {
	return t.backend
}

func (t *HostTensor) Len() int {
	return t.shape.NumElements()
}

func (t *HostTensor) Data() any {
	return t.data
}

func (t *HostTensor) ToHost() []float32 {
	return Float32s(t.data)
}

func (t *HostTensor) String() string {
	return fmt.Sprintf("Tensor[%s](%v) on %s", t.DType(), []int(t.shape), t.Device())
}

// Wrap creates a Float32 tensor that takes ownership of data when b is a host backend,
// and falls back to a copying NewTensor otherwise.
func Wrap(b Backend, shape Shape, data []float32) Tensor {
	if hb, ok := b.(*HostBackend); ok {
		if len(data) != shape.NumElements() {
			log.Panicf("Wrap: data length %d does not match shape %v", len(data), shape)
		}
		return hb.wrap(shape, data)
	}
	return b.NewTensor(shape, data)
}
