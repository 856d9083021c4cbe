package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

var (
	// ErrShapeMismatch is returned when tensor shapes cannot be broadcast together.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDeviceMismatch is returned when operands of one operation live on different devices.
	ErrDeviceMismatch = errors.New("device mismatch")

	// ErrUnknownDevice is returned when a device identifier cannot be parsed.
	ErrUnknownDevice = errors.New("unknown device")
)

// Kind is the class of compute location a Device refers to.
type Kind int

const (
	KindCPU Kind = iota
	KindCUDA
	KindMetal
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindCUDA:
		return "cuda"
	case KindMetal:
		return "metal"
	default:
		return "unknown"
	}
}

// Device identifies where tensor storage resides.
// The zero value is the host CPU.
type Device struct {
	Kind  Kind
	Index int
}

// CPU is the host device.
var CPU = Device{Kind: KindCPU}

// CUDA returns the CUDA device with the given ordinal.
func CUDA(index int) Device { return Device{Kind: KindCUDA, Index: index} }

// Metal returns the Metal device with the given ordinal.
func Metal(index int) Device { return Device{Kind: KindMetal, Index: index} }

// String returns "cpu" for the host and "<kind>:<index>" for accelerators.
func (d Device) String() string {
	if d.Kind == KindCPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Parse reads a device identifier such as "cpu", "cuda", "cuda:1" or "METAL:0".
// A bare accelerator kind refers to index 0.
func Parse(s string) (Device, error) {
	name := strings.TrimSpace(cases.Fold().String(s))
	kindName, indexStr, hasIndex := strings.Cut(name, ":")

	var kind Kind
	switch kindName {
	case "cpu":
		kind = KindCPU
	case "cuda":
		kind = KindCUDA
	case "metal", "mps":
		kind = KindMetal
	default:
		return Device{}, fmt.Errorf("%w: %q", ErrUnknownDevice, s)
	}

	if !hasIndex {
		return Device{Kind: kind}, nil
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 {
		return Device{}, fmt.Errorf("%w: bad ordinal in %q", ErrUnknownDevice, s)
	}
	if kind == KindCPU && index != 0 {
		return Device{}, fmt.Errorf("%w: cpu has no ordinal %d", ErrUnknownDevice, index)
	}
	return Device{Kind: kind, Index: index}, nil
}

// Tensor represents a multi-dimensional array of data that is resident
// on a device (CPU, Metal GPU, CUDA GPU).
type Tensor interface {
	// Shape returns a copy of the tensor dimensions.
	Shape() Shape

	// DType returns the element type of the underlying storage.
	DType() DType

	// Device returns where the storage resides.
	Device() Device

	// Backend returns the backend that owns the storage.
	Backend() Backend

	// Len returns the number of elements.
	Len() int

	// Data returns the underlying typed slice ([]float32, []int64, ...) in row-major order.
	// Writes through it mutate the tensor.
	Data() any

	// ToHost copies the elements to a new float32 slice in row-major order.
	ToHost() []float32
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string

	// Device returns the device tensors of this backend reside on.
	Device() Device

	// NewTensor creates a Float32 tensor, copying data when it is not nil.
	// It panics when len(data) does not match the shape.
	NewTensor(shape Shape, data []float32) Tensor

	// NewTensorOf creates a tensor from a typed slice, inferring the DType.
	NewTensorOf(shape Shape, values any) (Tensor, error)

	// GetTensor gets a zeroed Float32 tensor from the pool or creates a new one.
	GetTensor(shape Shape) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// FromTensor copies t onto this backend converting it to dtype.
	// The result is always a new tensor; t is left untouched.
	FromTensor(t Tensor, dtype DType) Tensor

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}

// SameDevice returns ErrDeviceMismatch unless every non-nil tensor lives on the same device.
func SameDevice(tensors ...Tensor) error {
	var first Tensor
	for _, t := range tensors {
		if t == nil {
			continue
		}
		if first == nil {
			first = t
			continue
		}
		if t.Device() != first.Device() {
			return fmt.Errorf("%w: %s and %s", ErrDeviceMismatch, first.Device(), t.Device())
		}
	}
	return nil
}
