package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Shape represents the dimensions of a tensor. A scalar has an empty shape.
type Shape []int

// NumElements returns the total number of elements.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Validate rejects negative dimensions. Zero-length dimensions are allowed.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < 0 {
			return fmt.Errorf("invalid dimension at index %d: %d", i, dim)
		}
	}
	return nil
}

// Strides returns row-major strides: stride[i] = product of all dimensions after i.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}
	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// String renders the shape as comma-joined dimensions, "" for a scalar.
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// ParseShape is the inverse of Shape.String.
func ParseShape(text string) (Shape, error) {
	if text == "" {
		return Shape{}, nil
	}
	parts := strings.Split(text, ",")
	shape := make(Shape, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parsing shape %q: %w", text, err)
		}
		shape[i] = d
	}
	return shape, shape.Validate()
}

// BroadcastShapes implements NumPy-style broadcasting over any number of shapes.
//
// Shapes are compared right to left; two dimensions are compatible when they are
// equal or one of them is 1, and missing dimensions are treated as 1.
//
//	(3, 1) + (3, 5) → (3, 5)
//	(5,)   + (3, 5) → (3, 5)
//	(3,)   + (4,)   → ErrShapeMismatch
func BroadcastShapes(shapes ...Shape) (Shape, error) {
	maxLen := 0
	for _, s := range shapes {
		maxLen = max(maxLen, len(s))
	}

	result := make(Shape, maxLen)
	for i := range result {
		result[i] = 1
	}
	for _, s := range shapes {
		offset := maxLen - len(s)
		for i, dim := range s {
			out := &result[offset+i]
			switch {
			case dim == *out:
			case *out == 1:
				*out = dim
			case dim == 1:
			default:
				return nil, fmt.Errorf("%w: shapes %v are not broadcastable (dimension %d: %d vs %d)",
					ErrShapeMismatch, shapes, offset+i, *out, dim)
			}
		}
	}
	return result, nil
}

// BroadcastTo returns the elements of t expanded to shape as a new float32 slice.
// It returns ErrShapeMismatch when the tensor's shape cannot be broadcast to shape.
func BroadcastTo(t Tensor, shape Shape) ([]float32, error) {
	src := t.Shape()
	if src.Equal(shape) {
		return t.ToHost(), nil
	}
	if len(src) > len(shape) {
		return nil, fmt.Errorf("%w: cannot broadcast %v to %v", ErrShapeMismatch, src, shape)
	}

	// Source strides aligned to the output rank; broadcast dimensions get stride 0.
	offset := len(shape) - len(src)
	srcStrides := src.Strides()
	strides := make([]int, len(shape))
	for i, dim := range src {
		switch {
		case dim == shape[offset+i]:
			strides[offset+i] = srcStrides[i]
		case dim == 1:
			strides[offset+i] = 0
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v to %v", ErrShapeMismatch, src, shape)
		}
	}

	data := t.ToHost()
	out := make([]float32, shape.NumElements())
	if len(out) == 0 {
		return out, nil
	}
	index := make([]int, len(shape))
	pos := 0
	for i := range out {
		out[i] = data[pos]
		// Advance the multi-index like an odometer.
		for d := len(shape) - 1; d >= 0; d-- {
			index[d]++
			pos += strides[d]
			if index[d] < shape[d] {
				break
			}
			pos -= strides[d] * index[d]
			index[d] = 0
		}
	}
	return out, nil
}
