package device

import (
	"fmt"

	"github.com/x448/float16"
)

// DType is the element type of tensor storage.
type DType int

const (
	Float32 DType = iota
	Float64
	Float16
	Int64
	Int32
	Uint8
	Bool
)

// Size returns the byte size of one element.
func (dt DType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Float16:
		return 2
	case Uint8, Bool:
		return 1
	default:
		panic("unknown dtype")
	}
}

// String returns a human-readable name for the dtype.
func (dt DType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case Int64:
		return "int64"
	case Int32:
		return "int32"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// DTypeOf infers the dtype of a typed storage slice.
func DTypeOf(values any) (DType, error) {
	switch values.(type) {
	case []float32:
		return Float32, nil
	case []float64:
		return Float64, nil
	case []float16.Float16:
		return Float16, nil
	case []int64:
		return Int64, nil
	case []int32:
		return Int32, nil
	case []uint8:
		return Uint8, nil
	case []bool:
		return Bool, nil
	default:
		return 0, fmt.Errorf("unsupported storage type %T", values)
	}
}
