package device

import (
	"fmt"

	"github.com/x448/float16"
)

type numeric interface {
	~float32 | ~float64 | ~int64 | ~int32 | ~uint8
}

func castSlice[D, S numeric](src []S) []D {
	out := make([]D, len(src))
	for i, v := range src {
		out[i] = D(v)
	}
	return out
}

func boolsTo[D numeric](src []bool) []D {
	out := make([]D, len(src))
	for i, v := range src {
		if v {
			out[i] = 1
		}
	}
	return out
}

// Float32s converts typed storage to float32 with Go conversion semantics
// (round to nearest even when narrowing). The result never aliases values.
func Float32s(values any) []float32 {
	switch src := values.(type) {
	case []float32:
		out := make([]float32, len(src))
		copy(out, src)
		return out
	case []float64:
		return castSlice[float32](src)
	case []float16.Float16:
		out := make([]float32, len(src))
		for i, h := range src {
			out[i] = h.Float32()
		}
		return out
	case []int64:
		return castSlice[float32](src)
	case []int32:
		return castSlice[float32](src)
	case []uint8:
		return castSlice[float32](src)
	case []bool:
		return boolsTo[float32](src)
	default:
		panic(fmt.Sprintf("Float32s: unsupported storage type %T", values))
	}
}

// Float64s converts typed storage to float64.
func Float64s(values any) []float64 {
	switch src := values.(type) {
	case []float32:
		return castSlice[float64](src)
	case []float64:
		out := make([]float64, len(src))
		copy(out, src)
		return out
	case []float16.Float16:
		out := make([]float64, len(src))
		for i, h := range src {
			out[i] = float64(h.Float32())
		}
		return out
	case []int64:
		return castSlice[float64](src)
	case []int32:
		return castSlice[float64](src)
	case []uint8:
		return castSlice[float64](src)
	case []bool:
		return boolsTo[float64](src)
	default:
		panic(fmt.Sprintf("Float64s: unsupported storage type %T", values))
	}
}

// Convert returns a copy of values stored as dtype.
// Float32 targets are converted directly from the source width; other targets go through float64.
func Convert(values any, dtype DType) any {
	if dtype == Float32 {
		return Float32s(values)
	}
	if src, ok := values.([]int64); ok && dtype == Int64 {
		out := make([]int64, len(src))
		copy(out, src)
		return out
	}

	f64 := Float64s(values)
	switch dtype {
	case Float64:
		return f64
	case Float16:
		out := make([]float16.Float16, len(f64))
		for i, v := range f64 {
			out[i] = float16.Fromfloat32(float32(v))
		}
		return out
	case Int64:
		return castSlice[int64](f64)
	case Int32:
		return castSlice[int32](f64)
	case Uint8:
		return castSlice[uint8](f64)
	case Bool:
		out := make([]bool, len(f64))
		for i, v := range f64 {
			out[i] = v != 0
		}
		return out
	default:
		panic(fmt.Sprintf("Convert: unknown dtype %d", dtype))
	}
}

func storageLen(values any) int {
	switch src := values.(type) {
	case []float32:
		return len(src)
	case []float64:
		return len(src)
	case []float16.Float16:
		return len(src)
	case []int64:
		return len(src)
	case []int32:
		return len(src)
	case []uint8:
		return len(src)
	case []bool:
		return len(src)
	default:
		return -1
	}
}
