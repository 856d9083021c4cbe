// Package coerce turns arbitrary numeric input into Float32 tensors on a target device.
//
// Accepted inputs are existing device.Tensor values, Go numeric scalars and bools,
// float16.Float16, slices and arrays of those at any nesting depth (including the
// []any values produced by CBOR and JSON decoders), gonum matrices and vectors, and
// Arrow numeric arrays without nulls.
package coerce

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// ErrShapeOrType is returned for ragged nested sequences and non-numeric input.
var ErrShapeOrType = errors.New("shape or type error")

// ToFloatTensor returns x as a Float32 tensor resident on target.
//
// An existing tensor is copied onto target (never mutated, never returned as is).
// Any other value is flattened and constructed on target in one step.
// The target device is not validated.
func ToFloatTensor(x any, target device.Backend) (device.Tensor, error) {
	if t, ok := x.(device.Tensor); ok {
		if isNilTensor(t) {
			return nil, fmt.Errorf("%w: nil tensor", ErrShapeOrType)
		}
		return target.FromTensor(t, device.Float32), nil
	}
	shape, data, err := Flatten(x)
	if err != nil {
		return nil, err
	}
	return device.Wrap(target, shape, data), nil
}

// ToDevice resolves dev through reg and calls ToFloatTensor.
func ToDevice(x any, reg *device.Registry, dev device.Device) (device.Tensor, error) {
	return ToFloatTensor(x, reg.Backend(dev))
}

// Flatten returns the shape of x and its elements converted to float32 in row-major order.
func Flatten(x any) (device.Shape, []float32, error) {
	switch v := x.(type) {
	case nil:
		return nil, nil, fmt.Errorf("%w: nil value", ErrShapeOrType)
	case device.Tensor:
		if isNilTensor(v) {
			return nil, nil, fmt.Errorf("%w: nil tensor", ErrShapeOrType)
		}
		return v.Shape(), v.ToHost(), nil
	case []float32:
		return device.Shape{len(v)}, device.Float32s(v), nil
	case []float64:
		return device.Shape{len(v)}, device.Float32s(v), nil
	case []int64:
		return device.Shape{len(v)}, device.Float32s(v), nil
	case mat.Vector:
		return flattenVector(v)
	case mat.Matrix:
		return flattenMatrix(v)
	case arrow.Array:
		return flattenArrow(v)
	}

	shape, err := inferShape(reflect.ValueOf(x))
	if err != nil {
		return nil, nil, err
	}
	f := &flattener{shape: shape, data: make([]float32, 0, shape.NumElements())}
	if err := f.walk(reflect.ValueOf(x), 0, nil); err != nil {
		return nil, nil, err
	}
	return shape, f.data, nil
}

// isNilTensor catches typed nil pointers hiding in a non-nil interface.
func isNilTensor(t device.Tensor) bool {
	v := reflect.ValueOf(t)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

func flattenVector(v mat.Vector) (device.Shape, []float32, error) {
	n := v.Len()
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(v.AtVec(i))
	}
	return device.Shape{n}, data, nil
}

func flattenMatrix(m mat.Matrix) (device.Shape, []float32, error) {
	r, c := m.Dims()
	data := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, float32(m.At(i, j)))
		}
	}
	return device.Shape{r, c}, data, nil
}

var float16Type = reflect.TypeOf(float16.Float16(0))

func isSequence(v reflect.Value) bool {
	k := v.Kind()
	return k == reflect.Slice || k == reflect.Array
}

// indirect unwraps interfaces and pointers. It returns the zero Value for nil.
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// inferShape follows the first element of every nesting level.
func inferShape(v reflect.Value) (device.Shape, error) {
	shape := device.Shape{}
	for {
		v = indirect(v)
		if !v.IsValid() {
			return nil, fmt.Errorf("%w: nil element", ErrShapeOrType)
		}
		if !isSequence(v) {
			return shape, nil
		}
		shape = append(shape, v.Len())
		if v.Len() == 0 {
			return shape, nil
		}
		v = v.Index(0)
	}
}

type flattener struct {
	shape device.Shape
	data  []float32
}

func (f *flattener) walk(v reflect.Value, depth int, path []int) error {
	v = indirect(v)
	if !v.IsValid() {
		return fmt.Errorf("%w: nil element at %s", ErrShapeOrType, pathString(path))
	}

	if depth == len(f.shape) {
		if isSequence(v) {
			return fmt.Errorf("%w: ragged sequence at %s: found a sequence of length %d where a number was expected",
				ErrShapeOrType, pathString(path), v.Len())
		}
		val, err := scalar(v)
		if err != nil {
			return fmt.Errorf("%w at %s", err, pathString(path))
		}
		f.data = append(f.data, val)
		return nil
	}

	if !isSequence(v) {
		return fmt.Errorf("%w: ragged sequence at %s: found a number where a sequence of length %d was expected",
			ErrShapeOrType, pathString(path), f.shape[depth])
	}
	if v.Len() != f.shape[depth] {
		return fmt.Errorf("%w: ragged sequence at %s: length %d, want %d",
			ErrShapeOrType, pathString(path), v.Len(), f.shape[depth])
	}
	for i := 0; i < v.Len(); i++ {
		if err := f.walk(v.Index(i), depth+1, append(path, i)); err != nil {
			return err
		}
	}
	return nil
}

// scalar converts one numeric leaf with Go float32 conversion semantics.
func scalar(v reflect.Value) (float32, error) {
	if v.Type() == float16Type {
		return v.Interface().(float16.Float16).Float32(), nil
	}
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float32(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float32(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return float32(v.Float()), nil
	default:
		return 0, fmt.Errorf("%w: non-numeric element of type %s", ErrShapeOrType, v.Type())
	}
}

func pathString(path []int) string {
	if len(path) == 0 {
		return "top level"
	}
	var sb strings.Builder
	for _, i := range path {
		fmt.Fprintf(&sb, "[%d]", i)
	}
	return sb.String()
}

func flattenArrow(arr arrow.Array) (device.Shape, []float32, error) {
	if arr.NullN() > 0 {
		return nil, nil, fmt.Errorf("%w: arrow %s array has %d nulls", ErrShapeOrType, arr.DataType(), arr.NullN())
	}
	n := arr.Len()
	data := make([]float32, n)
	switch a := arr.(type) {
	case *array.Float32:
		copy(data, a.Float32Values())
	case *array.Float64:
		for i, v := range a.Float64Values() {
			data[i] = float32(v)
		}
	case *array.Float16:
		for i, v := range a.Values() {
			data[i] = v.Float32()
		}
	case *array.Int8:
		for i, v := range a.Int8Values() {
			data[i] = float32(v)
		}
	case *array.Int16:
		for i, v := range a.Int16Values() {
			data[i] = float32(v)
		}
	case *array.Int32:
		for i, v := range a.Int32Values() {
			data[i] = float32(v)
		}
	case *array.Int64:
		for i, v := range a.Int64Values() {
			data[i] = float32(v)
		}
	case *array.Uint8:
		for i, v := range a.Uint8Values() {
			data[i] = float32(v)
		}
	case *array.Uint16:
		for i, v := range a.Uint16Values() {
			data[i] = float32(v)
		}
	case *array.Uint32:
		for i, v := range a.Uint32Values() {
			data[i] = float32(v)
		}
	case *array.Uint64:
		for i, v := range a.Uint64Values() {
			data[i] = float32(v)
		}
	case *array.Boolean:
		for i := range data {
			if a.Value(i) {
				data[i] = 1
			}
		}
	default:
		return nil, nil, fmt.Errorf("%w: unsupported arrow type %s", ErrShapeOrType, arr.DataType())
	}
	return device.Shape{n}, data, nil
}
