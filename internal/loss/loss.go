// Package loss implements the weighted smooth-L1 training objective.
package loss

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

// Threshold is the |prediction - target| at which the loss turns linear.
const Threshold = simd.SmoothL1Threshold

// WeightedSmoothL1 returns the mean weighted smooth-L1 loss of prediction against target.
//
// Elementwise, with diff = prediction - target:
//
//	|diff| <  1: 0.5 * weight * diff^2
//	|diff| >= 1: (|diff| - 0.5) * weight
//
// weights may be nil, in which case every element has weight 1. The three tensors
// are broadcast to a common shape; the mean is taken over that shape and is NaN
// when it has no elements. Negative weights are not rejected.
//
// Errors wrap device.ErrShapeMismatch or device.ErrDeviceMismatch.
func WeightedSmoothL1(prediction, target, weights device.Tensor) (float32, error) {
	elems, _, err := elementwise(prediction, target, weights)
	if err != nil {
		return 0, err
	}
	return float32(simd.Mean(elems)), nil
}

// WeightedSmoothL1Elementwise returns the unreduced loss as a Float32 tensor on the
// prediction's backend, shaped like the broadcast of the inputs.
func WeightedSmoothL1Elementwise(prediction, target, weights device.Tensor) (device.Tensor, error) {
	elems, shape, err := elementwise(prediction, target, weights)
	if err != nil {
		return nil, err
	}
	return device.Wrap(prediction.Backend(), shape, elems), nil
}

func elementwise(prediction, target, weights device.Tensor) ([]float32, device.Shape, error) {
	if prediction == nil || target == nil {
		return nil, nil, fmt.Errorf("weighted smooth-L1: prediction and target are required")
	}
	if err := device.SameDevice(prediction, target, weights); err != nil {
		return nil, nil, fmt.Errorf("weighted smooth-L1: %w", err)
	}

	shapes := []device.Shape{prediction.Shape(), target.Shape()}
	if weights != nil {
		shapes = append(shapes, weights.Shape())
	}
	shape, err := device.BroadcastShapes(shapes...)
	if err != nil {
		return nil, nil, fmt.Errorf("weighted smooth-L1: %w", err)
	}

	diff, err := device.BroadcastTo(prediction, shape)
	if err != nil {
		return nil, nil, err
	}
	tgt, err := device.BroadcastTo(target, shape)
	if err != nil {
		return nil, nil, err
	}
	// diff = prediction - target
	n := len(diff)
	if n > 0 {
		blas32.Axpy(-1,
			blas32.Vector{N: n, Inc: 1, Data: tgt},
			blas32.Vector{N: n, Inc: 1, Data: diff})
	}

	var w []float32
	if weights == nil {
		w = make([]float32, n)
		simd.Fill(w, 1)
	} else if w, err = device.BroadcastTo(weights, shape); err != nil {
		return nil, nil, err
	}

	// The target buffer is no longer needed; reuse it for the result.
	out := tgt
	simd.WeightedSmoothL1(out, diff, w)
	return out, shape, nil
}
