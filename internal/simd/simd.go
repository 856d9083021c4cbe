// Package simd holds unrolled float32 vector kernels.
package simd

import "math"

// SmoothL1Threshold is the |diff| at which the weighted smooth-L1 kernel switches
// from the quadratic to the linear regime.
const SmoothL1Threshold = 1.0

func abs32(x float32) float32 {
	return math.Float32frombits(math.Float32bits(x) &^ (1 << 31))
}

func smoothL1(d, w float32) float32 {
	a := abs32(d)
	if a < SmoothL1Threshold {
		return 0.5 * w * (d * d)
	}
	return (a - 0.5) * w
}

// WeightedSmoothL1 writes the elementwise weighted smooth-L1 loss of diff into dst:
//
//	|d| <  1: 0.5 * w * d^2
//	|d| >= 1: (|d| - 0.5) * w
//
// The weight scales the whole quadratic term but only the shifted absolute term
// of the linear regime. NaN differences fall into the linear regime.
func WeightedSmoothL1(dst, diff, weights []float32) {
	n := len(dst)
	diff = diff[:n]
	weights = weights[:n]

	i := 0
	for ; i <= n-4; i += 4 {
		dst[i] = smoothL1(diff[i], weights[i])
		dst[i+1] = smoothL1(diff[i+1], weights[i+1])
		dst[i+2] = smoothL1(diff[i+2], weights[i+2])
		dst[i+3] = smoothL1(diff[i+3], weights[i+3])
	}
	// Handle remainder
	for ; i < n; i++ {
		dst[i] = smoothL1(diff[i], weights[i])
	}
}

// Fill sets every element of dst to v.
func Fill(dst []float32, v float32) {
	for i := range dst {
		dst[i] = v
	}
}

// Sum adds up x with float64 accumulators.
func Sum(x []float32) float64 {
	var s0, s1, s2, s3 float64
	i := 0
	for ; i <= len(x)-4; i += 4 {
		s0 += float64(x[i])
		s1 += float64(x[i+1])
		s2 += float64(x[i+2])
		s3 += float64(x[i+3])
	}
	for ; i < len(x); i++ {
		s0 += float64(x[i])
	}
	return (s0 + s1) + (s2 + s3)
}

// Mean returns the arithmetic mean of x, NaN when x is empty.
func Mean(x []float32) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	return Sum(x) / float64(len(x))
}
