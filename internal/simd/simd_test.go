package simd

import (
	"math"
	"testing"
)

func TestWeightedSmoothL1(t *testing.T) {
	diff := []float32{0, 0.5, -0.5, 1, -1, 2, -3, 0.999}
	weights := []float32{1, 1, 1, 1, 1, 1, 2, 1}
	expected := []float32{
		0,
		0.125,
		0.125,
		0.5,
		0.5,
		1.5,
		5,
		0.5 * 0.999 * 0.999,
	}

	dst := make([]float32, len(diff))
	WeightedSmoothL1(dst, diff, weights)

	for i, v := range dst {
		if math.Abs(float64(v-expected[i])) > 1e-6 {
			t.Errorf("WeightedSmoothL1(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestWeightedSmoothL1_ContinuousAtThreshold(t *testing.T) {
	below := make([]float32, 1)
	at := make([]float32, 1)
	WeightedSmoothL1(below, []float32{math.Nextafter32(1, 0)}, []float32{1})
	WeightedSmoothL1(at, []float32{1}, []float32{1})

	if at[0] != 0.5 {
		t.Errorf("loss at threshold = %f, want 0.5", at[0])
	}
	if math.Abs(float64(at[0]-below[0])) > 1e-6 {
		t.Errorf("discontinuity at threshold: %f vs %f", below[0], at[0])
	}
}

func TestWeightedSmoothL1_Infinite(t *testing.T) {
	dst := make([]float32, 2)
	WeightedSmoothL1(dst, []float32{float32(math.Inf(1)), float32(math.Inf(-1))}, []float32{1, 1})
	for i, v := range dst {
		if !math.IsInf(float64(v), 1) {
			t.Errorf("WeightedSmoothL1(%d) = %f, want +Inf", i, v)
		}
	}
}

func TestSumAndMean(t *testing.T) {
	x := []float32{1, 2, 3, 4, 5}
	if s := Sum(x); s != 15 {
		t.Errorf("Sum = %f, want 15", s)
	}
	if m := Mean(x); m != 3 {
		t.Errorf("Mean = %f, want 3", m)
	}
	if m := Mean(nil); !math.IsNaN(m) {
		t.Errorf("Mean(nil) = %f, want NaN", m)
	}
}

func TestFill(t *testing.T) {
	dst := make([]float32, 5)
	Fill(dst, 1)
	for i, v := range dst {
		if v != 1 {
			t.Errorf("Fill(%d) = %f, want 1", i, v)
		}
	}
}
