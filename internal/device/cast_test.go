package device

import (
	"math"
	"testing"

	"github.com/x448/float16"
)

func TestFloat32s(t *testing.T) {
	t.Run("Bool", func(t *testing.T) {
		got := Float32s([]bool{true, false, true})
		want := []float32{1, 0, 1}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("index %d: got %f, want %f", i, got[i], want[i])
			}
		}
	})

	t.Run("Int64 rounds to nearest float32", func(t *testing.T) {
		// 2^24 + 1 is not representable in float32 and rounds to even.
		got := Float32s([]int64{1<<24 + 1, -3})
		if got[0] != 16777216 || got[1] != -3 {
			t.Errorf("got %v", got)
		}
	})

	t.Run("Float16", func(t *testing.T) {
		// 1.0 in FP16 = 0x3c00, -2.0 = 0xc000
		got := Float32s([]float16.Float16{float16.Frombits(0x3c00), float16.Frombits(0xc000)})
		if got[0] != 1 || got[1] != -2 {
			t.Errorf("got %v", got)
		}
	})

	t.Run("Float64 narrowing", func(t *testing.T) {
		got := Float32s([]float64{0.1, math.MaxFloat64})
		if got[0] != float32(0.1) {
			t.Errorf("0.1 narrowed to %v", got[0])
		}
		if !math.IsInf(float64(got[1]), 1) {
			t.Errorf("MaxFloat64 narrowed to %v, want +Inf", got[1])
		}
	})

	t.Run("Float32 copies", func(t *testing.T) {
		src := []float32{1, 2}
		got := Float32s(src)
		got[0] = 9
		if src[0] != 1 {
			t.Error("Float32s aliases its input")
		}
	})
}

func TestConvert(t *testing.T) {
	f16 := Convert([]float32{1, -2}, Float16).([]float16.Float16)
	if f16[0].Bits() != 0x3c00 || f16[1].Bits() != 0xc000 {
		t.Errorf("Float16 bits = 0x%x 0x%x", f16[0].Bits(), f16[1].Bits())
	}

	ints := Convert([]float64{1.9, -1.9}, Int32).([]int32)
	if ints[0] != 1 || ints[1] != -1 {
		t.Errorf("Int32 truncation = %v", ints)
	}

	bools := Convert([]float32{0, 0.5}, Bool).([]bool)
	if bools[0] || !bools[1] {
		t.Errorf("Bool conversion = %v", bools)
	}

	big := Convert([]int64{1<<62 + 1}, Int64).([]int64)
	if big[0] != 1<<62+1 {
		t.Errorf("Int64 copy lost precision: %d", big[0])
	}
}
