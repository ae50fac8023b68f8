package simd

import (
	"math"
	"testing"
)

func TestSoftmax(t *testing.T) {
	x := []float32{1, 2, 3}
	Softmax(x)

	var sum float32
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-6 {
		t.Errorf("softmax sum = %v, want 1", sum)
	}
	if !(x[0] < x[1] && x[1] < x[2]) {
		t.Errorf("softmax not monotonic: %v", x)
	}
}

func TestSoftmaxLargeLogits(t *testing.T) {
	x := []float32{1000, 1000}
	Softmax(x)
	for i, v := range x {
		if math.Abs(float64(v-0.5)) > 1e-6 {
			t.Errorf("x[%d] = %v, want 0.5", i, v)
		}
	}
	Softmax(nil)
}

func TestSiLUMul(t *testing.T) {
	gate := []float32{0, 1, -1}
	up := []float32{2, 2, 2}
	out := make([]float32, 3)
	SiLUMul(out, gate, up)

	want := []float32{0, 2 * 0.7310586, 2 * -0.26894143}
	for i := range out {
		if math.Abs(float64(out[i]-want[i])) > 1e-5 {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestReductions(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6, 7}
	if got := Dot(a, b); got != 32 {
		t.Errorf("Dot = %v, want 32", got)
	}
	if got := SumSquares(a); got != 14 {
		t.Errorf("SumSquares = %v, want 14", got)
	}

	y := []float32{1, 1, 1}
	Axpy(2, a, y)
	if y[2] != 7 {
		t.Errorf("Axpy y = %v", y)
	}

	tests := []struct {
		in   []float32
		want int
	}{
		{nil, -1},
		{[]float32{3, 1, 3}, 0},
		{[]float32{-1, -0.5, -2}, 1},
	}
	for _, tt := range tests {
		if got := Argmax(tt.in); got != tt.want {
			t.Errorf("Argmax(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
