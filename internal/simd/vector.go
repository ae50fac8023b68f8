package simd

import "math"

// SiLU returns x * sigmoid(x).
func SiLU(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// SiLUMul writes silu(gate[i]) * up[i] into out.
func SiLUMul(out, gate, up []float32) {
	n := len(out)
	if n == 0 {
		return
	}
	_ = gate[n-1]
	_ = up[n-1]
	for i := 0; i < n; i++ {
		out[i] = SiLU(gate[i]) * up[i]
	}
}

// Dot returns the inner product of a and b over len(a) elements.
func Dot(a, b []float32) float32 {
	var sum float32
	b = b[:len(a)]
	for i, v := range a {
		sum += v * b[i]
	}
	return sum
}

// Axpy computes y += alpha * x.
func Axpy(alpha float32, x, y []float32) {
	y = y[:len(x)]
	for i, v := range x {
		y[i] += alpha * v
	}
}

// SumSquares returns the sum of x[i]^2 accumulated in float64.
func SumSquares(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return sum
}

// Argmax returns the index of the first maximum of x, or -1 for empty input.
func Argmax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}
