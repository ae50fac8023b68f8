// Package simd holds the float32 vector helpers shared by host kernels.
package simd

import "math"

var softmaxImpl func(x []float32)

// Softmax normalises x in place. The maximum is subtracted first so large
// logits do not overflow.
func Softmax(x []float32) {
	softmaxImpl(x)
}

func init() {
	softmaxImpl = softmaxScalar
}

func softmaxScalar(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}

	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}
