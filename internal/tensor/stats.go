package tensor

import (
	"fmt"
	"math"
)

// Stats summarises the values held by a tensor. NaN and Inf elements are
// counted and excluded from the other fields.
type Stats struct {
	Max    float32
	Min    float32
	Mean   float32
	RMS    float32
	Zeros  int
	NaNs   int
	Infs   int
	Sample []float32
}

func (s Stats) String() string {
	return fmt.Sprintf("min=%.4f max=%.4f mean=%.4f rms=%.4f zeros=%d nans=%d infs=%d",
		s.Min, s.Max, s.Mean, s.RMS, s.Zeros, s.NaNs, s.Infs)
}

// Healthy reports whether no element is NaN or infinite.
func (s Stats) Healthy() bool { return s.NaNs == 0 && s.Infs == 0 }

// Stats reads t back to the host and summarises it, keeping the first
// sample logical elements.
func (t *Tensor) Stats(sample int) (Stats, error) {
	data, err := t.ReadFloat32()
	if err != nil {
		return Stats{}, err
	}

	var (
		st    Stats
		sum   float64
		sumSq float64
		n     int
	)
	for _, v := range data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			st.NaNs++
			continue
		case math.IsInf(f, 0):
			st.Infs++
			continue
		case v == 0:
			st.Zeros++
		}
		if n == 0 || v > st.Max {
			st.Max = v
		}
		if n == 0 || v < st.Min {
			st.Min = v
		}
		sum += f
		sumSq += f * f
		n++
	}
	if n > 0 {
		st.Mean = float32(sum / float64(n))
		st.RMS = float32(math.Sqrt(sumSq / float64(n)))
	}

	if sample > len(data) {
		sample = len(data)
	}
	if sample > 0 {
		st.Sample = append([]float32(nil), data[:sample]...)
	}
	return st, nil
}
