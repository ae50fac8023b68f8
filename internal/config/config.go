// Package config holds the model metadata shared by assembly, caches and
// the forward pass.
package config

import (
	"fmt"

	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

// Meta describes a Llama-family model. Dimensions are global; per-device
// extents are derived by dividing by the device count.
type Meta struct {
	DTypeLogits runtime.DType
	DTypeNorm   runtime.DType
	DTypeMat    runtime.DType

	Layers     int
	Dim        int
	Heads      int
	KVHeads    int
	HeadDim    int
	HiddenDim  int
	ContextLen int
	VocabSize  int
	Eps        float32
	RopeTheta  float32
}

func (m *Meta) Validate() error {
	if !m.DTypeLogits.IsFloat() {
		return fmt.Errorf("invalid dtype_logits: %s (must be f16 or f32)", m.DTypeLogits)
	}
	if !m.DTypeNorm.IsFloat() {
		return fmt.Errorf("invalid dtype_norm: %s (must be f16 or f32)", m.DTypeNorm)
	}
	if !m.DTypeMat.IsFloat() {
		return fmt.Errorf("invalid dtype_mat: %s (must be f16 or f32)", m.DTypeMat)
	}
	if m.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", m.Layers)
	}
	if m.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", m.Dim)
	}
	if m.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", m.Heads)
	}
	if m.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", m.KVHeads)
	}
	if m.KVHeads > m.Heads || m.Heads%m.KVHeads != 0 {
		return fmt.Errorf("invalid kv_heads: %d (must divide heads: %d)", m.KVHeads, m.Heads)
	}
	if m.HeadDim <= 0 || m.HeadDim%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive and even)", m.HeadDim)
	}
	if m.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", m.HiddenDim)
	}
	if m.ContextLen <= 0 {
		return fmt.Errorf("invalid context_len: %d (must be positive)", m.ContextLen)
	}
	if m.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", m.VocabSize)
	}
	if m.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", m.Eps)
	}
	if m.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", m.RopeTheta)
	}
	return nil
}

// ValidatePartition checks that every tensor-parallel split over ndev
// devices is exact.
func (m *Meta) ValidatePartition(ndev int) error {
	if ndev <= 0 {
		return fmt.Errorf("invalid device count: %d (must be positive)", ndev)
	}
	if m.Heads%ndev != 0 {
		return fmt.Errorf("heads (%d) not divisible by device count (%d)", m.Heads, ndev)
	}
	if m.KVHeads%ndev != 0 {
		return fmt.Errorf("kv_heads (%d) not divisible by device count (%d)", m.KVHeads, ndev)
	}
	if m.HiddenDim%ndev != 0 {
		return fmt.Errorf("hidden_dim (%d) not divisible by device count (%d)", m.HiddenDim, ndev)
	}
	return nil
}

// KVDim is the width of the key (or value) projection.
func (m *Meta) KVDim() int {
	return m.KVHeads * m.HeadDim
}

// QKVDim is the output width of the fused QKV projection.
func (m *Meta) QKVDim() int {
	return (m.Heads + 2*m.KVHeads) * m.HeadDim
}

func Default() Meta {
	return Meta{
		DTypeLogits: runtime.F32,
		DTypeNorm:   runtime.F32,
		DTypeMat:    runtime.F16,
		ContextLen:  2048,
		Eps:         1e-5,
		RopeTheta:   10000.0,
	}
}

// Tiny returns a small complete model shape, suitable for synthetic runs.
func Tiny() Meta {
	m := Default()
	m.Layers = 2
	m.Dim = 64
	m.Heads = 4
	m.KVHeads = 2
	m.HeadDim = 16
	m.HiddenDim = 128
	m.ContextLen = 64
	m.VocabSize = 96
	return m
}
