package model

import (
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-phalanx/internal/config"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
	"github.com/23skdu/longbow-phalanx/internal/tensor"
)

// HostLayer holds one transformer block's weights in host memory. Matrices
// are row-major [out, in].
type HostLayer struct {
	AttnNorm  []byte // [d] DTypeNorm
	AttnQKV   []byte // [(nh+2*nkvh)*dh, d], rank-blocked
	AttnO     []byte // [d, nh*dh]
	FFNNorm   []byte // [d] DTypeNorm
	FFNGateUp []byte // [2*di, d], rank-blocked
	FFNDown   []byte // [d, di]
}

// HostWeights is the host-resident weight bundle for a model split over
// Ranks devices. In the rank-blocked matrices the rows owned by rank r are
// one contiguous block: its query, key and value heads for AttnQKV, its
// gate rows then its up rows for FFNGateUp.
type HostWeights struct {
	Ranks      int
	InputEmbd  []byte // [dvoc, d] DTypeLogits
	OutputNorm []byte // [d] DTypeNorm
	OutputEmbd []byte // [dvoc, d] DTypeLogits
	Layers     []HostLayer
}

func (w *HostWeights) check(meta config.Meta, ndev int) error {
	const op = "CreateModel"
	if w == nil {
		return runtime.NewError(runtime.StatusInvalidArgument, op, "no weights", nil)
	}
	if w.Ranks != ndev {
		return runtime.Errorf(runtime.StatusInvalidArgument, op, "weights packed for %d devices, creating on %d", w.Ranks, ndev)
	}
	if len(w.Layers) != meta.Layers {
		return runtime.Errorf(runtime.StatusInvalidArgument, op, "%d weight layers for a %d layer model", len(w.Layers), meta.Layers)
	}
	d, di, dvoc := meta.Dim, meta.HiddenDim, meta.VocabSize
	ln, mat, lg := meta.DTypeNorm.Size(), meta.DTypeMat.Size(), meta.DTypeLogits.Size()
	need := func(name string, b []byte, n int) error {
		if len(b) < n {
			return runtime.Errorf(runtime.StatusInvalidArgument, op, "%s has %d bytes, need %d", name, len(b), n)
		}
		return nil
	}
	if err := need("input_embd", w.InputEmbd, dvoc*d*lg); err != nil {
		return err
	}
	if err := need("output_norm", w.OutputNorm, d*ln); err != nil {
		return err
	}
	if err := need("output_embd", w.OutputEmbd, dvoc*d*lg); err != nil {
		return err
	}
	for i := range w.Layers {
		l := &w.Layers[i]
		checks := []struct {
			name string
			b    []byte
			n    int
		}{
			{"attn_norm", l.AttnNorm, d * ln},
			{"attn_qkv", l.AttnQKV, meta.QKVDim() * d * mat},
			{"attn_o", l.AttnO, d * meta.Heads * meta.HeadDim * mat},
			{"ffn_norm", l.FFNNorm, d * ln},
			{"ffn_gate_up", l.FFNGateUp, 2 * di * d * mat},
			{"ffn_down", l.FFNDown, d * di * mat},
		}
		for _, c := range checks {
			if err := need(c.name, c.b, c.n); err != nil {
				return err
			}
		}
	}
	return nil
}

// LogicalLayer is one block's weights as separate float32 matrices, before
// fusion and rank blocking.
type LogicalLayer struct {
	AttnNorm []float32 // [d]
	Q        []float32 // [nh*dh, d]
	K        []float32 // [nkvh*dh, d]
	V        []float32 // [nkvh*dh, d]
	O        []float32 // [d, nh*dh]
	FFNNorm  []float32 // [d]
	Gate     []float32 // [di, d]
	Up       []float32 // [di, d]
	Down     []float32 // [d, di]
}

// LogicalWeights is a dense float32 model that can be packed for any device
// count.
type LogicalWeights struct {
	InputEmbd  []float32 // [dvoc, d]
	OutputNorm []float32 // [d]
	OutputEmbd []float32 // [dvoc, d]
	Layers     []LogicalLayer
}

// Pack fuses and rank-blocks lw for ndev devices, encoding each tensor in
// the dtype meta assigns to it.
func (lw *LogicalWeights) Pack(meta config.Meta, ndev int) (*HostWeights, error) {
	if err := meta.Validate(); err != nil {
		return nil, runtime.NewError(runtime.StatusInvalidArgument, "Pack", "invalid metadata", err)
	}
	if err := meta.ValidatePartition(ndev); err != nil {
		return nil, runtime.NewError(runtime.StatusInvalidArgument, "Pack", "invalid partition", err)
	}
	if err := lw.check(meta); err != nil {
		return nil, err
	}
	d, dh := meta.Dim, meta.HeadDim
	sh := ShardOf(meta, ndev)

	hw := &HostWeights{
		Ranks:      ndev,
		InputEmbd:  tensor.Encode(meta.DTypeLogits, lw.InputEmbd),
		OutputNorm: tensor.Encode(meta.DTypeNorm, lw.OutputNorm),
		OutputEmbd: tensor.Encode(meta.DTypeLogits, lw.OutputEmbd),
		Layers:     make([]HostLayer, meta.Layers),
	}
	for i, l := range lw.Layers {
		qkv := make([]float32, 0, meta.QKVDim()*d)
		gateUp := make([]float32, 0, 2*meta.HiddenDim*d)
		for r := 0; r < ndev; r++ {
			qkv = append(qkv, rows(l.Q, d, r*sh.Heads*dh, sh.Heads*dh)...)
			qkv = append(qkv, rows(l.K, d, r*sh.KVHeads*dh, sh.KVHeads*dh)...)
			qkv = append(qkv, rows(l.V, d, r*sh.KVHeads*dh, sh.KVHeads*dh)...)
			gateUp = append(gateUp, rows(l.Gate, d, r*sh.HiddenDim, sh.HiddenDim)...)
			gateUp = append(gateUp, rows(l.Up, d, r*sh.HiddenDim, sh.HiddenDim)...)
		}
		hw.Layers[i] = HostLayer{
			AttnNorm:  tensor.Encode(meta.DTypeNorm, l.AttnNorm),
			AttnQKV:   tensor.Encode(meta.DTypeMat, qkv),
			AttnO:     tensor.Encode(meta.DTypeMat, l.O),
			FFNNorm:   tensor.Encode(meta.DTypeNorm, l.FFNNorm),
			FFNGateUp: tensor.Encode(meta.DTypeMat, gateUp),
			FFNDown:   tensor.Encode(meta.DTypeMat, l.Down),
		}
	}
	if err := hw.check(meta, ndev); err != nil {
		return nil, err
	}
	return hw, nil
}

func (lw *LogicalWeights) check(meta config.Meta) error {
	if len(lw.Layers) != meta.Layers {
		return runtime.Errorf(runtime.StatusInvalidArgument, "Pack", "%d layers for a %d layer model", len(lw.Layers), meta.Layers)
	}
	d, di, dq, dkv, dvoc := meta.Dim, meta.HiddenDim, meta.Heads*meta.HeadDim, meta.KVDim(), meta.VocabSize
	sizes := map[string][2]int{
		"input_embd":  {len(lw.InputEmbd), dvoc * d},
		"output_norm": {len(lw.OutputNorm), d},
		"output_embd": {len(lw.OutputEmbd), dvoc * d},
	}
	for _, l := range lw.Layers {
		sizes["attn_norm"] = [2]int{len(l.AttnNorm), d}
		sizes["q"] = [2]int{len(l.Q), dq * d}
		sizes["k"] = [2]int{len(l.K), dkv * d}
		sizes["v"] = [2]int{len(l.V), dkv * d}
		sizes["o"] = [2]int{len(l.O), d * dq}
		sizes["ffn_norm"] = [2]int{len(l.FFNNorm), d}
		sizes["gate"] = [2]int{len(l.Gate), di * d}
		sizes["up"] = [2]int{len(l.Up), di * d}
		sizes["down"] = [2]int{len(l.Down), d * di}
		for name, sz := range sizes {
			if sz[0] != sz[1] {
				return runtime.Errorf(runtime.StatusInvalidArgument, "Pack", "%s has %d values, want %d", name, sz[0], sz[1])
			}
		}
	}
	return nil
}

func rows(m []float32, cols, start, n int) []float32 {
	return m[start*cols : (start+n)*cols]
}

// Synthetic returns reproducible random weights for meta. Matrices are
// scaled by 1/sqrt(fan-in) and norms sit near one.
func Synthetic(meta config.Meta, seed uint64) *LogicalWeights {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	uniform := func(n int, scale float32) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = (2*rng.Float32() - 1) * scale
		}
		return out
	}
	norm := func(n int) []float32 {
		out := uniform(n, 0.1)
		for i := range out {
			out[i] += 1
		}
		return out
	}
	d, di, dq, dkv := meta.Dim, meta.HiddenDim, meta.Heads*meta.HeadDim, meta.KVDim()
	inv := func(n int) float32 { return float32(1 / math.Sqrt(float64(n))) }

	lw := &LogicalWeights{
		InputEmbd:  uniform(meta.VocabSize*d, 1),
		OutputNorm: norm(d),
		OutputEmbd: uniform(meta.VocabSize*d, inv(d)),
		Layers:     make([]LogicalLayer, meta.Layers),
	}
	for i := range lw.Layers {
		lw.Layers[i] = LogicalLayer{
			AttnNorm: norm(d),
			Q:        uniform(dq*d, inv(d)),
			K:        uniform(dkv*d, inv(d)),
			V:        uniform(dkv*d, inv(d)),
			O:        uniform(d*dq, inv(dq)),
			FFNNorm:  norm(d),
			Gate:     uniform(di*d, inv(d)),
			Up:       uniform(di*d, inv(d)),
			Down:     uniform(d*di, inv(di)),
		}
	}
	return lw
}
