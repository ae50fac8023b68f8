package model

import (
	"math"

	"github.com/23skdu/longbow-phalanx/internal/config"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
	"github.com/23skdu/longbow-phalanx/internal/tensor"
)

// Shard is the per-device extent of each tensor-parallel split.
type Shard struct {
	Heads     int
	KVHeads   int
	HiddenDim int
}

// ShardOf divides meta's split axes over ndev devices. The caller checks
// divisibility with Meta.ValidatePartition.
func ShardOf(meta config.Meta, ndev int) Shard {
	return Shard{
		Heads:     meta.Heads / ndev,
		KVHeads:   meta.KVHeads / ndev,
		HiddenDim: meta.HiddenDim / ndev,
	}
}

// QKVDim is the local output width of the fused QKV projection.
func (s Shard) QKVDim(headDim int) int {
	return (s.Heads + 2*s.KVHeads) * headDim
}

// rowBlock returns rows [start, start+n) of a row-major matrix whose rows
// are rowBytes wide. The result aliases host.
func rowBlock(host []byte, rowBytes, start, n int) []byte {
	return host[start*rowBytes : (start+n)*rowBytes]
}

// columnBlock copies columns [start, start+n) of a rows x cols row-major
// matrix of elem-byte elements into a new contiguous rows x n matrix.
func columnBlock(host []byte, rows, cols, start, n, elem int) []byte {
	out := make([]byte, rows*n*elem)
	for r := 0; r < rows; r++ {
		copy(out[r*n*elem:(r+1)*n*elem], host[(r*cols+start)*elem:(r*cols+start+n)*elem])
	}
	return out
}

// rotaryTables builds the [dctx, dh] sin and cos tables. Both entries of
// pair j at position p hold f(p / theta^(2j/dh)).
func rotaryTables(dctx, dh int, theta float32) (sin, cos []float32) {
	sin = make([]float32, dctx*dh)
	cos = make([]float32, dctx*dh)
	for p := 0; p < dctx; p++ {
		for j := 0; j < dh/2; j++ {
			angle := float64(p) / math.Pow(float64(theta), float64(j)/float64(dh/2))
			s, c := float32(math.Sin(angle)), float32(math.Cos(angle))
			sin[p*dh+2*j], sin[p*dh+2*j+1] = s, s
			cos[p*dh+2*j], cos[p*dh+2*j+1] = c, c
		}
	}
	return sin, cos
}

// hostShards is one rank's slice of every host tensor, ready for upload.
type hostShards struct {
	layers []HostLayer
}

func extractShards(meta config.Meta, w *HostWeights, ndev, rank int) hostShards {
	d, dh, mat := meta.Dim, meta.HeadDim, meta.DTypeMat.Size()
	sh := ShardOf(meta, ndev)
	out := hostShards{layers: make([]HostLayer, len(w.Layers))}
	for i, l := range w.Layers {
		out.layers[i] = HostLayer{
			AttnNorm:  l.AttnNorm,
			AttnQKV:   rowBlock(l.AttnQKV, d*mat, rank*sh.QKVDim(dh), sh.QKVDim(dh)),
			AttnO:     columnBlock(l.AttnO, d, meta.Heads*dh, rank*sh.Heads*dh, sh.Heads*dh, mat),
			FFNNorm:   l.FFNNorm,
			FFNGateUp: rowBlock(l.FFNGateUp, d*mat, rank*2*sh.HiddenDim, 2*sh.HiddenDim),
			FFNDown:   columnBlock(l.FFNDown, d, meta.HiddenDim, rank*sh.HiddenDim, sh.HiddenDim, mat),
		}
	}
	return out
}

// upload allocates a device tensor of the given shape and copies host into it.
func upload(be runtime.Backend, host []byte, dt runtime.DType, dev runtime.Device, shape ...int) (*tensor.Tensor, error) {
	return tensor.Weight(be, host, dt, shape, dev)
}
