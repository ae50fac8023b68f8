package cpu

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/23skdu/longbow-phalanx/internal/ops"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
	"github.com/23skdu/longbow-phalanx/internal/simd"
)

type randomSample struct {
	base
	h             *Handle
	result, probs ops.TensorDesc
}

func (h *Handle) CreateRandomSample(result, probs ops.TensorDesc) (ops.RandomSample, error) {
	const op = "CreateRandomSample"
	if err := ops.Validate(op, map[string]ops.TensorDesc{"result": result, "probs": probs}); err != nil {
		return nil, err
	}
	if result.DType != runtime.U64 {
		return nil, runtime.Errorf(runtime.StatusBadDatatype, op, "result must be u64, got %s", result.DType)
	}
	if err := requireFloat(op, probs); err != nil {
		return nil, err
	}
	if result.NumElements() != 1 || probs.Ndim() != 1 || probs.Shape[0] == 0 {
		return nil, shapeErr(op, "result %v, probs %v", result.Shape, probs.Shape)
	}
	return &randomSample{h: h, result: result, probs: probs}, nil
}

func (d *randomSample) Run(ws, result, probs runtime.Ptr, random, topP float32, topK int, temperature float32, s runtime.Stream) error {
	const op = "RandomSample"
	if err := d.h.bind(op, s, result, probs); err != nil {
		return err
	}
	rb, err := resolve(op, result, 8)
	if err != nil {
		return err
	}
	pb, err := resolve(op, probs, d.probs.Span())
	if err != nil {
		return err
	}
	return runtime.Launch(s, timed("random_sample", func() error {
		idx := SampleIndex(gather(pb, d.probs), random, topP, topK, temperature)
		binary.LittleEndian.PutUint64(rb, uint64(idx))
		return nil
	}))
}

// SampleIndex picks a token from logits. Zero temperature or topK == 1 is
// arg-max. Otherwise candidates are ranked, weighted by
// exp((l - max) / temperature) and cut at both the topK-th candidate and
// the topP share of the total mass; random in [0, 1) selects within that
// prefix.
func SampleIndex(logits []float32, random, topP float32, topK int, temperature float32) int {
	n := len(logits)
	if temperature <= 0 || topK == 1 {
		return simd.Argmax(logits)
	}
	if topK <= 0 || topK > n {
		topK = n
	}
	if topP <= 0 || topP > 1 {
		topP = 1
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return logits[order[a]] > logits[order[b]] })

	max := logits[order[0]]
	cum := make([]float32, n)
	var sum float32
	for i, id := range order {
		sum += float32(math.Exp(float64((logits[id] - max) / temperature)))
		cum[i] = sum
	}

	limit := cum[topK-1]
	if pp := cum[n-1] * topP; pp < limit {
		limit = pp
	}
	limit *= random
	for i := 0; i < topK; i++ {
		if cum[i] >= limit {
			return order[i]
		}
	}
	return order[topK-1]
}
