package engine

import (
	"math/rand"
	"sync"
	"time"

	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

type SamplerConfig struct {
	Temperature float32 // 0 = arg-max
	TopK        int     // 0 = whole vocabulary, 1 = arg-max
	TopP        float32 // 0 or 1 = no nucleus cut
	Seed        int64
}

// Greedy is deterministic arg-max sampling.
var Greedy = SamplerConfig{Temperature: 0, TopK: 1, TopP: 1}

func (c SamplerConfig) validate() error {
	if c.Temperature < 0 {
		return runtime.Errorf(runtime.StatusInvalidArgument, "Infer", "temperature %v is negative", c.Temperature)
	}
	if c.TopK < 0 {
		return runtime.Errorf(runtime.StatusInvalidArgument, "Infer", "topk %d is negative", c.TopK)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return runtime.Errorf(runtime.StatusInvalidArgument, "Infer", "topp %v outside [0, 1]", c.TopP)
	}
	return nil
}

// Sampler supplies the uniform draws the sampling operator consumes, one
// per request per step.
type Sampler struct {
	Config SamplerConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Draw returns n values in [0, 1).
func (s *Sampler) Draw(n int) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float32, n)
	for i := range out {
		out[i] = s.rng.Float32()
	}
	return out
}
