package engine

import (
	"context"

	"github.com/23skdu/longbow-phalanx/internal/kvcache"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

// Generate prefills prompt into a fresh cache and decodes up to count
// tokens, one per step.
func (e *Engine) Generate(ctx context.Context, prompt []int, count int, cfg SamplerConfig) ([]int, error) {
	return e.GenerateWithCallback(ctx, prompt, count, cfg, nil)
}

// GenerateWithCallback is Generate, invoking cb with each token as soon as
// it is sampled. Generation stops early when the context is full or ctx is
// done.
func (e *Engine) GenerateWithCallback(ctx context.Context, prompt []int, count int, cfg SamplerConfig, cb func(int)) ([]int, error) {
	if len(prompt) == 0 {
		return nil, runtime.NewError(runtime.StatusInvalidArgument, "Generate", "empty prompt", nil)
	}
	if count <= 0 {
		return nil, nil
	}
	cache, err := kvcache.Create(e.m)
	if err != nil {
		return nil, err
	}
	defer kvcache.Drop(e.m, cache)

	out, _, err := e.Decode(ctx, cache, 0, prompt, count, NewSampler(cfg), cb)
	return out, err
}

// Decode appends tokens to cache at pos in one prefill step, then feeds
// each sampled token back until count tokens were produced or the context
// is full. It returns the sampled tokens and the next free cache position.
func (e *Engine) Decode(ctx context.Context, cache *kvcache.Cache, pos int, tokens []int, count int, s *Sampler, cb func(int)) ([]int, int, error) {
	if len(tokens) == 0 {
		return nil, pos, runtime.NewError(runtime.StatusInvalidArgument, "Decode", "no input tokens", nil)
	}
	result := make([]int, 0, count)
	ans := make([]int, 1)
	batch := Batch{
		Tokens:  tokens,
		ReqLens: []int{len(tokens)},
		ReqPos:  []int{pos},
		Caches:  []*kvcache.Cache{cache},
	}
	for len(result) < count {
		if err := ctx.Err(); err != nil {
			return result, pos, err
		}
		if err := e.infer(ctx, batch, s.Config, s, ans); err != nil {
			return result, pos, err
		}
		pos += len(batch.Tokens)
		result = append(result, ans[0])
		if cb != nil {
			cb(ans[0])
		}
		if pos >= e.m.Meta.ContextLen {
			e.log.Debug("context full", "cache", cache.ID.String(), "tokens", pos)
			break
		}
		batch.Tokens = []int{ans[0]}
		batch.ReqLens = []int{1}
		batch.ReqPos = []int{pos}
	}
	return result, pos, nil
}
