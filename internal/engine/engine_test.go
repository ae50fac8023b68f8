package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-phalanx/internal/config"
	"github.com/23skdu/longbow-phalanx/internal/cpu"
	"github.com/23skdu/longbow-phalanx/internal/kvcache"
	"github.com/23skdu/longbow-phalanx/internal/model"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
	"github.com/23skdu/longbow-phalanx/internal/tensor"
)

func testMeta() config.Meta {
	m := config.Tiny()
	m.DTypeMat = runtime.F32
	m.ContextLen = 16
	return m
}

func newEngine(t *testing.T, be *cpu.Backend, meta config.Meta, ids ...int) *Engine {
	t.Helper()
	hw, err := model.Synthetic(meta, 42).Pack(meta, len(ids))
	require.NoError(t, err)
	m, err := model.CreateOn(context.Background(), be, meta, hw, ids)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Destroy()) })
	return New(m)
}

func newCache(t *testing.T, e *Engine) *kvcache.Cache {
	t.Helper()
	c, err := kvcache.Create(e.Model())
	require.NoError(t, err)
	t.Cleanup(func() { kvcache.Drop(e.Model(), c) })
	return c
}

func single(tokens []int, pos int, c *kvcache.Cache) Batch {
	return Batch{
		Tokens:  tokens,
		ReqLens: []int{len(tokens)},
		ReqPos:  []int{pos},
		Caches:  []*kvcache.Cache{c},
	}
}

func infer1(t *testing.T, e *Engine, tokens []int, pos int, c *kvcache.Cache) int {
	t.Helper()
	ans := make([]int, 1)
	require.NoError(t, e.Infer(context.Background(), single(tokens, pos, c), Greedy, ans))
	return ans[0]
}

// cacheRows reads positions [0, n) of every kv head of one layer, heads
// concatenated in rank order.
func cacheRows(t *testing.T, c *kvcache.Cache, layer, n int) (k, v []float32) {
	t.Helper()
	for dev := range c.K {
		for i, x := range []*tensor.Tensor{c.K[dev][layer], c.V[dev][layer]} {
			view, err := x.Slice(tensor.Range{Dim: 1, Start: 0, Len: n})
			require.NoError(t, err)
			vals, err := view.ReadFloat32()
			require.NoError(t, err)
			if i == 0 {
				k = append(k, vals...)
			} else {
				v = append(v, vals...)
			}
		}
	}
	return k, v
}

func TestGreedyIsDeterministic(t *testing.T) {
	meta := testMeta()
	meta.Layers = 1
	e := newEngine(t, cpu.New(cpu.WithDeviceCount(1)), meta, 0)

	prompt := []int{3, 17, 42}
	first := infer1(t, e, prompt, 0, newCache(t, e))
	require.GreaterOrEqual(t, first, 0)
	require.Less(t, first, meta.VocabSize)
	for i := 0; i < 3; i++ {
		require.Equal(t, first, infer1(t, e, prompt, 0, newCache(t, e)))
	}

	// topk 1 is arg-max at any temperature
	ans := make([]int, 1)
	cfg := SamplerConfig{Temperature: 0.8, TopK: 1, TopP: 0.9, Seed: 9}
	require.NoError(t, e.Infer(context.Background(), single(prompt, 0, newCache(t, e)), cfg, ans))
	require.Equal(t, first, ans[0])
}

func TestTwoDevicesMatchSingleDevice(t *testing.T) {
	meta := testMeta()
	be := cpu.New(cpu.WithDeviceCount(3))
	one := newEngine(t, be, meta, 0)
	two := newEngine(t, be, meta, 1, 2)

	b := func(e *Engine) (Batch, []*kvcache.Cache) {
		c0, c1 := newCache(t, e), newCache(t, e)
		return Batch{
			Tokens:  []int{5, 9, 11, 2, 7},
			ReqLens: []int{3, 2},
			ReqPos:  []int{0, 0},
			Caches:  []*kvcache.Cache{c0, c1},
		}, []*kvcache.Cache{c0, c1}
	}
	b1, caches1 := b(one)
	b2, caches2 := b(two)
	ans1, ans2 := make([]int, 2), make([]int, 2)
	require.NoError(t, one.Infer(context.Background(), b1, Greedy, ans1))
	require.NoError(t, two.Infer(context.Background(), b2, Greedy, ans2))
	require.Equal(t, ans1, ans2)

	// the last layer's keys depend on every all-reduced block before it
	for r := range caches1 {
		for layer := 0; layer < meta.Layers; layer++ {
			k1, v1 := cacheRows(t, caches1[r], layer, b1.ReqLens[r])
			k2, v2 := cacheRows(t, caches2[r], layer, b2.ReqLens[r])
			require.InDeltaSlice(t, k1, k2, 1e-4, "request %d layer %d keys", r, layer)
			require.InDeltaSlice(t, v1, v2, 1e-4, "request %d layer %d values", r, layer)
		}
	}
}

func TestHeadWidthIndependentOfDim(t *testing.T) {
	meta := testMeta()
	meta.Dim = 48
	require.NotEqual(t, meta.Dim, meta.Heads*meta.HeadDim)
	be := cpu.New(cpu.WithDeviceCount(3))
	one := newEngine(t, be, meta, 0)
	two := newEngine(t, be, meta, 1, 2)

	tokens := []int{3, 14, 15, 9}
	c1, c2 := newCache(t, one), newCache(t, two)
	require.Equal(t, infer1(t, one, tokens, 0, c1), infer1(t, two, tokens, 0, c2))
	for layer := 0; layer < meta.Layers; layer++ {
		k1, v1 := cacheRows(t, c1, layer, len(tokens))
		k2, v2 := cacheRows(t, c2, layer, len(tokens))
		require.InDeltaSlice(t, k1, k2, 1e-4, "layer %d keys", layer)
		require.InDeltaSlice(t, v1, v2, 1e-4, "layer %d values", layer)
	}
}

func TestIncrementalDecodeMatchesPrefill(t *testing.T) {
	meta := testMeta()
	e := newEngine(t, cpu.New(cpu.WithDeviceCount(1)), meta, 0)
	prompt := []int{8, 1, 30, 64}

	full := newCache(t, e)
	want := infer1(t, e, prompt, 0, full)

	inc := newCache(t, e)
	infer1(t, e, prompt[:3], 0, inc)
	var before [][]float32
	for layer := 0; layer < meta.Layers; layer++ {
		k, v := cacheRows(t, inc, layer, 3)
		before = append(before, k, v)
	}

	got := infer1(t, e, prompt[3:], 3, inc)
	require.Equal(t, want, got)

	for layer := 0; layer < meta.Layers; layer++ {
		k, v := cacheRows(t, inc, layer, 3)
		require.Equal(t, before[2*layer], k, "layer %d keys rewritten", layer)
		require.Equal(t, before[2*layer+1], v, "layer %d values rewritten", layer)

		kf, vf := cacheRows(t, full, layer, 4)
		ki, vi := cacheRows(t, inc, layer, 4)
		require.InDeltaSlice(t, kf, ki, 1e-4)
		require.InDeltaSlice(t, vf, vi, 1e-4)
	}
}

func TestEachRequestGetsItsOwnToken(t *testing.T) {
	meta := testMeta()
	e := newEngine(t, cpu.New(cpu.WithDeviceCount(1)), meta, 0)

	promptA := []int{4, 4, 4}
	soloA := infer1(t, e, promptA, 0, newCache(t, e))
	var promptB []int
	soloB := soloA
	for tok := 0; tok+1 < meta.VocabSize; tok++ {
		promptB = []int{tok, tok + 1}
		if soloB = infer1(t, e, promptB, 0, newCache(t, e)); soloB != soloA {
			break
		}
	}
	require.NotEqual(t, soloA, soloB, "no prompt with a different answer")

	ans := []int{-1, -1, -1}
	b := Batch{
		Tokens:  append(append([]int(nil), promptA...), promptB...),
		ReqLens: []int{len(promptA), len(promptB)},
		ReqPos:  []int{0, 0},
		Caches:  []*kvcache.Cache{newCache(t, e), newCache(t, e)},
	}
	require.NoError(t, e.Infer(context.Background(), b, Greedy, ans))
	require.Equal(t, []int{soloA, soloB, -1}, ans)
}

func TestGenerate(t *testing.T) {
	meta := testMeta()
	be := cpu.New(cpu.WithDeviceCount(3))
	one := newEngine(t, be, meta, 0)
	two := newEngine(t, be, meta, 1, 2)

	prompt := []int{1, 2, 3}
	var streamed []int
	got, err := one.GenerateWithCallback(context.Background(), prompt, 5, Greedy, func(tok int) {
		streamed = append(streamed, tok)
	})
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, got, streamed)

	again, err := two.Generate(context.Background(), prompt, 5, Greedy)
	require.NoError(t, err)
	require.Equal(t, got, again)

	// a thirteen token prompt leaves room for three decode steps
	short, err := one.Generate(context.Background(), []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}, 10, Greedy)
	require.NoError(t, err)
	require.Len(t, short, 4)

	_, err = one.Generate(context.Background(), nil, 1, Greedy)
	require.ErrorIs(t, err, runtime.ErrInvalidArgument)
}

func TestDecodeFromDuplicatedCache(t *testing.T) {
	meta := testMeta()
	be := cpu.New(cpu.WithDeviceCount(2))
	e := newEngine(t, be, meta, 0, 1)
	ctx := context.Background()
	prompt := []int{5, 9, 14, 2}

	want, err := e.Generate(ctx, prompt, 4, Greedy)
	require.NoError(t, err)

	c := newCache(t, e)
	first, pos, err := e.Decode(ctx, c, 0, prompt, 1, NewSampler(Greedy), nil)
	require.NoError(t, err)
	require.Equal(t, want[:1], first)
	require.Equal(t, len(prompt), pos)

	fork, err := kvcache.Duplicate(e.Model(), c, pos)
	require.NoError(t, err)
	defer kvcache.Drop(e.Model(), fork)

	rest, next, err := e.Decode(ctx, c, pos, first, 3, NewSampler(Greedy), nil)
	require.NoError(t, err)
	require.Equal(t, want[1:], rest)
	require.Equal(t, pos+3, next)

	forked, _, err := e.Decode(ctx, fork, pos, first, 3, NewSampler(Greedy), nil)
	require.NoError(t, err)
	require.Equal(t, rest, forked)

	_, _, err = e.Decode(ctx, c, next, nil, 1, NewSampler(Greedy), nil)
	require.ErrorIs(t, err, runtime.ErrInvalidArgument)
}

func TestSeededSamplingIsReproducible(t *testing.T) {
	meta := testMeta()
	e := newEngine(t, cpu.New(cpu.WithDeviceCount(1)), meta, 0)
	cfg := SamplerConfig{Temperature: 1.5, TopK: 0, TopP: 1, Seed: 1234}

	a, err := e.Generate(context.Background(), []int{7}, 6, cfg)
	require.NoError(t, err)
	b, err := e.Generate(context.Background(), []int{7}, 6, cfg)
	require.NoError(t, err)
	require.Equal(t, a, b)
	for _, tok := range a {
		require.GreaterOrEqual(t, tok, 0)
		require.Less(t, tok, meta.VocabSize)
	}
}

func TestInferValidation(t *testing.T) {
	meta := testMeta()
	be := cpu.New(cpu.WithDeviceCount(3))
	e := newEngine(t, be, meta, 0)
	other := newEngine(t, be, meta, 1, 2)
	c := newCache(t, e)
	foreign := newCache(t, other)

	dropped, err := kvcache.Create(e.Model())
	require.NoError(t, err)
	require.NoError(t, kvcache.Drop(e.Model(), dropped))

	tests := []struct {
		name  string
		batch Batch
		cfg   SamplerConfig
		ans   int
	}{
		{"no tokens", Batch{ReqLens: []int{}, ReqPos: []int{}}, Greedy, 1},
		{"length sum", Batch{Tokens: []int{1, 2}, ReqLens: []int{3}, ReqPos: []int{0}, Caches: []*kvcache.Cache{c}}, Greedy, 1},
		{"zero length", Batch{Tokens: []int{1}, ReqLens: []int{1, 0}, ReqPos: []int{0, 0}, Caches: []*kvcache.Cache{c, foreign}}, Greedy, 2},
		{"past context", single([]int{1, 2}, 15, c), Greedy, 1},
		{"negative position", single([]int{1}, -1, c), Greedy, 1},
		{"token outside vocab", single([]int{meta.VocabSize}, 0, c), Greedy, 1},
		{"answer buffer", single([]int{1}, 0, c), Greedy, 0},
		{"missing cache", single([]int{1}, 0, nil), Greedy, 1},
		{"dropped cache", single([]int{1}, 0, dropped), Greedy, 1},
		{"foreign cache", single([]int{1}, 0, foreign), Greedy, 1},
		{"shared cache", Batch{Tokens: []int{1, 2}, ReqLens: []int{1, 1}, ReqPos: []int{0, 0}, Caches: []*kvcache.Cache{c, c}}, Greedy, 2},
		{"mismatched lists", Batch{Tokens: []int{1}, ReqLens: []int{1}, ReqPos: []int{0, 0}, Caches: []*kvcache.Cache{c}}, Greedy, 1},
		{"negative temperature", single([]int{1}, 0, c), SamplerConfig{Temperature: -1}, 1},
		{"topp above one", single([]int{1}, 0, c), SamplerConfig{TopP: 1.5}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Infer(context.Background(), tt.batch, tt.cfg, make([]int, tt.ans))
			require.ErrorIs(t, err, runtime.ErrInvalidArgument)
		})
	}

	// a rejected call leaves the engine usable
	require.Equal(t, infer1(t, e, []int{1}, 0, newCache(t, e)), infer1(t, e, []int{1}, 0, c))
}

func TestSamplerDraws(t *testing.T) {
	a, b := NewSampler(SamplerConfig{Seed: 5}), NewSampler(SamplerConfig{Seed: 5})
	da, db := a.Draw(4), b.Draw(4)
	require.Equal(t, da, db)
	for _, v := range da {
		require.GreaterOrEqual(t, v, float32(0))
		require.Less(t, v, float32(1))
	}
	require.NotZero(t, NewSampler(SamplerConfig{}).Config.Seed)
}

func TestInferEmitsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	meta := testMeta()
	e := newEngine(t, cpu.New(cpu.WithDeviceCount(2)), meta, 0, 1)
	c := newCache(t, e)
	infer1(t, e, []int{3, 4}, 0, c)

	var infer, device int
	for _, s := range sr.Ended() {
		switch s.Name() {
		case "engine.Infer":
			infer++
		case "engine.device":
			device++
			require.Equal(t, "engine.Infer", spanName(sr, s.Parent().SpanID()))
		}
	}
	require.Equal(t, 1, infer)
	require.Equal(t, 2, device)
}

func spanName(sr *tracetest.SpanRecorder, id trace.SpanID) string {
	for _, s := range sr.Ended() {
		if s.SpanContext().SpanID() == id {
			return s.Name()
		}
	}
	return ""
}
