// Package engine runs the tensor-parallel forward pass: one worker per
// device executes the layer stack, partial results are summed with the
// collective after every residual block, and rank 0 samples one token per
// request.
package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-phalanx/internal/kvcache"
	"github.com/23skdu/longbow-phalanx/internal/logger"
	"github.com/23skdu/longbow-phalanx/internal/metrics"
	"github.com/23skdu/longbow-phalanx/internal/model"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

var tracer = otel.Tracer("longbow-phalanx/engine")

// Batch is one inference call's input. Request r owns tokens
// [sum(ReqLens[:r]), sum(ReqLens[:r+1])) and continues its cache at
// position ReqPos[r].
type Batch struct {
	Tokens  []int
	ReqLens []int
	ReqPos  []int
	Caches  []*kvcache.Cache
}

func (b Batch) numRequests() int {
	return len(b.ReqLens)
}

type Engine struct {
	m   *model.Model
	log *logger.Logger

	// calls serialises Infer; the collective group carries one call at a
	// time.
	calls chan struct{}
}

func New(m *model.Model) *Engine {
	e := &Engine{
		m:     m,
		log:   logger.Log.With("component", "engine"),
		calls: make(chan struct{}, 1),
	}
	return e
}

func (e *Engine) Model() *model.Model {
	return e.m
}

// Infer runs one forward pass over b and writes each request's sampled
// token to ans[r]. A failure on any device fails the whole call; after a
// failure that aborted the collective the model must be rebuilt.
func (e *Engine) Infer(ctx context.Context, b Batch, cfg SamplerConfig, ans []int) error {
	return e.infer(ctx, b, cfg, NewSampler(cfg), ans)
}

func (e *Engine) infer(ctx context.Context, b Batch, cfg SamplerConfig, sampler *Sampler, ans []int) (err error) {
	ctx, span := tracer.Start(ctx, "engine.Infer")
	defer span.End()
	span.SetAttributes(
		attribute.Int("ntok", len(b.Tokens)),
		attribute.Int("nreq", b.numRequests()),
		attribute.Int("ndev", e.m.Ndev()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.RecordInferenceFailure(runtime.StatusOf(err).String())
		}
	}()

	if err := e.validate(b, cfg, ans); err != nil {
		return err
	}

	select {
	case e.calls <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.calls }()

	start := time.Now()
	call := &call{
		meta:    e.m.Meta,
		shard:   e.m.Shard(),
		batch:   b,
		cfg:     cfg,
		randoms: sampler.Draw(b.numRequests()),
		ans:     ans,
	}
	g, gctx := errgroup.WithContext(ctx)
	for rank, d := range e.m.Devices {
		g.Go(func() error {
			dctx, dspan := tracer.Start(gctx, "engine.device", trace.WithAttributes(
				attribute.String("device", d.Device.String()),
				attribute.Int("rank", rank),
			))
			defer dspan.End()

			t0 := time.Now()
			w := &worker{call: call, d: d, ctx: dctx}
			if err := w.run(); err != nil {
				dspan.RecordError(err)
				d.Log().Error("forward pass failed", "error", err)
				return err
			}
			metrics.RecordDeviceStep(d.Device.String(), time.Since(t0))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	metrics.RecordRequests(b.numRequests())
	metrics.RecordInference(len(b.Tokens), time.Since(start))
	for r, n := range b.ReqLens {
		metrics.RecordContextLength(b.ReqPos[r] + n)
	}
	e.log.Debug("infer done",
		"ntok", len(b.Tokens),
		"nreq", b.numRequests(),
		"duration", time.Since(start).String(),
	)
	return nil
}

func (e *Engine) validate(b Batch, cfg SamplerConfig, ans []int) error {
	fail := func(kind, format string, args ...interface{}) error {
		metrics.RecordValidationError("infer", kind)
		return runtime.Errorf(runtime.StatusInvalidArgument, "Infer", format, args...)
	}
	if err := cfg.validate(); err != nil {
		metrics.RecordValidationError("infer", "sampler")
		return err
	}
	meta := e.m.Meta
	nreq := b.numRequests()
	switch {
	case len(b.Tokens) == 0:
		return fail("empty", "no tokens")
	case nreq == 0:
		return fail("empty", "no requests")
	case len(b.ReqPos) != nreq || len(b.Caches) != nreq:
		return fail("shape", "%d request lengths, %d positions, %d caches", nreq, len(b.ReqPos), len(b.Caches))
	case len(ans) < nreq:
		return fail("shape", "answer buffer holds %d of %d requests", len(ans), nreq)
	}
	total := 0
	for r, n := range b.ReqLens {
		if n <= 0 {
			return fail("length", "request %d has length %d", r, n)
		}
		if b.ReqPos[r] < 0 || b.ReqPos[r]+n > meta.ContextLen {
			return fail("context", "request %d spans [%d, %d) beyond context %d", r, b.ReqPos[r], b.ReqPos[r]+n, meta.ContextLen)
		}
		c := b.Caches[r]
		if c == nil {
			return fail("cache", "request %d has no cache", r)
		}
		if err := c.Live(); err != nil {
			metrics.RecordValidationError("infer", "cache")
			return err
		}
		if len(c.K) != e.m.Ndev() || c.Capacity() != meta.ContextLen {
			return fail("cache", "request %d cache %s does not belong to this model", r, c.ID)
		}
		for q := 0; q < r; q++ {
			if b.Caches[q] == c {
				return fail("cache", "requests %d and %d share cache %s", q, r, c.ID)
			}
		}
		total += n
	}
	if total != len(b.Tokens) {
		return fail("length", "request lengths sum to %d, batch has %d tokens", total, len(b.Tokens))
	}
	for i, tok := range b.Tokens {
		if tok < 0 || tok >= meta.VocabSize {
			return fail("token", "token %d at %d outside vocabulary [0, %d)", tok, i, meta.VocabSize)
		}
	}
	return nil
}
