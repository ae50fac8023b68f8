package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-phalanx/internal/config"
	_ "github.com/23skdu/longbow-phalanx/internal/cpu"
	"github.com/23skdu/longbow-phalanx/internal/device"
	"github.com/23skdu/longbow-phalanx/internal/engine"
	"github.com/23skdu/longbow-phalanx/internal/flight"
	"github.com/23skdu/longbow-phalanx/internal/kvcache"
	"github.com/23skdu/longbow-phalanx/internal/logger"
	"github.com/23skdu/longbow-phalanx/internal/model"
	"github.com/23skdu/longbow-phalanx/internal/monitoring"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

var (
	deviceKind = flag.String("device", "cpu", "Device kind (cpu, cuda, ascend, sdaa)")
	numDevices = flag.Int("devices", 2, "Number of devices the model is split over")
	listKinds  = flag.Bool("list", false, "List the device kinds available in this build and exit")

	layers    = flag.Int("layers", 2, "Number of transformer layers")
	dim       = flag.Int("dim", 64, "Model dimension")
	heads     = flag.Int("heads", 4, "Attention heads")
	kvHeads   = flag.Int("kv-heads", 2, "Key/value heads")
	headDim   = flag.Int("head-dim", 0, "Attention head width; 0 uses dim/heads")
	hiddenDim = flag.Int("hidden", 128, "MLP hidden dimension")
	vocabSize = flag.Int("vocab", 96, "Vocabulary size")
	ctxLen    = flag.Int("ctx", 64, "Context length")
	matType   = flag.String("dtype", "f16", "Weight and cache element type (f16, f32)")
	wSeed     = flag.Uint64("weight-seed", 1, "Seed for the synthetic weights")

	promptFlag  = flag.String("prompt", "1,2,3,4", "Comma separated prompt token ids")
	numTokens   = flag.Int("n", 16, "Number of tokens to generate")
	forks       = flag.Int("forks", 0, "Extra continuations decoded from copies of the prompt cache")
	temperature = flag.Float64("temperature", 0, "Sampling temperature; 0 is greedy")
	topK        = flag.Int("top-k", 1, "Top-k cutoff; 0 disables")
	topP        = flag.Float64("top-p", 1, "Nucleus cutoff in (0, 1]")
	sampleSeed  = flag.Int64("seed", 0, "Sampling seed; 0 seeds from the clock")

	metricsAddr = flag.String("metrics", "", "Address to serve /metrics, /health and /status (empty disables)")
	grpcAddr    = flag.String("grpc-health", "", "Address of the gRPC health service, served alongside -metrics (empty disables)")
	traceStdout = flag.Bool("otel", false, "Export OpenTelemetry spans to stdout")
	dumpPath    = flag.String("dump", "", "Write the final KV cache to this file as Arrow IPC")
	flightAddr  = flag.String("flight", "", "Publish the final KV cache to this Arrow Flight server")
	showStats   = flag.Bool("stats", false, "Log per-layer KV cache statistics after decoding")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	if *listKinds {
		for _, k := range device.Available() {
			fmt.Println(k)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Log.Error("phalanx failed", "error", err, "status", runtime.StatusOf(err).String())
		os.Exit(1)
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("phalanx"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

func buildMeta() (config.Meta, error) {
	meta := config.Default()
	dt, err := runtime.ParseDType(*matType)
	if err != nil {
		return meta, err
	}
	meta.DTypeMat = dt
	meta.Layers = *layers
	meta.Dim = *dim
	meta.Heads = *heads
	meta.KVHeads = *kvHeads
	meta.HiddenDim = *hiddenDim
	meta.VocabSize = *vocabSize
	meta.ContextLen = *ctxLen
	meta.HeadDim = *headDim
	if meta.HeadDim == 0 && *heads > 0 {
		meta.HeadDim = *dim / *heads
	}
	return meta, meta.Validate()
}

func parsePrompt(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("prompt token %q: %w", f, err)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty prompt")
	}
	return out, nil
}

func run(ctx context.Context) error {
	if *traceStdout {
		shutdown, err := initTracer()
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Log.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	meta, err := buildMeta()
	if err != nil {
		return err
	}
	kind, err := runtime.ParseDeviceKind(*deviceKind)
	if err != nil {
		return err
	}
	prompt, err := parsePrompt(*promptFlag)
	if err != nil {
		return err
	}
	ids := make([]int, *numDevices)
	for i := range ids {
		ids[i] = i
	}

	hw, err := model.Synthetic(meta, *wSeed).Pack(meta, len(ids))
	if err != nil {
		return err
	}
	start := time.Now()
	m, err := model.Create(ctx, meta, hw, kind, ids)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Destroy(); err != nil {
			logger.Log.Warn("model destroy", "error", err)
		}
	}()
	logger.Log.Info("model ready", "devices", len(ids), "layers", meta.Layers, "dtype", meta.DTypeMat.String(), "took", time.Since(start).String())

	hm := monitoring.New()
	hm.Attach(m)
	defer hm.Detach()
	if *metricsAddr != "" {
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := hm.Serve(srvCtx, *metricsAddr, *grpcAddr); err != nil {
				logger.Log.Error("health server", "error", err)
			}
		}()
	}

	cfg := engine.SamplerConfig{
		Temperature: float32(*temperature),
		TopK:        *topK,
		TopP:        float32(*topP),
		Seed:        *sampleSeed,
	}
	e := engine.New(m)

	cache, err := kvcache.Create(m)
	if err != nil {
		return err
	}
	defer kvcache.Drop(m, cache)

	sampler := engine.NewSampler(cfg)
	step := func(c *kvcache.Cache, pos int, tokens []int, count int) ([]int, int, error) {
		t0 := time.Now()
		out, next, err := e.Decode(ctx, c, pos, tokens, count, sampler, nil)
		hm.RecordInference(len(out), time.Since(t0), err)
		return out, next, err
	}

	if *numTokens <= 0 {
		return nil
	}
	first, pos, err := step(cache, 0, prompt, 1)
	if err != nil {
		return err
	}
	logger.Log.Info("prefill", "prompt", len(prompt), "token", first[0])
	if pos >= meta.ContextLen {
		fmt.Printf("tokens: %v\n", first)
		return nil
	}

	for i := 0; i < *forks; i++ {
		fork, err := kvcache.Duplicate(m, cache, pos)
		if err != nil {
			return err
		}
		out, _, err := step(fork, pos, first, *numTokens-1)
		kvcache.Drop(m, fork)
		if err != nil {
			return err
		}
		fmt.Printf("fork %d: %v\n", i, append(append([]int(nil), first...), out...))
	}

	rest, pos, err := step(cache, pos, first, *numTokens-1)
	if err != nil {
		return err
	}
	result := append(first, rest...)
	fmt.Printf("tokens: %v\n", result)
	logger.Log.Info("generation complete", "tokens", len(result), "positions", pos)

	if *showStats {
		logStats(cache)
	}
	if *dumpPath != "" {
		if err := dump(cache, *dumpPath); err != nil {
			return err
		}
	}
	if *flightAddr != "" {
		if err := publish(ctx, cache, *flightAddr); err != nil {
			return err
		}
	}
	return nil
}

func publish(ctx context.Context, c *kvcache.Cache, addr string) error {
	client, err := flight.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.PutCache(ctx, c); err != nil {
		return err
	}
	logger.Log.Info("kv cache published", "addr", addr, "cache", c.ID.String())
	return nil
}

func logStats(c *kvcache.Cache) {
	for l := range c.K[0] {
		k, err := c.K[0][l].Stats(0)
		if err != nil {
			logger.Log.Warn("kv stats", "layer", l, "error", err)
			continue
		}
		v, err := c.V[0][l].Stats(0)
		if err != nil {
			logger.Log.Warn("kv stats", "layer", l, "error", err)
			continue
		}
		logger.Log.Info("kv stats", "layer", l, "k", k.String(), "v", v.String(), "healthy", k.Healthy() && v.Healthy())
	}
}

func dump(c *kvcache.Cache, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.Dump(f); err != nil {
		f.Close()
		return fmt.Errorf("dump kv cache: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Log.Info("kv cache written", "path", path, "cache", c.ID.String())
	return nil
}
