package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_tokens_total",
		Help: "The total number of tokens processed by forward passes",
	})

	InferenceRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_requests_total",
		Help: "The total number of requests sampled",
	})

	InferenceDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "inference_duration_seconds",
		Help: "Duration of batched forward passes",
	})

	InferenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inference_failures_total",
		Help: "Forward passes that returned an error, by status",
	}, []string{"status"})

	DeviceMemoryAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "device_memory_allocated_bytes",
		Help: "Current bytes allocated per device",
	}, []string{"device"})

	DeviceStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "device_step_duration_seconds",
		Help:    "Per-device forward pass duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"device"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	AllReduceTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "allreduce_total",
		Help: "Collective sum operations completed, counted per rank",
	})

	AllReduceBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "allreduce_bytes_total",
		Help: "Bytes reduced by collective sum operations, counted per rank",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{16, 64, 256, 1000, 2000, 4000, 8000, 16000, 32000},
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Bytes held by live KV caches",
	})

	KVCacheLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_live",
		Help: "Number of live KV caches",
	})

	ModelBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "model_build_duration_seconds",
		Help:    "Time to distribute weights and build device resources",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

func RecordInference(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	InferenceDuration.Observe(duration.Seconds())
}

// TotalTokens returns the number of tokens recorded since process start.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordRequests(n int) {
	InferenceRequestsTotal.Add(float64(n))
}

func RecordInferenceFailure(status string) {
	InferenceFailures.WithLabelValues(status).Inc()
}

func RecordDeviceMemory(device string, bytes int64) {
	DeviceMemoryAllocated.WithLabelValues(device).Set(float64(bytes))
}

func RecordDeviceStep(device string, duration time.Duration) {
	DeviceStepDuration.WithLabelValues(device).Observe(duration.Seconds())
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordAllReduce(bytes int) {
	AllReduceTotal.Inc()
	AllReduceBytes.Add(float64(bytes))
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

// RecordKVCacheStats records the live cache count and the bytes they hold
func RecordKVCacheStats(live, capacity int64) {
	KVCacheLive.Set(float64(live))
	KVCacheCapacityBytes.Set(float64(capacity))
}

func RecordModelBuild(duration time.Duration) {
	ModelBuildDuration.Observe(duration.Seconds())
}
