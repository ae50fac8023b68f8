package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordInferenceAccumulates(t *testing.T) {
	before := testutil.ToFloat64(InferenceTokensTotal)
	tokensBefore := TotalTokens()

	RecordInference(5, 50*time.Millisecond)
	RecordInference(10, 100*time.Millisecond)

	if got := testutil.ToFloat64(InferenceTokensTotal) - before; got != 15 {
		t.Errorf("inference_tokens_total grew by %v, want 15", got)
	}
	if got := TotalTokens() - tokensBefore; got != 15 {
		t.Errorf("TotalTokens grew by %d, want 15", got)
	}
}

func TestRecordDeviceMemory(t *testing.T) {
	RecordDeviceMemory("cpu:0", 1024*1024)
	RecordDeviceMemory("cpu:0", 512)
	RecordDeviceMemory("cpu:1", 64)

	if got := testutil.ToFloat64(DeviceMemoryAllocated.WithLabelValues("cpu:0")); got != 512 {
		t.Errorf("cpu:0 gauge = %v, want 512", got)
	}
	if got := testutil.ToFloat64(DeviceMemoryAllocated.WithLabelValues("cpu:1")); got != 64 {
		t.Errorf("cpu:1 gauge = %v, want 64", got)
	}
}

func TestRecordAllReduce(t *testing.T) {
	count := testutil.ToFloat64(AllReduceTotal)
	bytes := testutil.ToFloat64(AllReduceBytes)

	RecordAllReduce(4096)

	if got := testutil.ToFloat64(AllReduceTotal) - count; got != 1 {
		t.Errorf("allreduce_total grew by %v, want 1", got)
	}
	if got := testutil.ToFloat64(AllReduceBytes) - bytes; got != 4096 {
		t.Errorf("allreduce_bytes_total grew by %v, want 4096", got)
	}
}

func TestRecordKVCacheStats(t *testing.T) {
	RecordKVCacheStats(3, 3<<20)
	if got := testutil.ToFloat64(KVCacheLive); got != 3 {
		t.Errorf("kv_cache_live = %v, want 3", got)
	}
	if got := testutil.ToFloat64(KVCacheCapacityBytes); got != 3<<20 {
		t.Errorf("kv_cache_capacity_bytes = %v, want %d", got, 3<<20)
	}
}

func TestRecordValidationError(t *testing.T) {
	before := testutil.ToFloat64(ValidationErrors.WithLabelValues("infer", "bad_batch"))
	RecordValidationError("infer", "bad_batch")
	RecordValidationError("infer", "bad_batch")
	if got := testutil.ToFloat64(ValidationErrors.WithLabelValues("infer", "bad_batch")) - before; got != 2 {
		t.Errorf("validation errors grew by %v, want 2", got)
	}
}

func TestHistogramsDoNotPanic(t *testing.T) {
	RecordKernelDuration("matmul", 5*time.Millisecond)
	RecordDeviceStep("cpu:0", 20*time.Millisecond)
	RecordContextLength(512)
	RecordModelBuild(time.Second)
	RecordRequests(4)
	RecordInferenceFailure("invalid argument")
}
