package cpu

import (
	"encoding/binary"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/23skdu/longbow-phalanx/internal/metrics"
	"github.com/23skdu/longbow-phalanx/internal/ops"
)

func loadU64(b []byte, i int) uint64 {
	return binary.LittleEndian.Uint64(b[8*i:])
}

// gather decodes the tensor described by d into a row-major float32 slice.
func gather(b []byte, d ops.TensorDesc) []float32 {
	out := make([]float32, d.NumElements())
	d.ForEach(func(lin, off int) {
		out[lin] = d.DType.Load(b, off)
	})
	return out
}

// scatter writes row-major vals into the layout described by d.
func scatter(b []byte, d ops.TensorDesc, vals []float32) {
	d.ForEach(func(lin, off int) {
		d.DType.Store(b, off, vals[lin])
	})
}

// parallelRows splits [0, n) into one chunk per CPU.
func parallelRows(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	parallelism := goruntime.NumCPU()
	chunkSize := (n + parallelism - 1) / parallelism
	if chunkSize == n {
		fn(0, n)
		return
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i += chunkSize {
		end := i + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

// timed wraps a kernel so its wall time lands in the kernel histogram.
func timed(name string, fn func() error) func() error {
	return func() error {
		start := time.Now()
		err := fn()
		metrics.RecordKernelDuration(name, time.Since(start))
		return err
	}
}
