package cpu

import (
	"sync/atomic"

	"github.com/23skdu/longbow-phalanx/internal/metrics"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

// memory is a host allocation standing in for device memory.
type memory struct {
	dev   runtime.Device
	buf   []byte
	freed atomic.Bool
}

func (m *memory) Device() runtime.Device { return m.dev }
func (m *memory) Size() int              { return len(m.buf) }
func (m *memory) Bytes() []byte          { return m.buf }

// deviceState tracks per-device allocation accounting.
type deviceState struct {
	allocated atomic.Int64
}

func (b *Backend) traceAlloc(dev int, delta int64) int64 {
	st := b.devices[dev]
	newVal := st.allocated.Add(delta)
	metrics.RecordDeviceMemory(runtime.Device{Kind: runtime.CPU, ID: dev}.String(), newVal)
	return newVal
}

// AllocatedBytes returns the bytes currently allocated on dev.
func (b *Backend) AllocatedBytes(dev int) int64 {
	if dev < 0 || dev >= len(b.devices) {
		return 0
	}
	return b.devices[dev].allocated.Load()
}

func (b *Backend) alloc(op string, dev int, size int) (*memory, error) {
	if err := b.checkDevice(op, dev); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, runtime.Errorf(runtime.StatusInvalidArgument, op, "negative size %d", size)
	}
	if b.limit > 0 && b.AllocatedBytes(dev)+int64(size) > b.limit {
		return nil, runtime.Errorf(runtime.StatusAllocationFailed, op, "%d bytes on cpu:%d exceeds limit of %d", size, dev, b.limit)
	}
	m := &memory{dev: runtime.Device{Kind: runtime.CPU, ID: dev}, buf: make([]byte, size)}
	b.traceAlloc(dev, int64(size))
	return m, nil
}

func (b *Backend) Malloc(dev int, size int) (runtime.Memory, error) {
	return b.alloc("Malloc", dev, size)
}

// MallocAsync allocates immediately; host memory is usable by any later task
// on s.
func (b *Backend) MallocAsync(dev int, size int, s runtime.Stream) (runtime.Memory, error) {
	if s != nil && s.Device() != (runtime.Device{Kind: runtime.CPU, ID: dev}) {
		return nil, runtime.Errorf(runtime.StatusDeviceMismatch, "MallocAsync", "stream on %s, allocating on cpu:%d", s.Device(), dev)
	}
	return b.alloc("MallocAsync", dev, size)
}

func (b *Backend) Free(m runtime.Memory) error {
	mem, ok := m.(*memory)
	if !ok || mem == nil {
		return runtime.NewError(runtime.StatusInvalidArgument, "Free", "not a cpu allocation", nil)
	}
	if mem.freed.Swap(true) {
		return runtime.NewError(runtime.StatusInvalidArgument, "Free", "double free", nil)
	}
	b.traceAlloc(mem.dev.ID, -int64(len(mem.buf)))
	return nil
}

func resolve(op string, p runtime.Ptr, n int) ([]byte, error) {
	mem, ok := p.Mem.(*memory)
	if !ok || mem == nil {
		return nil, runtime.Errorf(runtime.StatusIllegalMemoryAccess, op, "not a cpu allocation")
	}
	if mem.freed.Load() {
		return nil, runtime.Errorf(runtime.StatusIllegalMemoryAccess, op, "use after free on %s", mem.dev)
	}
	return runtime.HostBytes(p, n)
}

func (b *Backend) MemcpyH2D(dst runtime.Ptr, src []byte) error {
	d, err := resolve("MemcpyH2D", dst, len(src))
	if err != nil {
		return err
	}
	copy(d, src)
	return nil
}

// MemcpyH2DAsync snapshots src before returning, so the caller may reuse it.
func (b *Backend) MemcpyH2DAsync(dst runtime.Ptr, src []byte, s runtime.Stream) error {
	if err := runtime.CheckDevice("MemcpyH2DAsync", streamDevice(s, dst), dst); err != nil {
		return err
	}
	d, err := resolve("MemcpyH2DAsync", dst, len(src))
	if err != nil {
		return err
	}
	staged := append([]byte(nil), src...)
	return runtime.Launch(s, func() error {
		copy(d, staged)
		return nil
	})
}

func (b *Backend) MemcpyD2H(dst []byte, src runtime.Ptr) error {
	s, err := resolve("MemcpyD2H", src, len(dst))
	if err != nil {
		return err
	}
	copy(dst, s)
	return nil
}

func (b *Backend) MemcpyAsync(dst, src runtime.Ptr, n int, s runtime.Stream) error {
	const op = "MemcpyAsync"
	if err := runtime.CheckDevice(op, streamDevice(s, dst), dst, src); err != nil {
		return err
	}
	d, err := resolve(op, dst, n)
	if err != nil {
		return err
	}
	sb, err := resolve(op, src, n)
	if err != nil {
		return err
	}
	return runtime.Launch(s, func() error {
		copy(d, sb)
		return nil
	})
}

func streamDevice(s runtime.Stream, fallback runtime.Ptr) runtime.Device {
	if s != nil {
		return s.Device()
	}
	return fallback.Device()
}
