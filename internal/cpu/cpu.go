// Package cpu is the host implementation of the device runtime, the
// collective layer and the compute operators. Each logical device owns its
// own accounting and streams; device ordinals are virtual.
package cpu

import (
	"sync"

	"github.com/23skdu/longbow-phalanx/internal/ccl"
	"github.com/23skdu/longbow-phalanx/internal/ops"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

// DefaultDeviceCount is the number of logical devices a default backend
// exposes.
const DefaultDeviceCount = 16

func init() {
	runtime.Register(runtime.CPU, func() (runtime.Backend, error) {
		return New(), nil
	})
	ccl.Register(runtime.CPU, func() ccl.Backend { return Collectives{} })
	ops.Register(runtime.CPU, func(id int) (ops.Handle, error) {
		return NewHandle(id)
	})
}

// Option configures a Backend.
type Option func(*Backend)

// WithDeviceCount sets the number of logical devices.
func WithDeviceCount(n int) Option {
	return func(b *Backend) { b.count = n }
}

// WithMemoryLimit caps the bytes each device may hold; zero means no cap.
func WithMemoryLimit(bytes int64) Option {
	return func(b *Backend) { b.limit = bytes }
}

// Backend implements runtime.Backend on host memory.
type Backend struct {
	count   int
	limit   int64
	devices []*deviceState

	mu      sync.Mutex
	streams map[int][]*Stream
}

func New(opts ...Option) *Backend {
	b := &Backend{count: DefaultDeviceCount}
	for _, o := range opts {
		o(b)
	}
	b.devices = make([]*deviceState, b.count)
	for i := range b.devices {
		b.devices[i] = &deviceState{}
	}
	b.streams = make(map[int][]*Stream)
	return b
}

func (b *Backend) Kind() runtime.DeviceKind {
	return runtime.CPU
}

func (b *Backend) DeviceCount() (int, error) {
	return b.count, nil
}

func (b *Backend) checkDevice(op string, dev int) error {
	if dev < 0 || dev >= b.count {
		return runtime.Errorf(runtime.StatusBadDevice, op, "cpu:%d (have %d devices)", dev, b.count)
	}
	return nil
}

func (b *Backend) CreateStream(dev int) (runtime.Stream, error) {
	if err := b.checkDevice("CreateStream", dev); err != nil {
		return nil, err
	}
	s := newStream(runtime.Device{Kind: runtime.CPU, ID: dev})
	b.mu.Lock()
	b.streams[dev] = append(b.streams[dev], s)
	b.mu.Unlock()
	return s, nil
}

func (b *Backend) CreateEvent(dev int) (runtime.Event, error) {
	if err := b.checkDevice("CreateEvent", dev); err != nil {
		return nil, err
	}
	return &Event{dev: runtime.Device{Kind: runtime.CPU, ID: dev}}, nil
}

// DeviceSynchronize waits for every live stream on dev.
func (b *Backend) DeviceSynchronize(dev int) error {
	if err := b.checkDevice("DeviceSynchronize", dev); err != nil {
		return err
	}
	b.mu.Lock()
	live := b.streams[dev][:0]
	for _, s := range b.streams[dev] {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if !closed {
			live = append(live, s)
		}
	}
	b.streams[dev] = live
	streams := append([]*Stream(nil), live...)
	b.mu.Unlock()

	var first error
	for _, s := range streams {
		if err := s.drain(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
