package tensor

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

// Storage owns one device allocation. Tensors created from it share it;
// the memory is returned to the backend when the last owner releases it.
type Storage struct {
	be   runtime.Backend
	mem  runtime.Memory
	dev  runtime.Device
	size int

	refs     atomic.Int32
	released atomic.Bool

	mu     sync.Mutex
	marker runtime.Event
}

func newStorage(be runtime.Backend, mem runtime.Memory, dev runtime.Device, size int) *Storage {
	s := &Storage{be: be, mem: mem, dev: dev, size: size}
	s.refs.Store(1)
	return s
}

// allocate creates a Storage of size bytes. With a stream the allocation is
// stream-ordered and a completion marker is recorded on it.
func allocate(be runtime.Backend, size int, dev runtime.Device, stream runtime.Stream) (*Storage, error) {
	if be.Kind() != dev.Kind {
		return nil, runtime.Errorf(runtime.StatusDeviceMismatch, "allocate", "%s backend asked for %s memory", be.Kind(), dev)
	}
	if stream == nil {
		mem, err := be.Malloc(dev.ID, size)
		if err != nil {
			return nil, err
		}
		return newStorage(be, mem, dev, size), nil
	}

	mem, err := be.MallocAsync(dev.ID, size, stream)
	if err != nil {
		return nil, err
	}
	s := newStorage(be, mem, dev, size)
	if err := s.record(stream); err != nil {
		be.Free(mem)
		return nil, err
	}
	return s, nil
}

// record replaces the completion marker with one recorded on stream now.
func (s *Storage) record(stream runtime.Stream) error {
	ev, err := s.be.CreateEvent(s.dev.ID)
	if err != nil {
		return err
	}
	if err := ev.Record(stream); err != nil {
		ev.Destroy()
		return err
	}
	s.setMarker(ev)
	return nil
}

func (s *Storage) Device() runtime.Device { return s.dev }
func (s *Storage) Size() int              { return s.size }
func (s *Storage) Memory() runtime.Memory { return s.mem }

// await resolves the pending completion marker. With a nil stream the host
// blocks; otherwise the stream is made to wait on it.
func (s *Storage) await(stream runtime.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marker == nil {
		return nil
	}
	if stream != nil {
		return stream.WaitEvent(s.marker)
	}
	if err := s.marker.Synchronize(); err != nil {
		return err
	}
	err := s.marker.Destroy()
	s.marker = nil
	return err
}

// setMarker replaces the pending completion marker.
func (s *Storage) setMarker(ev runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marker != nil {
		s.marker.Destroy()
	}
	s.marker = ev
}

// Pending reports whether a recorded marker has not yet completed.
func (s *Storage) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marker != nil && s.marker.Query() != nil
}

func (s *Storage) retain() {
	s.refs.Add(1)
}

// release drops one owner. The last owner waits for the marker and frees
// the memory.
func (s *Storage) release() error {
	if s.refs.Add(-1) > 0 {
		return nil
	}
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.await(nil); err != nil {
		return err
	}
	return s.be.Free(s.mem)
}

func (s *Storage) live() error {
	if s.released.Load() {
		return runtime.NewError(runtime.StatusIllegalMemoryAccess, "Tensor", "storage already released", nil)
	}
	return nil
}
