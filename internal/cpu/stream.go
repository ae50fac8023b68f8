package cpu

import (
	"sync"

	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

const streamQueueDepth = 256

type task struct {
	fn func() error
	// always runs even after the stream has failed; used for fences and
	// event records so waiters are never stranded.
	always bool
}

// Stream executes submitted tasks in order on a dedicated goroutine.
type Stream struct {
	dev   runtime.Device
	tasks chan task

	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

func newStream(dev runtime.Device) *Stream {
	s := &Stream{
		dev:   dev,
		tasks: make(chan task, streamQueueDepth),
	}
	go s.worker()
	return s
}

func (s *Stream) worker() {
	for t := range s.tasks {
		if !t.always && s.failed() != nil {
			continue
		}
		if err := t.fn(); err != nil {
			s.fail(err)
		}
	}
}

func (s *Stream) failed() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) Device() runtime.Device {
	return s.dev
}

func (s *Stream) enqueue(t task) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return runtime.NewError(runtime.StatusInvalidArgument, "Submit", "stream destroyed", nil)
	}
	s.tasks <- t
	return nil
}

func (s *Stream) Submit(fn func() error) error {
	return s.enqueue(task{fn: fn})
}

// Synchronize blocks until all previously submitted work has run and
// returns the first error the stream hit.
func (s *Stream) Synchronize() error {
	done := make(chan struct{})
	if err := s.enqueue(task{fn: func() error { close(done); return nil }, always: true}); err != nil {
		return err
	}
	<-done
	return s.failed()
}

// drain is Synchronize for streams that may be destroyed concurrently.
func (s *Stream) drain() error {
	done := make(chan struct{})
	if err := s.enqueue(task{fn: func() error { close(done); return nil }, always: true}); err != nil {
		return nil
	}
	<-done
	return s.failed()
}

func (s *Stream) WaitEvent(e runtime.Event) error {
	ev, ok := e.(*Event)
	if !ok || ev == nil {
		return runtime.NewError(runtime.StatusInvalidArgument, "WaitEvent", "not a cpu event", nil)
	}
	if ev.dev != s.dev {
		return runtime.Errorf(runtime.StatusDeviceMismatch, "WaitEvent", "event on %s, stream on %s", ev.dev, s.dev)
	}
	ch := ev.current()
	if ch == nil {
		return nil
	}
	return s.Submit(func() error {
		<-ch
		return nil
	})
}

// Destroy drains outstanding work and stops the worker.
func (s *Stream) Destroy() error {
	err := s.Synchronize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.tasks)
	return err
}

// Event is a completion marker. Each Record starts a new generation; Query
// and Synchronize observe the most recent one.
type Event struct {
	dev runtime.Device

	mu   sync.Mutex
	done chan struct{}
}

func (e *Event) Device() runtime.Device {
	return e.dev
}

func (e *Event) current() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *Event) Record(s runtime.Stream) error {
	st, ok := s.(*Stream)
	if !ok || st == nil {
		return runtime.NewError(runtime.StatusInvalidArgument, "EventRecord", "not a cpu stream", nil)
	}
	if st.dev != e.dev {
		return runtime.Errorf(runtime.StatusDeviceMismatch, "EventRecord", "event on %s, stream on %s", e.dev, st.dev)
	}
	ch := make(chan struct{})
	e.mu.Lock()
	e.done = ch
	e.mu.Unlock()
	if err := st.enqueue(task{fn: func() error { close(ch); return nil }, always: true}); err != nil {
		close(ch)
		return err
	}
	return nil
}

func (e *Event) Query() error {
	ch := e.current()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	default:
		return runtime.ErrNotReady
	}
}

func (e *Event) Synchronize() error {
	if ch := e.current(); ch != nil {
		<-ch
	}
	return nil
}

func (e *Event) Destroy() error {
	return nil
}
