// Package runtime defines the device runtime consumed by the tensor engine:
// memory, streams, events and the per-kind backends that provide them.
package runtime

// Memory is a device allocation.
type Memory interface {
	Device() Device
	Size() int
}

// HostMemory is implemented by allocations the host can address directly.
type HostMemory interface {
	Memory
	Bytes() []byte
}

// Ptr addresses a byte offset inside an allocation.
type Ptr struct {
	Mem Memory
	Off int
}

// Add returns p advanced by n bytes.
func (p Ptr) Add(n int) Ptr {
	return Ptr{Mem: p.Mem, Off: p.Off + n}
}

// IsNil reports whether p points nowhere.
func (p Ptr) IsNil() bool {
	return p.Mem == nil
}

// Device returns the device owning the allocation.
func (p Ptr) Device() Device {
	if p.Mem == nil {
		return Device{Kind: -1, ID: -1}
	}
	return p.Mem.Device()
}

// Stream is an ordered queue of device work.
type Stream interface {
	Device() Device
	// Submit enqueues a task. A stream that has failed skips subsequent
	// tasks and reports the first error from Synchronize.
	Submit(task func() error) error
	Synchronize() error
	// WaitEvent makes all later work on the stream wait for e.
	WaitEvent(e Event) error
	Destroy() error
}

// Event is a completion marker recorded on a stream.
type Event interface {
	Device() Device
	Record(s Stream) error
	// Query returns nil once the recorded work has completed and
	// ErrNotReady before that.
	Query() error
	Synchronize() error
	Destroy() error
}

// Backend is the per-kind device runtime.
type Backend interface {
	Kind() DeviceKind
	DeviceCount() (int, error)

	CreateStream(dev int) (Stream, error)
	CreateEvent(dev int) (Event, error)

	Malloc(dev int, size int) (Memory, error)
	MallocAsync(dev int, size int, s Stream) (Memory, error)
	Free(m Memory) error

	MemcpyH2D(dst Ptr, src []byte) error
	MemcpyH2DAsync(dst Ptr, src []byte, s Stream) error
	MemcpyD2H(dst []byte, src Ptr) error
	// MemcpyAsync copies n bytes between two allocations on one device.
	MemcpyAsync(dst, src Ptr, n int, s Stream) error

	DeviceSynchronize(dev int) error
}

// Launch runs task on s, or inline when s is nil.
func Launch(s Stream, task func() error) error {
	if s == nil {
		return task()
	}
	return s.Submit(task)
}

// HostBytes resolves p to a host slice of at least n bytes.
func HostBytes(p Ptr, n int) ([]byte, error) {
	if p.Mem == nil {
		return nil, NewError(StatusIllegalMemoryAccess, "HostBytes", "nil pointer", nil)
	}
	hm, ok := p.Mem.(HostMemory)
	if !ok {
		return nil, Errorf(StatusIllegalMemoryAccess, "HostBytes", "%s memory is not host addressable", p.Mem.Device())
	}
	b := hm.Bytes()
	if p.Off < 0 || n < 0 || p.Off+n > len(b) {
		return nil, Errorf(StatusIllegalMemoryAccess, "HostBytes", "range [%d,%d) outside allocation of %d bytes", p.Off, p.Off+n, len(b))
	}
	return b[p.Off : p.Off+n], nil
}

// CheckDevice returns ErrDeviceMismatch unless every pointer lives on dev.
func CheckDevice(op string, dev Device, ptrs ...Ptr) error {
	for _, p := range ptrs {
		if p.Mem == nil {
			continue
		}
		if got := p.Mem.Device(); got != dev {
			return Errorf(StatusDeviceMismatch, op, "pointer on %s, expected %s", got, dev)
		}
	}
	return nil
}
