// Package ccl defines the collective communication layer used to reduce
// partial results across tensor-parallel ranks.
package ccl

import (
	"context"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

// Comm is one rank's endpoint of a communicator group.
type Comm interface {
	Rank() int
	Size() int
	Device() runtime.Device
	// AllReduceSum enqueues an element-wise sum of count elements over all
	// ranks on s; every rank receives the total in recv. send and recv may
	// alias. ctx aborts a rank left waiting for a peer that never arrives.
	AllReduceSum(ctx context.Context, send, recv runtime.Ptr, count int, dt runtime.DType, s runtime.Stream) error
	Destroy() error
}

// Backend creates communicator groups for one device kind.
type Backend interface {
	Kind() runtime.DeviceKind
	CommInitAll(deviceIDs []int) ([]Comm, error)
}

var (
	mu       sync.RWMutex
	backends = make(map[runtime.DeviceKind]func() Backend)
)

// Register installs a collective backend for kind.
func Register(kind runtime.DeviceKind, f func() Backend) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := backends[kind]; exists {
		panic(fmt.Sprintf("ccl: backend %s already registered", kind))
	}
	backends[kind] = f
}

// InitAll creates one communicator per listed device, indexed by rank.
func InitAll(kind runtime.DeviceKind, deviceIDs []int) ([]Comm, error) {
	if len(deviceIDs) == 0 {
		return nil, runtime.NewError(runtime.StatusInvalidArgument, "CommInitAll", "no devices", nil)
	}
	seen := make(map[int]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		if seen[id] {
			return nil, runtime.Errorf(runtime.StatusInvalidArgument, "CommInitAll", "device %d listed twice", id)
		}
		seen[id] = true
	}

	mu.RLock()
	f, ok := backends[kind]
	mu.RUnlock()
	if !ok {
		return nil, runtime.Errorf(runtime.StatusDeviceNotSupported, "CommInitAll", "no collective backend for %s", kind)
	}
	return f().CommInitAll(deviceIDs)
}

// CheckAllReduce validates the arguments every backend must reject before
// enqueuing a collective.
func CheckAllReduce(c Comm, send, recv runtime.Ptr, count int, dt runtime.DType, s runtime.Stream) error {
	const op = "AllReduceSum"
	if dt != runtime.F16 && dt != runtime.F32 {
		return runtime.Errorf(runtime.StatusBadDatatype, op, "unsupported dtype %s", dt)
	}
	if count < 0 {
		return runtime.Errorf(runtime.StatusInvalidArgument, op, "negative count %d", count)
	}
	if s != nil && s.Device() != c.Device() {
		return runtime.Errorf(runtime.StatusDeviceMismatch, op, "stream on %s, communicator on %s", s.Device(), c.Device())
	}
	return runtime.CheckDevice(op, c.Device(), send, recv)
}

// DestroyAll destroys every non-nil communicator and returns the first error.
func DestroyAll(comms []Comm) error {
	var first error
	for _, c := range comms {
		if c == nil {
			continue
		}
		if err := c.Destroy(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
