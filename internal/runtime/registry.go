package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a backend. It is invoked at most once per process
// context.
type Factory func() (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[DeviceKind]Factory)
)

// Register makes a backend available under kind. Backends register
// themselves from init functions.
func Register(kind DeviceKind, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("runtime: backend %s already registered", kind))
	}
	registry[kind] = f
}

// Registered lists the kinds with a registered factory.
func Registered() []DeviceKind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]DeviceKind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Context is the process-wide runtime state. Open is idempotent: each kind
// is initialised once and the same backend is handed to every caller.
type Context struct {
	mu       sync.Mutex
	backends map[DeviceKind]Backend
}

var defaultContext = &Context{}

// Default returns the process-wide context.
func Default() *Context {
	return defaultContext
}

// Open returns the backend for kind, initialising it on first use.
func Open(kind DeviceKind) (Backend, error) {
	return defaultContext.Open(kind)
}

func (c *Context) Open(kind DeviceKind) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if be, ok := c.backends[kind]; ok {
		return be, nil
	}

	registryMu.RLock()
	f, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, Errorf(StatusDeviceNotSupported, "Open", "no backend registered for %s", kind)
	}

	be, err := f()
	if err != nil {
		return nil, err
	}
	if c.backends == nil {
		c.backends = make(map[DeviceKind]Backend)
	}
	c.backends[kind] = be
	return be, nil
}

// Reset drops every initialised backend. Subsequent Open calls initialise
// fresh backends.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends = nil
}
