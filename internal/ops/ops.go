// Package ops defines the descriptor-based compute operators the forward
// pass is written against. Descriptors are created from tensor descriptors
// once and then run against concrete pointers on a stream.
package ops

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

// Descriptor is the common lifecycle of an operator instance.
type Descriptor interface {
	// WorkspaceSize is the scratch byte count Run expects.
	WorkspaceSize() int
	Destroy() error
}

// RMSNorm computes y = x / sqrt(mean(x^2) + eps) * w over the last axis.
type RMSNorm interface {
	Descriptor
	Run(ws, y, x, w runtime.Ptr, s runtime.Stream) error
}

// Matmul computes c = alpha * a @ b + beta * c.
type Matmul interface {
	Descriptor
	Run(ws, c, a, b runtime.Ptr, s runtime.Stream) error
}

// RoPE rotates interleaved (even, odd) pairs of t in place using the rows of
// the sin/cos tables selected by pos.
type RoPE interface {
	Descriptor
	Run(ws, t, pos, sin, cos runtime.Ptr, s runtime.Stream) error
}

// Attention appends k and v to the caches at the configured past length and
// writes causal grouped-query attention of q over the cache to out.
type Attention interface {
	Descriptor
	Run(ws, out, q, k, v, kCache, vCache runtime.Ptr, s runtime.Stream) error
}

// MLP computes y = alpha * (silu(x@Wg) * (x@Wu)) @ Wd, adding the previous
// contents of y when built with residual.
type MLP interface {
	Descriptor
	Run(ws, y, x, wGateUp, wDown runtime.Ptr, s runtime.Stream) error
}

// RandomSample draws one token id from a vector of logits.
type RandomSample interface {
	Descriptor
	Run(ws, result, probs runtime.Ptr, random, topP float32, topK int, temperature float32, s runtime.Stream) error
}

// Rearrange copies src into dst element by element honouring both layouts.
type Rearrange interface {
	Descriptor
	Run(dst, src runtime.Ptr, s runtime.Stream) error
}

// Handle creates operator descriptors bound to one device.
type Handle interface {
	Device() runtime.Device
	CreateRMSNorm(y, x, w TensorDesc, eps float32) (RMSNorm, error)
	CreateMatmul(c TensorDesc, alpha float32, a, b TensorDesc, beta float32) (Matmul, error)
	CreateRoPE(t, pos, sin, cos TensorDesc) (RoPE, error)
	CreateAttention(out, q, k, v, kCache, vCache TensorDesc, pastLen int) (Attention, error)
	CreateMLP(y, x, wGateUp, wDown TensorDesc, alpha float32, residual bool) (MLP, error)
	CreateRandomSample(result, probs TensorDesc) (RandomSample, error)
	CreateRearrange(dst, src TensorDesc) (Rearrange, error)
	Destroy() error
}

// HandleFactory opens an operator handle on device id.
type HandleFactory func(id int) (Handle, error)

var (
	mu      sync.RWMutex
	handles = make(map[runtime.DeviceKind]HandleFactory)
)

// Register installs the operator implementation for kind.
func Register(kind runtime.DeviceKind, f HandleFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := handles[kind]; exists {
		panic(fmt.Sprintf("ops: handle factory %s already registered", kind))
	}
	handles[kind] = f
}

// CreateHandle opens an operator handle on dev.
func CreateHandle(dev runtime.Device) (Handle, error) {
	mu.RLock()
	f, ok := handles[dev.Kind]
	mu.RUnlock()
	if !ok {
		return nil, runtime.Errorf(runtime.StatusDeviceNotSupported, "CreateHandle", "no operators for %s", dev.Kind)
	}
	return f(dev.ID)
}
