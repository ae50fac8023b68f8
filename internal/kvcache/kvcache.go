// Package kvcache manages per-conversation key/value caches for a model.
// A cache holds, per device and per layer, one key and one value tensor of
// shape [kv_heads/ndev, context_len, head_dim].
package kvcache

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/23skdu/longbow-phalanx/internal/logger"
	"github.com/23skdu/longbow-phalanx/internal/metrics"
	"github.com/23skdu/longbow-phalanx/internal/model"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
	"github.com/23skdu/longbow-phalanx/internal/tensor"
)

var (
	liveCaches atomic.Int64
	liveBytes  atomic.Int64
)

// Cache is one conversation's attention state.
type Cache struct {
	ID uuid.UUID

	// K and V are indexed [device][layer].
	K [][]*tensor.Tensor
	V [][]*tensor.Tensor

	bytes   int64
	mu      sync.Mutex
	dropped bool
}

// Capacity is the number of positions each tensor can hold.
func (c *Cache) Capacity() int {
	return c.K[0][0].Dim(1)
}

// Bytes is the device memory held by the cache across all devices.
func (c *Cache) Bytes() int64 {
	return c.bytes
}

// Usage reports the number of live caches and the device bytes they hold
// across every model in the process.
func Usage() (caches, bytes int64) {
	return liveCaches.Load(), liveBytes.Load()
}

func record(deltaCaches, deltaBytes int64) {
	metrics.RecordKVCacheStats(liveCaches.Add(deltaCaches), liveBytes.Add(deltaBytes))
}

// Create allocates an empty cache for m on each device's cache stream.
func Create(m *model.Model) (*Cache, error) {
	meta := m.Meta
	sh := m.Shard()
	c := &Cache{
		ID: uuid.New(),
		K:  make([][]*tensor.Tensor, m.Ndev()),
		V:  make([][]*tensor.Tensor, m.Ndev()),
	}
	shape := []int{sh.KVHeads, meta.ContextLen, meta.HeadDim}
	for i, d := range m.Devices {
		c.K[i] = make([]*tensor.Tensor, meta.Layers)
		c.V[i] = make([]*tensor.Tensor, meta.Layers)
		for l := 0; l < meta.Layers; l++ {
			k, err := tensor.Buffer(d.Backend, meta.DTypeMat, shape, d.Device, d.Cache)
			if err != nil {
				c.release()
				return nil, fmt.Errorf("kv cache %s on %s: %w", c.ID, d.Device, err)
			}
			c.K[i][l] = k
			v, err := tensor.Buffer(d.Backend, meta.DTypeMat, shape, d.Device, d.Cache)
			if err != nil {
				c.release()
				return nil, fmt.Errorf("kv cache %s on %s: %w", c.ID, d.Device, err)
			}
			c.V[i][l] = v
			c.bytes += int64(k.ByteSize() + v.ByteSize())
		}
	}
	record(1, c.bytes)
	logger.Log.Debug("kv cache created", "id", c.ID.String(), "bytes", c.bytes)
	return c, nil
}

// Duplicate creates a cache for m holding the first seqLen positions of src.
// The copy runs on each device's cache stream and has completed when
// Duplicate returns.
func Duplicate(m *model.Model, src *Cache, seqLen int) (*Cache, error) {
	if seqLen < 0 || seqLen > m.Meta.ContextLen {
		return nil, runtime.Errorf(runtime.StatusInvalidArgument, "DuplicateKVCache", "seq_len %d outside [0, %d]", seqLen, m.Meta.ContextLen)
	}
	if err := src.live("DuplicateKVCache"); err != nil {
		return nil, err
	}
	dst, err := Create(m)
	if err != nil {
		return nil, err
	}
	if seqLen == 0 {
		return dst, nil
	}
	prefix := tensor.Range{Dim: 1, Start: 0, Len: seqLen}
	for i, d := range m.Devices {
		for l := range dst.K[i] {
			for _, pair := range [][2]*tensor.Tensor{{dst.K[i][l], src.K[i][l]}, {dst.V[i][l], src.V[i][l]}} {
				to, err := pair[0].Slice(prefix)
				if err != nil {
					Drop(m, dst)
					return nil, err
				}
				from, err := pair[1].Slice(prefix)
				if err != nil {
					Drop(m, dst)
					return nil, err
				}
				if err := to.CopyFrom(from, d.Handle, d.Cache); err != nil {
					Drop(m, dst)
					return nil, err
				}
			}
		}
	}
	// src may be rewritten or dropped once Duplicate returns.
	for _, d := range m.Devices {
		if err := d.Cache.Synchronize(); err != nil {
			Drop(m, dst)
			return nil, err
		}
	}
	logger.Log.Debug("kv cache duplicated", "src", src.ID.String(), "dst", dst.ID.String(), "seq_len", seqLen)
	return dst, nil
}

// Drop releases every tensor of c. It must not race with an inference call
// using c; dropping twice is a no-op.
func Drop(m *model.Model, c *Cache) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return nil
	}
	c.dropped = true
	c.mu.Unlock()

	err := c.release()
	record(-1, -c.bytes)
	logger.Log.Debug("kv cache dropped", "id", c.ID.String(), "ndev", m.Ndev())
	return err
}

func (c *Cache) release() error {
	var first error
	for i := range c.K {
		for l := range c.K[i] {
			for _, t := range []*tensor.Tensor{c.K[i][l], c.V[i][l]} {
				if t == nil {
					continue
				}
				if err := t.Release(); err != nil && first == nil {
					first = err
				}
			}
		}
	}
	return first
}

func (c *Cache) live(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return runtime.Errorf(runtime.StatusInvalidArgument, op, "kv cache %s was dropped", c.ID)
	}
	return nil
}

// Live reports an error if c has been dropped.
func (c *Cache) Live() error {
	return c.live("KVCache")
}

func (c *Cache) named() []tensor.Named {
	var named []tensor.Named
	for i := range c.K {
		for l := range c.K[i] {
			dev := c.K[i][l].Device()
			named = append(named,
				tensor.Named{Name: fmt.Sprintf("%d.k@%s", l, dev), Tensor: c.K[i][l]},
				tensor.Named{Name: fmt.Sprintf("%d.v@%s", l, dev), Tensor: c.V[i][l]},
			)
		}
	}
	return named
}

// Dump writes every tensor of c as one Arrow IPC record batch, named
// "<layer>.<k|v>@<device>".
func (c *Cache) Dump(w io.Writer) error {
	if err := c.live("DumpKVCache"); err != nil {
		return err
	}
	return tensor.WriteArrow(w, c.named()...)
}

// Record is Dump without the IPC framing. The caller releases the record.
func (c *Cache) Record(pool memory.Allocator) (arrow.RecordBatch, error) {
	if err := c.live("RecordKVCache"); err != nil {
		return nil, err
	}
	return tensor.Record(pool, c.named()...)
}
