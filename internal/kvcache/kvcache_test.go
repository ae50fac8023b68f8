package kvcache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-phalanx/internal/config"
	"github.com/23skdu/longbow-phalanx/internal/cpu"
	"github.com/23skdu/longbow-phalanx/internal/model"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
	"github.com/23skdu/longbow-phalanx/internal/tensor"
)

func newModel(t *testing.T, be *cpu.Backend, ndev int) *model.Model {
	t.Helper()
	meta := config.Tiny()
	meta.ContextLen = 8
	hw, err := model.Synthetic(meta, 5).Pack(meta, ndev)
	require.NoError(t, err)
	ids := make([]int, ndev)
	for i := range ids {
		ids[i] = i
	}
	m, err := model.CreateOn(context.Background(), be, meta, hw, ids)
	require.NoError(t, err)
	t.Cleanup(func() { m.Destroy() })
	return m
}

// fill writes a distinct ramp into every cache tensor.
func fill(t *testing.T, m *model.Model, c *Cache) {
	t.Helper()
	for i, d := range m.Devices {
		for l := range c.K[i] {
			for j, dst := range []*tensor.Tensor{c.K[i][l], c.V[i][l]} {
				vals := make([]float32, dst.NumElements())
				for n := range vals {
					vals[n] = float32(i*8+l*4+j*2+1) + float32(n%16)/16
				}
				src, err := tensor.Weight(d.Backend, tensor.Encode(dst.DType(), vals), dst.DType(), dst.Shape(), d.Device)
				require.NoError(t, err)
				require.NoError(t, dst.CopyFrom(src, d.Handle, nil))
				require.NoError(t, src.Release())
			}
		}
	}
}

func prefix(t *testing.T, x *tensor.Tensor, n int) []float32 {
	t.Helper()
	v, err := x.Slice(tensor.Range{Dim: 1, Start: 0, Len: n})
	require.NoError(t, err)
	vals, err := v.ReadFloat32()
	require.NoError(t, err)
	return vals
}

func TestCreate(t *testing.T) {
	be := cpu.New(cpu.WithDeviceCount(2))
	m := newModel(t, be, 2)
	before := be.AllocatedBytes(0)
	caches, held0 := Usage()

	c, err := Create(m)
	require.NoError(t, err)
	require.Len(t, c.K, 2)
	require.Len(t, c.K[0], m.Meta.Layers)
	require.Equal(t, []int{1, 8, m.Meta.HeadDim}, c.K[1][0].Shape())
	require.Equal(t, runtime.Device{Kind: runtime.CPU, ID: 1}, c.V[1][0].Device())
	require.Equal(t, 8, c.Capacity())

	perDevice := int64(2 * m.Meta.Layers * 8 * m.Meta.HeadDim * m.Meta.DTypeMat.Size())
	require.Equal(t, 2*perDevice, c.Bytes())
	require.Equal(t, before+perDevice, be.AllocatedBytes(0))
	live, held := Usage()
	require.Equal(t, caches+1, live)
	require.Equal(t, held0+c.Bytes(), held)

	require.NoError(t, Drop(m, c))
	require.Equal(t, before, be.AllocatedBytes(0))
	live, held = Usage()
	require.Equal(t, caches, live)
	require.Equal(t, held0, held)
}

func TestDuplicateCopiesPrefixOnly(t *testing.T) {
	be := cpu.New(cpu.WithDeviceCount(2))
	m := newModel(t, be, 2)
	src, err := Create(m)
	require.NoError(t, err)
	defer Drop(m, src)
	fill(t, m, src)

	dup, err := Duplicate(m, src, 3)
	require.NoError(t, err)
	defer Drop(m, dup)
	require.NotEqual(t, src.ID, dup.ID)
	require.Equal(t, src.Capacity(), dup.Capacity())

	for i := range src.K {
		for l := range src.K[i] {
			for j, pair := range [][2]*tensor.Tensor{{src.K[i][l], dup.K[i][l]}, {src.V[i][l], dup.V[i][l]}} {
				require.Equal(t, prefix(t, pair[0], 3), prefix(t, pair[1], 3), "device %d layer %d tensor %d", i, l, j)

				tail, err := pair[1].Slice(tensor.Range{Dim: 1, Start: 3, Len: 5})
				require.NoError(t, err)
				vals, err := tail.ReadFloat32()
				require.NoError(t, err)
				for _, v := range vals {
					require.Zero(t, v)
				}
			}
		}
	}
}

func TestDuplicateCompletesBeforeReturn(t *testing.T) {
	be := cpu.New(cpu.WithDeviceCount(2))
	m := newModel(t, be, 2)
	src, err := Create(m)
	require.NoError(t, err)
	fill(t, m, src)
	want := prefix(t, src.V[1][1], 4)

	gate := make(chan struct{})
	require.NoError(t, m.Devices[1].Cache.Submit(func() error { <-gate; return nil }))
	type result struct {
		c   *Cache
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := Duplicate(m, src, 4)
		done <- result{c, err}
	}()
	select {
	case <-done:
		t.Fatal("Duplicate returned while the copy was queued")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Duplicate did not return")
	}
	require.NoError(t, res.err)
	defer Drop(m, res.c)

	require.NoError(t, Drop(m, src))
	require.Equal(t, want, prefix(t, res.c.V[1][1], 4))
}

func TestDuplicateBounds(t *testing.T) {
	be := cpu.New(cpu.WithDeviceCount(1))
	m := newModel(t, be, 1)
	src, err := Create(m)
	require.NoError(t, err)
	defer Drop(m, src)

	_, err = Duplicate(m, src, 9)
	require.ErrorIs(t, err, runtime.ErrInvalidArgument)
	_, err = Duplicate(m, src, -1)
	require.ErrorIs(t, err, runtime.ErrInvalidArgument)

	empty, err := Duplicate(m, src, 0)
	require.NoError(t, err)
	require.NoError(t, Drop(m, empty))

	full, err := Duplicate(m, src, 8)
	require.NoError(t, err)
	require.NoError(t, Drop(m, full))
}

func TestDropIsIdempotent(t *testing.T) {
	be := cpu.New(cpu.WithDeviceCount(1))
	m := newModel(t, be, 1)
	before := be.AllocatedBytes(0)

	c, err := Create(m)
	require.NoError(t, err)
	require.NoError(t, Drop(m, c))
	require.NoError(t, Drop(m, c))
	require.NoError(t, Drop(m, nil))
	require.Equal(t, before, be.AllocatedBytes(0))

	require.ErrorIs(t, c.Live(), runtime.ErrInvalidArgument)
	_, err = Duplicate(m, c, 1)
	require.ErrorIs(t, err, runtime.ErrInvalidArgument)
	require.ErrorIs(t, c.Dump(&bytes.Buffer{}), runtime.ErrInvalidArgument)
}

func TestDump(t *testing.T) {
	be := cpu.New(cpu.WithDeviceCount(2))
	m := newModel(t, be, 2)
	c, err := Create(m)
	require.NoError(t, err)
	defer Drop(m, c)

	var buf bytes.Buffer
	require.NoError(t, c.Dump(&buf))

	reader, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())
	require.Equal(t, int64(2*2*m.Meta.Layers), reader.Record().NumRows())
}
