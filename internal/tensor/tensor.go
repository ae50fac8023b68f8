// Package tensor implements strided tensors over reference-counted device
// storage. Views (slice, merge, split, permute) are metadata only and share
// the storage of the tensor they came from.
package tensor

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-phalanx/internal/ops"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

var (
	ErrOutOfRange         = errors.New("tensor: index out of range")
	ErrNotContiguous      = errors.New("tensor: dimensions are not contiguous")
	ErrShapeMismatch      = errors.New("tensor: shape mismatch")
	ErrTypeMismatch       = errors.New("tensor: dtype mismatch")
	ErrInvalidPermutation = errors.New("tensor: invalid permutation")
)

// Range selects [Start, Start+Len) along Dim.
type Range struct {
	Dim   int
	Start int
	Len   int
}

// Tensor is a strided view into a Storage. Strides are in elements and the
// offset is in bytes.
type Tensor struct {
	dtype   runtime.DType
	shape   []int
	strides []int
	offset  int
	storage *Storage
	owner   bool
}

func normalizeShape(op string, shape []int) ([]int, error) {
	if len(shape) == 0 {
		return []int{1}, nil
	}
	for _, s := range shape {
		if s < 0 {
			return nil, runtime.Errorf(runtime.StatusInvalidArgument, op, "negative extent in shape %v", shape)
		}
	}
	return append([]int(nil), shape...), nil
}

func numElements(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func newOwned(dt runtime.DType, shape []int, st *Storage) *Tensor {
	return &Tensor{
		dtype:   dt,
		shape:   shape,
		strides: ops.ContiguousStrides(shape),
		storage: st,
		owner:   true,
	}
}

// Buffer allocates an uninitialised contiguous tensor. With a stream the
// allocation is stream-ordered and the storage carries a completion marker.
func Buffer(be runtime.Backend, dt runtime.DType, shape []int, dev runtime.Device, stream runtime.Stream) (*Tensor, error) {
	shape, err := normalizeShape("Buffer", shape)
	if err != nil {
		return nil, err
	}
	if dt.Size() == 0 {
		return nil, runtime.Errorf(runtime.StatusBadDatatype, "Buffer", "dtype %s", dt)
	}
	st, err := allocate(be, numElements(shape)*dt.Size(), dev, stream)
	if err != nil {
		return nil, err
	}
	return newOwned(dt, shape, st), nil
}

// Weight allocates a contiguous tensor and synchronously fills it from host.
func Weight(be runtime.Backend, host []byte, dt runtime.DType, shape []int, dev runtime.Device) (*Tensor, error) {
	shape, err := normalizeShape("Weight", shape)
	if err != nil {
		return nil, err
	}
	if dt.Size() == 0 {
		return nil, runtime.Errorf(runtime.StatusBadDatatype, "Weight", "dtype %s", dt)
	}
	size := numElements(shape) * dt.Size()
	if len(host) < size {
		return nil, runtime.Errorf(runtime.StatusInvalidArgument, "Weight", "host data has %d bytes, shape %v of %s needs %d", len(host), shape, dt, size)
	}
	st, err := allocate(be, size, dev, nil)
	if err != nil {
		return nil, err
	}
	if err := be.MemcpyH2D(runtime.Ptr{Mem: st.mem}, host[:size]); err != nil {
		st.release()
		return nil, err
	}
	return newOwned(dt, shape, st), nil
}

func (t *Tensor) DType() runtime.DType   { return t.dtype }
func (t *Tensor) Shape() []int           { return append([]int(nil), t.shape...) }
func (t *Tensor) Strides() []int         { return append([]int(nil), t.strides...) }
func (t *Tensor) Ndim() int              { return len(t.shape) }
func (t *Tensor) Offset() int            { return t.offset }
func (t *Tensor) Storage() *Storage      { return t.storage }
func (t *Tensor) Device() runtime.Device { return t.storage.dev }
func (t *Tensor) NumElements() int       { return numElements(t.shape) }
func (t *Tensor) ByteSize() int          { return t.NumElements() * t.dtype.Size() }
func (t *Tensor) Desc() ops.TensorDesc   { return ops.NewTensorDesc(t.dtype, t.shape, t.strides) }
func (t *Tensor) IsContiguous() bool     { return t.Desc().IsContiguous() }
func (t *Tensor) Dim(i int) int          { return t.shape[i] }

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor{%s %v strides=%v offset=%d %s}", t.dtype, t.shape, t.strides, t.offset, t.storage.dev)
}

func (t *Tensor) view() *Tensor {
	return &Tensor{
		dtype:   t.dtype,
		shape:   append([]int(nil), t.shape...),
		strides: append([]int(nil), t.strides...),
		offset:  t.offset,
		storage: t.storage,
	}
}

// Upload allocates a contiguous tensor on stream and enqueues an
// asynchronous copy of host into it. The completion marker covers the copy.
func Upload(be runtime.Backend, host []byte, dt runtime.DType, shape []int, dev runtime.Device, stream runtime.Stream) (*Tensor, error) {
	t, err := Buffer(be, dt, shape, dev, stream)
	if err != nil {
		return nil, err
	}
	size := t.ByteSize()
	if len(host) < size {
		t.Release()
		return nil, runtime.Errorf(runtime.StatusInvalidArgument, "Upload", "host data has %d bytes, shape %v of %s needs %d", len(host), t.shape, dt, size)
	}
	p, err := t.Data(stream)
	if err == nil {
		err = be.MemcpyH2DAsync(p, host[:size], stream)
	}
	if err == nil && stream != nil {
		err = t.storage.record(stream)
	}
	if err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

// Slice narrows each listed dimension to [Start, Start+Len).
func (t *Tensor) Slice(ranges ...Range) (*Tensor, error) {
	v := t.view()
	for _, r := range ranges {
		if r.Dim < 0 || r.Dim >= len(v.shape) {
			return nil, fmt.Errorf("slice dim %d of rank %d: %w", r.Dim, len(v.shape), ErrOutOfRange)
		}
		if r.Start < 0 || r.Len < 0 || r.Start+r.Len > v.shape[r.Dim] {
			return nil, fmt.Errorf("slice dim %d [%d,%d) of extent %d: %w", r.Dim, r.Start, r.Start+r.Len, v.shape[r.Dim], ErrOutOfRange)
		}
		v.offset += r.Start * v.strides[r.Dim] * v.dtype.Size()
		v.shape[r.Dim] = r.Len
	}
	return v, nil
}

// DimMerge collapses dimensions start..end (inclusive) into one. The run
// must be contiguous: strides[i] == shape[i+1]*strides[i+1].
func (t *Tensor) DimMerge(start, end int) (*Tensor, error) {
	if start < 0 || end >= len(t.shape) || start > end {
		return nil, fmt.Errorf("merge dims %d..%d of rank %d: %w", start, end, len(t.shape), ErrOutOfRange)
	}
	for i := start; i < end; i++ {
		if t.strides[i] != t.shape[i+1]*t.strides[i+1] {
			return nil, fmt.Errorf("merge dims %d..%d of %v strides %v: %w", start, end, t.shape, t.strides, ErrNotContiguous)
		}
	}
	merged := 1
	for i := start; i <= end; i++ {
		merged *= t.shape[i]
	}
	v := t.view()
	v.shape = append(append(append([]int(nil), t.shape[:start]...), merged), t.shape[end+1:]...)
	v.strides = append(append(append([]int(nil), t.strides[:start]...), t.strides[end]), t.strides[end+1:]...)
	return v, nil
}

// DimSplit replaces dimension dim with factors whose product equals it.
func (t *Tensor) DimSplit(dim int, factors []int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.shape) {
		return nil, fmt.Errorf("split dim %d of rank %d: %w", dim, len(t.shape), ErrOutOfRange)
	}
	if len(factors) == 0 || numElements(factors) != t.shape[dim] {
		return nil, fmt.Errorf("split dim %d of extent %d into %v: %w", dim, t.shape[dim], factors, ErrShapeMismatch)
	}
	strides := make([]int, len(factors))
	acc := t.strides[dim]
	for i := len(factors) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= factors[i]
	}
	v := t.view()
	v.shape = append(append(append([]int(nil), t.shape[:dim]...), factors...), t.shape[dim+1:]...)
	v.strides = append(append(append([]int(nil), t.strides[:dim]...), strides...), t.strides[dim+1:]...)
	return v, nil
}

// Permute reorders dimensions: the new dimension i is the old order[i].
func (t *Tensor) Permute(order ...int) (*Tensor, error) {
	if len(order) != len(t.shape) {
		return nil, fmt.Errorf("permute %v of rank %d: %w", order, len(t.shape), ErrInvalidPermutation)
	}
	seen := make([]bool, len(order))
	v := t.view()
	for i, o := range order {
		if o < 0 || o >= len(order) || seen[o] {
			return nil, fmt.Errorf("permute %v: %w", order, ErrInvalidPermutation)
		}
		seen[o] = true
		v.shape[i] = t.shape[o]
		v.strides[i] = t.strides[o]
	}
	return v, nil
}

// Data returns the device address of the first element. A pending
// completion marker is resolved first: the host blocks when stream is nil,
// otherwise stream is made to wait on it.
func (t *Tensor) Data(stream runtime.Stream) (runtime.Ptr, error) {
	if err := t.storage.live(); err != nil {
		return runtime.Ptr{}, err
	}
	if err := t.storage.await(stream); err != nil {
		return runtime.Ptr{}, err
	}
	return runtime.Ptr{Mem: t.storage.mem, Off: t.offset}, nil
}

// DataAt is Data advanced by elem elements. elem is an element offset
// from the view's first element and must fall inside the view's span.
func (t *Tensor) DataAt(elem int, stream runtime.Stream) (runtime.Ptr, error) {
	if elem < 0 || elem*t.dtype.Size() >= t.Desc().Span() {
		return runtime.Ptr{}, fmt.Errorf("element %d of %s: %w", elem, t, ErrOutOfRange)
	}
	p, err := t.Data(stream)
	if err != nil {
		return runtime.Ptr{}, err
	}
	return p.Add(elem * t.dtype.Size()), nil
}

// CopyFrom copies src into t through the rearrange operator, honouring both
// layouts. With a stream the copy is stream-ordered and t's storage gets a
// fresh completion marker; without one the device is synchronised.
func (t *Tensor) CopyFrom(src *Tensor, h ops.Handle, stream runtime.Stream) error {
	if src.dtype != t.dtype {
		return fmt.Errorf("copy %s into %s: %w", src.dtype, t.dtype, ErrTypeMismatch)
	}
	if !sameShape(src.shape, t.shape) {
		return fmt.Errorf("copy %v into %v: %w", src.shape, t.shape, ErrShapeMismatch)
	}
	desc, err := h.CreateRearrange(t.Desc(), src.Desc())
	if err != nil {
		return err
	}
	defer desc.Destroy()

	dst, err := t.Data(stream)
	if err != nil {
		return err
	}
	from, err := src.Data(stream)
	if err != nil {
		return err
	}
	if err := desc.Run(dst, from, stream); err != nil {
		return err
	}

	if stream == nil {
		return t.storage.be.DeviceSynchronize(t.storage.dev.ID)
	}
	return t.storage.record(stream)
}

// Share returns a new owning handle on the same view.
func (t *Tensor) Share() *Tensor {
	v := t.view()
	v.owner = true
	t.storage.retain()
	return v
}

// Release drops this tensor's ownership of its storage. Views do not own
// their storage and releasing them is a no-op. Release is idempotent.
func (t *Tensor) Release() error {
	if t == nil || !t.owner {
		return nil
	}
	t.owner = false
	return t.storage.release()
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
