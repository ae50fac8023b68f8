package ops

import (
	"fmt"

	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

// TensorDesc describes a strided tensor. Strides are in elements.
type TensorDesc struct {
	DType   runtime.DType
	Shape   []int
	Strides []int
}

// NewTensorDesc builds a descriptor; nil strides mean row-major contiguous.
func NewTensorDesc(dt runtime.DType, shape, strides []int) TensorDesc {
	if strides == nil {
		strides = ContiguousStrides(shape)
	}
	return TensorDesc{
		DType:   dt,
		Shape:   append([]int(nil), shape...),
		Strides: append([]int(nil), strides...),
	}
}

// ContiguousStrides returns row-major strides for shape.
func ContiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func (d TensorDesc) Ndim() int {
	return len(d.Shape)
}

func (d TensorDesc) NumElements() int {
	n := 1
	for _, s := range d.Shape {
		n *= s
	}
	return n
}

// Span is the number of bytes between the first and one past the last
// addressed element.
func (d TensorDesc) Span() int {
	if d.NumElements() == 0 {
		return 0
	}
	last := 0
	for i, s := range d.Shape {
		last += (s - 1) * d.Strides[i]
	}
	return (last + 1) * d.DType.Size()
}

// IsContiguous reports row-major contiguity; unit dimensions are ignored.
func (d TensorDesc) IsContiguous() bool {
	acc := 1
	for i := len(d.Shape) - 1; i >= 0; i-- {
		if d.Shape[i] == 1 {
			continue
		}
		if d.Strides[i] != acc {
			return false
		}
		acc *= d.Shape[i]
	}
	return true
}

func (d TensorDesc) String() string {
	return fmt.Sprintf("%s%v/%v", d.DType, d.Shape, d.Strides)
}

func (d TensorDesc) validate(op, name string) error {
	if len(d.Shape) != len(d.Strides) {
		return runtime.Errorf(runtime.StatusInvalidArgument, op, "%s: rank %d with %d strides", name, len(d.Shape), len(d.Strides))
	}
	if d.DType.Size() == 0 {
		return runtime.Errorf(runtime.StatusBadDatatype, op, "%s: dtype %s", name, d.DType)
	}
	for i := range d.Shape {
		if d.Shape[i] < 0 || d.Strides[i] < 0 {
			return runtime.Errorf(runtime.StatusInvalidArgument, op, "%s: negative extent in %s", name, d)
		}
	}
	return nil
}

// Validate checks each descriptor is well formed.
func Validate(op string, descs map[string]TensorDesc) error {
	for name, d := range descs {
		if err := d.validate(op, name); err != nil {
			return err
		}
	}
	return nil
}

// Offset returns the element offset of idx.
func (d TensorDesc) Offset(idx []int) int {
	off := 0
	for i, v := range idx {
		off += v * d.Strides[i]
	}
	return off
}

// ForEach calls fn with the logical (row-major) index and the element offset
// of every element.
func (d TensorDesc) ForEach(fn func(linear, offset int)) {
	n := d.NumElements()
	if n == 0 {
		return
	}
	idx := make([]int, len(d.Shape))
	off := 0
	for lin := 0; lin < n; lin++ {
		fn(lin, off)
		for k := len(idx) - 1; k >= 0; k-- {
			idx[k]++
			off += d.Strides[k]
			if idx[k] < d.Shape[k] {
				break
			}
			off -= idx[k] * d.Strides[k]
			idx[k] = 0
		}
	}
}
