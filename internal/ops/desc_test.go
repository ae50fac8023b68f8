package ops

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

func TestContiguity(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		strides []int
		want    bool
	}{
		{"row major", []int{2, 3, 4}, nil, true},
		{"transposed", []int{3, 2}, []int{1, 3}, false},
		{"unit dim ignored", []int{4, 1, 8}, []int{8, 99, 1}, true},
		{"row slice", []int{2, 4}, []int{8, 1}, false},
		{"scalar", []int{}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewTensorDesc(runtime.F32, tt.shape, tt.strides)
			require.Equal(t, tt.want, d.IsContiguous())
		})
	}
}

func TestSpan(t *testing.T) {
	require.Equal(t, 24*4, NewTensorDesc(runtime.F32, []int{2, 3, 4}, nil).Span())
	// two rows of four, taken from an eight-wide matrix
	require.Equal(t, (8+3+1)*2, NewTensorDesc(runtime.F16, []int{2, 4}, []int{8, 1}).Span())
	require.Zero(t, NewTensorDesc(runtime.F32, []int{0, 5}, nil).Span())
}

func TestForEachFollowsStrides(t *testing.T) {
	d := NewTensorDesc(runtime.F32, []int{2, 3}, []int{1, 2})
	var offsets []int
	d.ForEach(func(lin, off int) {
		require.Len(t, offsets, lin)
		offsets = append(offsets, off)
	})
	require.Equal(t, []int{0, 2, 4, 1, 3, 5}, offsets)
	require.Equal(t, 5, d.Offset([]int{1, 2}))
}

func TestValidate(t *testing.T) {
	ok := NewTensorDesc(runtime.F32, []int{2, 2}, nil)
	require.NoError(t, Validate("op", map[string]TensorDesc{"x": ok}))

	bad := ok
	bad.Strides = []int{1}
	require.ErrorIs(t, Validate("op", map[string]TensorDesc{"x": bad}), runtime.ErrInvalidArgument)

	neg := NewTensorDesc(runtime.F32, []int{2, 2}, []int{-2, 1})
	require.ErrorIs(t, Validate("op", map[string]TensorDesc{"x": neg}), runtime.ErrInvalidArgument)

	dt := NewTensorDesc(runtime.DType(99), []int{2}, nil)
	require.ErrorIs(t, Validate("op", map[string]TensorDesc{"x": dt}), runtime.ErrBadDatatype)
}

func TestCreateHandleUnknownKind(t *testing.T) {
	_, err := CreateHandle(runtime.Device{Kind: runtime.DeviceKind(42)})
	require.ErrorIs(t, err, runtime.ErrDeviceNotSupported)
}
