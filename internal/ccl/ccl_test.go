package ccl_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-phalanx/internal/ccl"
	_ "github.com/23skdu/longbow-phalanx/internal/cpu"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

func TestInitAllRejectsBadGroups(t *testing.T) {
	tests := []struct {
		name string
		kind runtime.DeviceKind
		ids  []int
		want error
	}{
		{"empty", runtime.CPU, nil, runtime.ErrInvalidArgument},
		{"duplicate", runtime.CPU, []int{0, 1, 0}, runtime.ErrInvalidArgument},
		{"unknown kind", runtime.DeviceKind(99), []int{0}, runtime.ErrDeviceNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comms, err := ccl.InitAll(tt.kind, tt.ids)
			require.ErrorIs(t, err, tt.want)
			require.Nil(t, comms)
		})
	}
}

func TestInitAllRanks(t *testing.T) {
	comms, err := ccl.InitAll(runtime.CPU, []int{3, 1})
	require.NoError(t, err)
	defer ccl.DestroyAll(comms)

	require.Len(t, comms, 2)
	for rank, c := range comms {
		require.Equal(t, rank, c.Rank())
		require.Equal(t, 2, c.Size())
	}
	require.Equal(t, runtime.Device{Kind: runtime.CPU, ID: 3}, comms[0].Device())
	require.Equal(t, runtime.Device{Kind: runtime.CPU, ID: 1}, comms[1].Device())
}

func TestCheckAllReduce(t *testing.T) {
	comms, err := ccl.InitAll(runtime.CPU, []int{0})
	require.NoError(t, err)
	defer ccl.DestroyAll(comms)
	c := comms[0]

	require.ErrorIs(t, ccl.CheckAllReduce(c, runtime.Ptr{}, runtime.Ptr{}, 4, runtime.U64, nil), runtime.ErrBadDatatype)
	require.ErrorIs(t, ccl.CheckAllReduce(c, runtime.Ptr{}, runtime.Ptr{}, -1, runtime.F32, nil), runtime.ErrInvalidArgument)
	require.NoError(t, ccl.CheckAllReduce(c, runtime.Ptr{}, runtime.Ptr{}, 0, runtime.F16, nil))

	be, err := runtime.Open(runtime.CPU)
	require.NoError(t, err)
	s, err := be.CreateStream(1)
	require.NoError(t, err)
	defer s.Destroy()
	require.ErrorIs(t, c.AllReduceSum(context.Background(), runtime.Ptr{}, runtime.Ptr{}, 0, runtime.F32, s), runtime.ErrDeviceMismatch)
}
