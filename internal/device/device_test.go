package device_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-phalanx/internal/ccl"
	_ "github.com/23skdu/longbow-phalanx/internal/cpu"
	"github.com/23skdu/longbow-phalanx/internal/device"
	"github.com/23skdu/longbow-phalanx/internal/ops"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

func TestVendorsReportNotSupported(t *testing.T) {
	for _, v := range device.Vendors {
		t.Run(v.Kind.String(), func(t *testing.T) {
			_, err := runtime.Open(v.Kind)
			require.ErrorIs(t, err, runtime.ErrDeviceNotSupported)
			require.Contains(t, err.Error(), v.Runtime)

			_, err = ccl.InitAll(v.Kind, []int{0, 1})
			require.ErrorIs(t, err, runtime.ErrDeviceNotSupported)

			_, err = ops.CreateHandle(runtime.Device{Kind: v.Kind})
			require.ErrorIs(t, err, runtime.ErrDeviceNotSupported)
		})
	}
}

func TestAvailable(t *testing.T) {
	require.Equal(t, []runtime.DeviceKind{runtime.CPU}, device.Available())
}
