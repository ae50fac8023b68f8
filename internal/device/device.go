// Package device registers the accelerator families this build was compiled
// without. Opening a backend, a communicator group or an operator handle on
// one of them fails with runtime.ErrDeviceNotSupported at every layer.
package device

import (
	"fmt"

	"github.com/23skdu/longbow-phalanx/internal/ccl"
	"github.com/23skdu/longbow-phalanx/internal/ops"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

// Vendor describes an accelerator family and the native libraries a build
// with it enabled would link against.
type Vendor struct {
	Kind        runtime.DeviceKind
	Runtime     string
	Collectives string
}

// Vendors lists the accelerator families known to this module besides the
// CPU reference backend.
var Vendors = []Vendor{
	{Kind: runtime.CUDA, Runtime: "cudart", Collectives: "nccl"},
	{Kind: runtime.Ascend, Runtime: "acl", Collectives: "hccl"},
	{Kind: runtime.SDAA, Runtime: "sdaart", Collectives: "tccl"},
}

func init() {
	for _, v := range Vendors {
		register(v)
	}
}

func register(v Vendor) {
	runtime.Register(v.Kind, func() (runtime.Backend, error) {
		return nil, v.unsupported("Open")
	})
	ccl.Register(v.Kind, func() ccl.Backend { return collectives{v} })
	ops.Register(v.Kind, func(int) (ops.Handle, error) {
		return nil, v.unsupported("CreateHandle")
	})
}

func (v Vendor) unsupported(op string) error {
	return runtime.NewError(runtime.StatusDeviceNotSupported, op,
		fmt.Sprintf("%s support (%s/%s) not compiled in", v.Kind, v.Runtime, v.Collectives), nil)
}

type collectives struct{ v Vendor }

func (c collectives) Kind() runtime.DeviceKind { return c.v.Kind }

func (c collectives) CommInitAll([]int) ([]ccl.Comm, error) {
	return nil, c.v.unsupported("CommInitAll")
}

// Available reports every registered kind whose backend opens successfully.
func Available() []runtime.DeviceKind {
	var kinds []runtime.DeviceKind
	for _, k := range runtime.Registered() {
		if _, err := runtime.Open(k); err == nil {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
