package runtime

import (
	"fmt"
	"strings"
)

// DeviceKind identifies an accelerator family.
type DeviceKind int

const (
	CPU DeviceKind = iota
	CUDA
	Ascend
	SDAA
)

func (k DeviceKind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case Ascend:
		return "ascend"
	case SDAA:
		return "sdaa"
	default:
		return fmt.Sprintf("DeviceKind(%d)", int(k))
	}
}

// ParseDeviceKind maps a CLI/config name onto a DeviceKind.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return CPU, nil
	case "cuda", "nvidia":
		return CUDA, nil
	case "ascend", "npu":
		return Ascend, nil
	case "sdaa", "teco":
		return SDAA, nil
	}
	return 0, NewError(StatusDeviceNotSupported, "ParseDeviceKind", fmt.Sprintf("unknown device kind %q", s), nil)
}

// Device is a (kind, ordinal) pair.
type Device struct {
	Kind DeviceKind
	ID   int
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.ID)
}

// DType is the element type of a tensor.
type DType int

const (
	F16 DType = iota
	F32
	U64
)

// Size returns the element size in bytes.
func (t DType) Size() int {
	switch t {
	case F16:
		return 2
	case F32:
		return 4
	case U64:
		return 8
	default:
		return 0
	}
}

func (t DType) String() string {
	switch t {
	case F16:
		return "f16"
	case F32:
		return "f32"
	case U64:
		return "u64"
	default:
		return fmt.Sprintf("DType(%d)", int(t))
	}
}

// IsFloat reports whether t is a floating point type usable by compute kernels.
func (t DType) IsFloat() bool {
	return t == F16 || t == F32
}

// ParseDType accepts the names produced by DType.String.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f16", "fp16", "float16":
		return F16, nil
	case "f32", "fp32", "float32":
		return F32, nil
	case "u64", "uint64":
		return U64, nil
	}
	return 0, NewError(StatusBadDatatype, "ParseDType", fmt.Sprintf("unknown dtype %q", s), nil)
}
