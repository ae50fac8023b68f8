package runtime

import (
	"errors"
	"fmt"
)

// Status is the status taxonomy shared by the runtime, collective and
// operator layers.
type Status int

const (
	StatusSuccess Status = iota
	StatusExecutionFailed
	StatusBadDevice
	StatusDeviceNotSupported
	StatusDeviceMismatch
	StatusInvalidArgument
	StatusIllegalMemoryAccess
	StatusNotReady
	StatusAllocationFailed
	StatusBadDatatype
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusExecutionFailed:
		return "execution failed"
	case StatusBadDevice:
		return "bad device"
	case StatusDeviceNotSupported:
		return "device not supported"
	case StatusDeviceMismatch:
		return "device mismatch"
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusIllegalMemoryAccess:
		return "illegal memory access"
	case StatusNotReady:
		return "not ready"
	case StatusAllocationFailed:
		return "allocation failed"
	case StatusBadDatatype:
		return "bad datatype"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Error carries a Status together with the operation that produced it.
type Error struct {
	Status  Status
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Status.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += " (caused by: " + e.Err.Error() + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Status, so the sentinels below work
// with errors.Is regardless of Op and Message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Status == e.Status && t.Op == "" && t.Message == ""
}

// NewError builds an *Error.
func NewError(status Status, op, message string, err error) error {
	return &Error{Status: status, Op: op, Message: message, Err: err}
}

// Errorf builds an *Error with a formatted message.
func Errorf(status Status, op, format string, args ...interface{}) error {
	return &Error{Status: status, Op: op, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrExecutionFailed     = &Error{Status: StatusExecutionFailed}
	ErrBadDevice           = &Error{Status: StatusBadDevice}
	ErrDeviceNotSupported  = &Error{Status: StatusDeviceNotSupported}
	ErrDeviceMismatch      = &Error{Status: StatusDeviceMismatch}
	ErrInvalidArgument     = &Error{Status: StatusInvalidArgument}
	ErrIllegalMemoryAccess = &Error{Status: StatusIllegalMemoryAccess}
	ErrNotReady            = &Error{Status: StatusNotReady}
	ErrAllocationFailed    = &Error{Status: StatusAllocationFailed}
	ErrBadDatatype         = &Error{Status: StatusBadDatatype}
)

// StatusOf extracts the Status from err. Errors that carry no Status map to
// StatusExecutionFailed; nil maps to StatusSuccess.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusExecutionFailed
}
