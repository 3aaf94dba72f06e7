package engine

import (
	"errors"
	"fmt"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/capture"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/transmit"
)

// Code is the result code reported to the host layer.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidHandle
	CodeAlreadyRunning
	CodeDeviceUnavailable
	CodeConnectFailed
	CodeInternalError
	CodeResourceExhausted
)

var codeNames = map[Code]string{
	CodeOK:                "OK",
	CodeInvalidHandle:     "InvalidHandle",
	CodeAlreadyRunning:    "AlreadyRunning",
	CodeDeviceUnavailable: "DeviceUnavailable",
	CodeConnectFailed:     "ConnectFailed",
	CodeInternalError:     "InternalError",
	CodeResourceExhausted: "ResourceExhausted",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Code) UnmarshalText(b []byte) error {
	for code, name := range codeNames {
		if name == string(b) {
			*c = code
			return nil
		}
	}
	return fmt.Errorf("unknown code %q", b)
}

// Sentinel errors, one per non-OK code.
var (
	ErrInvalidHandle     = errors.New("invalid handle")
	ErrAlreadyRunning    = errors.New("already running")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrConnectFailed     = errors.New("connect failed")
	ErrInternal          = errors.New("internal error")
	ErrResourceExhausted = errors.New("resource exhausted")
)

func (c Code) sentinel() error {
	switch c {
	case CodeInvalidHandle:
		return ErrInvalidHandle
	case CodeAlreadyRunning:
		return ErrAlreadyRunning
	case CodeDeviceUnavailable:
		return ErrDeviceUnavailable
	case CodeConnectFailed:
		return ErrConnectFailed
	case CodeInternalError:
		return ErrInternal
	case CodeResourceExhausted:
		return ErrResourceExhausted
	}
	return nil
}

// Error is returned by every Controller operation that fails. It matches the
// sentinel for its Code under errors.Is and unwraps to the underlying cause.
type Error struct {
	Code   Code
	Op     string
	Handle Handle
	Err    error
}

func (e *Error) Error() string {
	msg := e.Code.sentinel().Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Handle != 0 {
		return fmt.Sprintf("engine %s %s: %s", e.Op, e.Handle, msg)
	}
	return fmt.Sprintf("engine %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Code.sentinel()
}

func newError(code Code, op string, h Handle, err error) *Error {
	return &Error{Code: code, Op: op, Handle: h, Err: err}
}

// CodeOf maps any error returned by this package, or by the capture and
// transmit layers below it, to a Code.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return classify(err)
}

// classify maps acquisition failures from lower layers to start codes.
func classify(err error) Code {
	switch {
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return CodeDeviceUnavailable
	case errors.Is(err, transmit.ErrConnectFailed),
		errors.Is(err, transmit.ErrInvalidTarget):
		return CodeConnectFailed
	}
	return CodeInternalError
}
