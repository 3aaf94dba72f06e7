package transmit

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Class is the failure classification of a send error.
type Class int

const (
	// Transient errors may clear on their own: write timeouts, a full
	// socket buffer, interrupted calls.
	Transient Class = iota
	// Fatal errors mean the connection is gone.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps a write error to Transient or Fatal. Anything unrecognized is
// Fatal so that no unknown failure is retried.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	switch {
	case errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.EWOULDBLOCK),
		errors.Is(err, syscall.EINTR),
		errors.Is(err, syscall.ENOBUFS),
		errors.Is(err, os.ErrDeadlineExceeded):
		return Transient
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed):
		return Fatal
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	return Fatal
}
