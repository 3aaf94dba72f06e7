// Package capture reads fixed-duration PCM frames from an audio input device.
// The capture goroutine blocks in ReadFrame at the device's natural cadence,
// which makes the source the timing reference of the whole pipeline.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
)

var (
	// ErrDeviceUnavailable means the input device could not be acquired
	// (permission revoked, device busy, no device, missing driver).
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrEndOfStream is returned by ReadFrame when the device stops
	// delivering audio for good.
	ErrEndOfStream = errors.New("capture end of stream")

	// ErrNotOpen is returned by ReadFrame before Open or after Close.
	ErrNotOpen = errors.New("capture source not open")
)

// State constants for capture source lifecycle.
const (
	StateClosed  = "closed"
	StateOpening = "opening"
	StateOpen    = "open"
	StateError   = "error"
)

// Source is an audio input device.
type Source interface {
	// Open acquires the device. Failures wrap ErrDeviceUnavailable.
	Open(ctx context.Context) error
	// ReadFrame blocks until the next frame is captured. The caller owns
	// the returned frame and must release it with audio.ReleaseFrame.
	ReadFrame(ctx context.Context) (*audio.Frame, error)
	// Close releases the device. Idempotent.
	Close() error
}

// Status describes the current state of a capture source.
type Status struct {
	State      string `json:"state"`
	Device     string `json:"device"`
	FramesRead uint64 `json:"framesRead"`
	LastError  string `json:"lastError,omitempty"`
}

// Statuser is implemented by sources that report their lifecycle.
type Statuser interface {
	Status() Status
}

// stamper assigns per-open sequence numbers and capture timestamps.
type stamper struct {
	mu   sync.Mutex
	next uint32
}

func (s *stamper) reset() {
	s.mu.Lock()
	s.next = 0
	s.mu.Unlock()
}

func (s *stamper) stamp(f *audio.Frame) {
	s.mu.Lock()
	f.Seq = s.next
	s.next++
	s.mu.Unlock()
	f.Captured = time.Now()
}

func (s *stamper) count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.next)
}
