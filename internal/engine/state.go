package engine

import (
	"fmt"
	"strconv"
	"time"
)

// State is the lifecycle state of one engine.
type State string

// State constants for the engine lifecycle.
const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// States lists every state, for metrics initialization.
var States = []State{StateIdle, StateStarting, StateRunning, StateStopping, StateFailed}

// Handle identifies one engine. The low 32 bits are an arena slot and the
// high 32 bits the slot's generation, so a handle to a destroyed engine
// never resolves to a later engine reusing the slot. Zero means no engine.
type Handle uint64

func makeHandle(slot, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(slot))
}

func (h Handle) slot() uint32 { return uint32(h) }
func (h Handle) gen() uint32  { return uint32(h >> 32) }

func (h Handle) String() string { return strconv.FormatUint(uint64(h), 10) }

func (h Handle) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Handle) UnmarshalText(b []byte) error {
	v, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ParseHandle parses the decimal form produced by String.
func ParseHandle(s string) (Handle, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, newError(CodeInvalidHandle, "parse", 0, fmt.Errorf("malformed handle %q", s))
	}
	return Handle(v), nil
}

// StateChange is published on every transition.
type StateChange struct {
	Handle    Handle    `json:"handle"`
	SessionID string    `json:"sessionId,omitempty"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Code      Code      `json:"code"`
	Cause     string    `json:"cause,omitempty"`
	At        time.Time `json:"at"`
}

// Stats describes an engine and its current or most recent session.
type Stats struct {
	Handle         Handle     `json:"handle"`
	State          State      `json:"state"`
	SessionID      string     `json:"sessionId,omitempty"`
	Target         string     `json:"target,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FramesCaptured uint64     `json:"framesCaptured"`
	FramesDropped  uint64     `json:"framesDropped"`
	FramesSkipped  uint64     `json:"framesSkipped"`
	PacketsSent    uint64     `json:"packetsSent"`
	BytesSent      uint64     `json:"bytesSent"`
	Reconnects     uint64     `json:"reconnects"`
	Buffered       int        `json:"buffered"`
	BufferCap      int        `json:"bufferCapacity"`
	LastSequence   uint32     `json:"lastSequence"`
	CaptureDevice  string     `json:"captureDevice,omitempty"`
	CaptureState   string     `json:"captureState,omitempty"`
	CaptureError   string     `json:"captureError,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	LastErrorCode  Code       `json:"lastErrorCode"`
}
