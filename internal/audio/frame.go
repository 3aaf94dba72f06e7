package audio

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is the width of one s16le sample.
const BytesPerSample = 2

// SampleFormat identifies the payload encoding carried by a packet.
type SampleFormat uint8

const (
	// FormatPCM16 is raw interleaved PCM s16le.
	FormatPCM16 SampleFormat = 1
	// FormatOpus is one Opus packet per frame.
	FormatOpus SampleFormat = 2
)

// String returns the short name used in config and logs.
func (f SampleFormat) String() string {
	switch f {
	case FormatPCM16:
		return "pcm"
	case FormatOpus:
		return "opus"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// ParseSampleFormat maps a config name back to a SampleFormat.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch s {
	case "pcm", "pcm16", "s16le":
		return FormatPCM16, nil
	case "opus":
		return FormatOpus, nil
	}
	return 0, fmt.Errorf("unknown payload format %q", s)
}

// Format describes the PCM layout produced by a capture source.
type Format struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// DefaultFormat is 20 ms of 48kHz mono, matching the handset's native input path.
var DefaultFormat = Format{
	SampleRate:    48000,
	Channels:      1,
	FrameDuration: 20 * time.Millisecond,
}

// SamplesPerFrame returns the number of samples per channel in one frame.
func (f Format) SamplesPerFrame() int {
	return int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
}

// FrameBytes returns the size of one interleaved s16le frame.
func (f Format) FrameBytes() int {
	return f.SamplesPerFrame() * f.Channels * BytesPerSample
}

// Validate rejects formats no capture device can produce.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return errors.New("sample rate must be positive")
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	if f.FrameDuration <= 0 {
		return errors.New("frame duration must be positive")
	}
	if f.SamplesPerFrame() == 0 {
		return fmt.Errorf("frame duration %s too short for %d Hz", f.FrameDuration, f.SampleRate)
	}
	return nil
}

// Frame is one fixed-duration chunk of captured audio. A frame has exactly one
// owner at a time: the capture source hands it to the frame buffer, the
// transmit worker takes it from there and releases it after sending.
type Frame struct {
	// Seq increases by one per captured frame, starting at 0 for each open.
	Seq uint32

	// Captured is the wall-clock time the frame was read from the device.
	Captured time.Time

	// Data holds interleaved PCM s16le samples.
	Data []byte
}
