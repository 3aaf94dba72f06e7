package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrCodecUnavailable is returned when the binary was built without support
// for the requested payload format.
var ErrCodecUnavailable = errors.New("codec not available in this build")

// MaxPayloadBytes bounds a single encoded payload. Large enough for 60 ms of
// 48kHz stereo PCM.
const MaxPayloadBytes = 48000 * 2 * BytesPerSample * 60 / 1000

// Encoder turns a captured frame into a packet payload.
// Encoders are owned by one transmit goroutine and are not safe for shared use.
type Encoder interface {
	// Encode appends the payload for f to dst[:0] and returns it together
	// with the format tag for the packet header.
	Encode(f *Frame, dst []byte) ([]byte, SampleFormat, error)
	Close() error
}

// NewEncoder builds the encoder for the configured payload format.
func NewEncoder(sf SampleFormat, af Format, bitrate int) (Encoder, error) {
	switch sf {
	case FormatPCM16:
		return PCMEncoder{}, nil
	case FormatOpus:
		if err := validateOpusFrame(af); err != nil {
			return nil, err
		}
		return newOpusEncoder(af, bitrate)
	}
	return nil, fmt.Errorf("unsupported payload format %s", sf)
}

// PCMEncoder passes s16le samples through unchanged.
type PCMEncoder struct{}

func (PCMEncoder) Encode(f *Frame, dst []byte) ([]byte, SampleFormat, error) {
	return append(dst[:0], f.Data...), FormatPCM16, nil
}

func (PCMEncoder) Close() error { return nil }

// Opus only accepts 2.5, 5, 10, 20, 40 or 60 ms frames at 8/12/16/24/48 kHz.
func validateOpusFrame(af Format) error {
	switch af.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("opus: unsupported sample rate %d", af.SampleRate)
	}
	switch af.FrameDuration {
	case 2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond,
		20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
		return nil
	}
	return fmt.Errorf("opus: invalid frame duration %s", af.FrameDuration)
}
