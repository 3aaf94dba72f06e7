package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
)

// ToneSource synthesizes a sine wave (or silence) paced by a ticker at the
// frame cadence. It stands in for a microphone on headless hosts and in tests.
type ToneSource struct {
	format audio.Format
	gen    audio.ToneGenerator
	stamper

	mu     sync.Mutex
	state  string
	ticker *time.Ticker
	closed chan struct{}
}

// NewToneSource creates a tone source. frequency 0 produces silence.
func NewToneSource(format audio.Format, frequency float64) *ToneSource {
	amplitude := float64(audio.ToneAmplitude)
	if frequency == 0 {
		amplitude = 0
	}
	return &ToneSource{
		format: format,
		gen: audio.ToneGenerator{
			Frequency:  frequency,
			Amplitude:  amplitude,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
		},
		state: StateClosed,
	}
}

func (s *ToneSource) Open(ctx context.Context) error {
	if err := s.format.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen {
		return fmt.Errorf("%w: tone source already open", ErrDeviceUnavailable)
	}
	s.gen.Reset()
	s.reset()
	s.ticker = time.NewTicker(s.format.FrameDuration)
	s.closed = make(chan struct{})
	s.state = StateOpen
	return nil
}

func (s *ToneSource) ReadFrame(ctx context.Context) (*audio.Frame, error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil, ErrNotOpen
	}
	tick, closed := s.ticker.C, s.closed
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-closed:
		return nil, ErrNotOpen
	case <-tick:
	}

	f := audio.AcquireFrame(s.format.FrameBytes())
	s.gen.Fill(f.Data)
	s.stamp(f)
	return f, nil
}

func (s *ToneSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil
	}
	s.ticker.Stop()
	close(s.closed)
	s.state = StateClosed
	return nil
}

func (s *ToneSource) Status() Status {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	return Status{
		State:      state,
		Device:     fmt.Sprintf("tone:%gHz", s.gen.Frequency),
		FramesRead: s.count(),
	}
}
