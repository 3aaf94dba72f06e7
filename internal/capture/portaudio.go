//go:build portaudio

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
)

// PortAudioSource captures from the default input device through PortAudio.
type PortAudioSource struct {
	format audio.Format
	logger *zap.Logger
	stamper

	mu        sync.Mutex
	state     string
	lastError string
	stream    *portaudio.Stream
	buf       []int16
	overflows uint64
}

// NewPortAudioSource creates a PortAudio capture source.
func NewPortAudioSource(format audio.Format, logger *zap.Logger) *PortAudioSource {
	return &PortAudioSource{
		format: format,
		logger: logger.With(zap.String("captureDevice", "portaudio:default")),
		state:  StateClosed,
	}
}

func (p *PortAudioSource) Open(ctx context.Context) error {
	if err := p.format.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateOpen {
		return fmt.Errorf("%w: capture already open", ErrDeviceUnavailable)
	}
	p.state = StateOpening
	p.reset()

	if err := portaudio.Initialize(); err != nil {
		return p.failLocked(fmt.Errorf("portaudio init: %w", err))
	}

	p.buf = make([]int16, p.format.SamplesPerFrame()*p.format.Channels)
	stream, err := portaudio.OpenDefaultStream(p.format.Channels, 0,
		float64(p.format.SampleRate), p.format.SamplesPerFrame(), p.buf)
	if err != nil {
		portaudio.Terminate()
		return p.failLocked(fmt.Errorf("open input stream: %w", err))
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return p.failLocked(fmt.Errorf("start input stream: %w", err))
	}

	p.stream = stream
	p.state = StateOpen
	p.logger.Info("capture opened",
		zap.Int("sampleRate", p.format.SampleRate),
		zap.Int("channels", p.format.Channels))
	return nil
}

// ReadFrame blocks in Pa_ReadStream for exactly one frame. Input overflows
// are counted and tolerated; the device keeps its cadence.
func (p *PortAudioSource) ReadFrame(ctx context.Context) (*audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return nil, ErrNotOpen
	}

	if err := stream.Read(); err != nil {
		if !errors.Is(err, portaudio.InputOverflowed) {
			p.mu.Lock()
			closed := p.stream == nil
			p.mu.Unlock()
			if closed {
				return nil, ErrNotOpen
			}
			return nil, fmt.Errorf("read input stream: %w", err)
		}
		p.mu.Lock()
		p.overflows++
		p.mu.Unlock()
	}

	f := audio.AcquireFrame(p.format.FrameBytes())
	audio.Int16ToBytesInto(p.buf, f.Data)
	p.stamp(f)
	return f, nil
}

func (p *PortAudioSource) Close() error {
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	if p.state != StateError {
		p.state = StateClosed
	}
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	var err error
	if stopErr := stream.Stop(); stopErr != nil {
		err = stopErr
	}
	if closeErr := stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	portaudio.Terminate()
	p.logger.Info("capture closed", zap.Uint64("framesRead", p.count()))
	return err
}

func (p *PortAudioSource) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		State:      p.state,
		Device:     "portaudio:default",
		FramesRead: p.count(),
		LastError:  p.lastError,
	}
}

func (p *PortAudioSource) failLocked(err error) error {
	p.state = StateError
	p.lastError = err.Error()
	p.logger.Warn("capture open failed", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
