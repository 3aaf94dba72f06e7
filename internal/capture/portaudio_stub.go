//go:build !portaudio

package capture

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
)

// PortAudioSource is a placeholder when the binary is built without the
// portaudio tag. Open always fails with ErrDeviceUnavailable.
type PortAudioSource struct{}

// NewPortAudioSource returns a source that cannot be opened in this build.
func NewPortAudioSource(audio.Format, *zap.Logger) *PortAudioSource {
	return &PortAudioSource{}
}

func (*PortAudioSource) Open(context.Context) error {
	return fmt.Errorf("%w: built without portaudio support", ErrDeviceUnavailable)
}

func (*PortAudioSource) ReadFrame(context.Context) (*audio.Frame, error) {
	return nil, ErrNotOpen
}

func (*PortAudioSource) Close() error { return nil }

func (*PortAudioSource) Status() Status {
	return Status{State: StateClosed, Device: "portaudio:unavailable"}
}
