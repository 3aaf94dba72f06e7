package capture

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
)

// Source kinds accepted by NewSource.
const (
	KindTone      = "tone"
	KindFFmpeg    = "ffmpeg"
	KindPortAudio = "portaudio"
)

// Config selects and configures a capture source.
type Config struct {
	Kind          string
	ToneFrequency float64
	FFmpeg        FFmpegConfig
}

// Factory builds a fresh, unopened source for each stream session.
type Factory func(format audio.Format) (Source, error)

// NewFactory returns a Factory for cfg.Kind.
func NewFactory(cfg Config, logger *zap.Logger) (Factory, error) {
	switch cfg.Kind {
	case KindTone:
		return func(format audio.Format) (Source, error) {
			return NewToneSource(format, cfg.ToneFrequency), nil
		}, nil
	case KindFFmpeg:
		return func(format audio.Format) (Source, error) {
			return NewFFmpegSource(cfg.FFmpeg, format, logger), nil
		}, nil
	case KindPortAudio:
		return func(format audio.Format) (Source, error) {
			return NewPortAudioSource(format, logger), nil
		}, nil
	}
	return nil, fmt.Errorf("unknown capture source %q", cfg.Kind)
}
