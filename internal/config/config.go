package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/capture"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/settings"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/transmit"
)

// EnvPrefix is prepended to every environment override, e.g.
// OPENMIC_TARGET_PORT.
const EnvPrefix = "OPENMIC"

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Debug      bool   `mapstructure:"debug"`

	TargetHost   string `mapstructure:"target_host"`
	TargetPort   int    `mapstructure:"target_port"`
	SettingsFile string `mapstructure:"settings_file"`

	SampleRate  int    `mapstructure:"sample_rate"`
	Channels    int    `mapstructure:"channels"`
	FrameMs     int    `mapstructure:"frame_ms"`
	BufferMs    int    `mapstructure:"buffer_ms"`
	Payload     string `mapstructure:"payload"`
	OpusBitrate int    `mapstructure:"opus_bitrate"`

	Capture           string  `mapstructure:"capture"`
	ToneFrequency     float64 `mapstructure:"tone_frequency"`
	FFmpegPath        string  `mapstructure:"ffmpeg_path"`
	FFmpegInputFormat string  `mapstructure:"ffmpeg_input_format"`
	FFmpegDevice      string  `mapstructure:"ffmpeg_device"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxTransient int           `mapstructure:"max_transient"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	MaxEngines   int           `mapstructure:"max_engines"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:    "127.0.0.1:8700",
		TargetHost:    "192.168.29.11",
		TargetPort:    transmit.DefaultPort,
		SampleRate:    audio.DefaultFormat.SampleRate,
		Channels:      audio.DefaultFormat.Channels,
		FrameMs:       int(audio.DefaultFormat.FrameDuration / time.Millisecond),
		BufferMs:      300,
		Payload:       audio.FormatPCM16.String(),
		OpusBitrate:   64000,
		Capture:       capture.KindFFmpeg,
		ToneFrequency: audio.ToneFrequency,
		FFmpegPath:    "ffmpeg",
		DialTimeout:   3 * time.Second,
		WriteTimeout:  250 * time.Millisecond,
		MaxTransient:  3,
		StopTimeout:   2 * time.Second,
		MaxEngines:    1,
	}
}

// Load reads defaults, then cfgFile if given (otherwise openmic.yaml in the
// working directory when present), then OPENMIC_* environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("openmic")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every field so AutomaticEnv can see it during
// Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	forEachField(d, func(key string, val reflect.Value) {
		v.SetDefault(key, val.Interface())
	})
}

func forEachField(c *Config, fn func(key string, val reflect.Value)) {
	rv := reflect.ValueOf(c).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		if key := rt.Field(i).Tag.Get("mapstructure"); key != "" {
			fn(key, rv.Field(i))
		}
	}
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr %q: %w", c.ListenAddr, err))
	}
	if _, err := transmit.ValidateTarget(c.TargetHost, c.TargetPort); err != nil {
		errs = append(errs, fmt.Errorf("target: %w", err))
	}
	if err := c.AudioFormat().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio format: %w", err))
	}
	if c.BufferMs < c.FrameMs {
		errs = append(errs, fmt.Errorf("buffer_ms %d is shorter than one frame (%d ms)", c.BufferMs, c.FrameMs))
	}
	if _, err := audio.ParseSampleFormat(c.Payload); err != nil {
		errs = append(errs, fmt.Errorf("payload: %w", err))
	}
	if c.OpusBitrate < 6000 || c.OpusBitrate > 510000 {
		errs = append(errs, fmt.Errorf("opus_bitrate %d outside 6000..510000", c.OpusBitrate))
	}
	switch c.Capture {
	case capture.KindTone, capture.KindFFmpeg, capture.KindPortAudio:
	default:
		errs = append(errs, fmt.Errorf("capture %q is not one of tone, ffmpeg, portaudio", c.Capture))
	}
	if c.ToneFrequency < 0 || c.ToneFrequency > float64(c.SampleRate)/2 {
		errs = append(errs, fmt.Errorf("tone_frequency %g outside 0..%d", c.ToneFrequency, c.SampleRate/2))
	}
	for name, d := range map[string]time.Duration{
		"dial_timeout":  c.DialTimeout,
		"write_timeout": c.WriteTimeout,
		"stop_timeout":  c.StopTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.MaxTransient < 1 {
		errs = append(errs, fmt.Errorf("max_transient %d is below minimum 1", c.MaxTransient))
	}
	if c.MaxEngines < 1 {
		errs = append(errs, fmt.Errorf("max_engines %d is below minimum 1", c.MaxEngines))
	}

	return errors.Join(errs...)
}

// AudioFormat returns the capture frame layout.
func (c *Config) AudioFormat() audio.Format {
	return audio.Format{
		SampleRate:    c.SampleRate,
		Channels:      c.Channels,
		FrameDuration: time.Duration(c.FrameMs) * time.Millisecond,
	}
}

// PayloadFormat returns the parsed payload encoding. Validate has already
// rejected unknown names.
func (c *Config) PayloadFormat() audio.SampleFormat {
	f, _ := audio.ParseSampleFormat(c.Payload)
	return f
}

// CaptureConfig returns the capture source selection.
func (c *Config) CaptureConfig() capture.Config {
	return capture.Config{
		Kind:          c.Capture,
		ToneFrequency: c.ToneFrequency,
		FFmpeg: capture.FFmpegConfig{
			Path:        c.FFmpegPath,
			InputFormat: c.FFmpegInputFormat,
			Device:      c.FFmpegDevice,
		},
	}
}

// DefaultTarget is the receiver used until the user saves one.
func (c *Config) DefaultTarget() settings.Target {
	return settings.Target{IP: c.TargetHost, Port: c.TargetPort}
}

// TransmitOptions returns the connection tuning.
func (c *Config) TransmitOptions() transmit.Options {
	return transmit.Options{
		DialTimeout:  c.DialTimeout,
		WriteTimeout: c.WriteTimeout,
		MaxTransient: c.MaxTransient,
	}
}

// Dump writes the effective configuration as YAML, in field order and with
// durations in their string form.
func (c *Config) Dump(w io.Writer) error {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	var err error
	forEachField(c, func(key string, val reflect.Value) {
		if err != nil {
			return
		}
		var v any = val.Interface()
		if d, ok := v.(time.Duration); ok {
			v = d.String()
		}
		var node yaml.Node
		if err = node.Encode(v); err != nil {
			return
		}
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			&node)
	})
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
