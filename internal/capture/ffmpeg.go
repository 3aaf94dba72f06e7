package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
)

// primeTimeout bounds how long Open waits for the first frame. A device that
// cannot be opened makes ffmpeg exit well before this.
const primeTimeout = 3 * time.Second

// waitDelay bounds how long reaping ffmpeg waits on its output pipes.
const waitDelay = 500 * time.Millisecond

// stderrLimit caps how much ffmpeg diagnostic output is kept for errors.
const stderrLimit = 2048

// FFmpegConfig selects the ffmpeg binary and input device.
type FFmpegConfig struct {
	// Path to the ffmpeg binary. Default: "ffmpeg" from PATH.
	Path string
	// InputFormat is the ffmpeg demuxer for the platform capture API
	// (alsa, pulse, avfoundation, dshow). Default depends on GOOS.
	InputFormat string
	// Device is the input name for that demuxer. Default depends on GOOS.
	Device string
}

func (c FFmpegConfig) withDefaults() FFmpegConfig {
	if c.Path == "" {
		c.Path = "ffmpeg"
	}
	if c.InputFormat == "" {
		switch runtime.GOOS {
		case "darwin":
			c.InputFormat = "avfoundation"
		case "windows":
			c.InputFormat = "dshow"
		default:
			c.InputFormat = "alsa"
		}
	}
	if c.Device == "" {
		switch c.InputFormat {
		case "avfoundation":
			c.Device = ":0"
		case "dshow":
			c.Device = "audio=default"
		default:
			c.Device = "default"
		}
	}
	return c
}

// FFmpegSource captures from a system input device by running ffmpeg and
// reading raw PCM s16le from its stdout.
type FFmpegSource struct {
	cfg    FFmpegConfig
	format audio.Format
	logger *zap.Logger
	stamper

	mu        sync.Mutex
	state     string
	lastError string
	cancel    context.CancelFunc
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    *tailBuffer
	pending   *audio.Frame

	// reads tracks ReadFrame calls blocked on stdout. Close waits for them
	// before reaping the process, which closes the pipe.
	reads sync.WaitGroup
}

// NewFFmpegSource creates an ffmpeg-backed capture source.
func NewFFmpegSource(cfg FFmpegConfig, format audio.Format, logger *zap.Logger) *FFmpegSource {
	cfg = cfg.withDefaults()
	return &FFmpegSource{
		cfg:    cfg,
		format: format,
		logger: logger.With(zap.String("captureDevice", cfg.InputFormat+":"+cfg.Device)),
		state:  StateClosed,
	}
}

// Args returns the ffmpeg command line used for capture.
func (f *FFmpegSource) Args() []string {
	return []string{
		"-nostdin",
		"-hide_banner", "-loglevel", "error",
		"-f", f.cfg.InputFormat,
		"-i", f.cfg.Device,
		"-vn",
		"-ac", strconv.Itoa(f.format.Channels),
		"-ar", strconv.Itoa(f.format.SampleRate),
		"-f", "s16le",
		"pipe:1",
	}
}

// Open starts ffmpeg and waits for the first frame so that a missing or busy
// device is reported here rather than on the first read.
func (f *FFmpegSource) Open(ctx context.Context) error {
	if err := f.format.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	f.mu.Lock()
	if f.state == StateOpen || f.state == StateOpening {
		f.mu.Unlock()
		return fmt.Errorf("%w: capture already open", ErrDeviceUnavailable)
	}
	f.state = StateOpening
	f.lastError = ""
	f.reset()

	// The process outlives Open's ctx; Close owns its lifetime.
	procCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.mu.Unlock()

	cmd := exec.CommandContext(procCtx, f.cfg.Path, f.Args()...)
	// Bounds Wait when a child of ffmpeg keeps stderr open after the kill.
	cmd.WaitDelay = waitDelay
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return f.fail(fmt.Errorf("stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return f.fail(fmt.Errorf("ffmpeg start: %w", err))
	}

	first := audio.AcquireFrame(f.format.FrameBytes())
	primed := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(stdout, first.Data)
		primed <- err
	}()

	var primeErr error
	received := false
	select {
	case primeErr = <-primed:
		received = true
	case <-ctx.Done():
		primeErr = ctx.Err()
	case <-time.After(primeTimeout):
		primeErr = errors.New("no audio within prime timeout")
	}
	if primeErr != nil {
		cancel()
		if !received {
			<-primed
		}
		cmd.Wait()
		audio.ReleaseFrame(first)
		if msg := stderr.String(); msg != "" {
			primeErr = fmt.Errorf("%v: %s", primeErr, msg)
		}
		return f.fail(primeErr)
	}
	f.stamp(first)

	f.mu.Lock()
	f.cmd = cmd
	f.stdout = stdout
	f.stderr = stderr
	f.pending = first
	f.state = StateOpen
	f.mu.Unlock()

	f.logger.Info("capture opened",
		zap.Int("sampleRate", f.format.SampleRate),
		zap.Int("channels", f.format.Channels))
	return nil
}

func (f *FFmpegSource) ReadFrame(ctx context.Context) (*audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.state != StateOpen {
		f.mu.Unlock()
		return nil, ErrNotOpen
	}
	if p := f.pending; p != nil {
		f.pending = nil
		f.mu.Unlock()
		return p, nil
	}
	stdout := f.stdout
	f.reads.Add(1)
	f.mu.Unlock()
	defer f.reads.Done()

	fr := audio.AcquireFrame(f.format.FrameBytes())
	if _, err := io.ReadFull(stdout, fr.Data); err != nil {
		audio.ReleaseFrame(fr)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.mu.Lock()
		closed := f.state != StateOpen
		f.mu.Unlock()
		if closed {
			return nil, ErrNotOpen
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			f.setError("ffmpeg exited: " + f.stderr.String())
			return nil, ErrEndOfStream
		}
		f.setError(err.Error())
		return nil, fmt.Errorf("read capture pipe: %w", err)
	}
	f.stamp(fr)
	return fr, nil
}

// Close kills ffmpeg, unblocks any reader and waits for the process to
// exit. Idempotent.
func (f *FFmpegSource) Close() error {
	f.mu.Lock()
	cancel, cmd, stdout, pending := f.cancel, f.cmd, f.stdout, f.pending
	wasOpen := f.state == StateOpen
	f.cancel, f.cmd, f.stdout, f.pending = nil, nil, nil, nil
	if f.state != StateError {
		f.state = StateClosed
	}
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	audio.ReleaseFrame(pending)
	if stdout != nil {
		// A child of ffmpeg may still hold the write end after the kill.
		stdout.Close()
	}
	f.reads.Wait()
	if cmd != nil {
		// Killed by cancel; the exit status carries no information.
		cmd.Wait()
	}
	if wasOpen {
		f.logger.Info("capture closed", zap.Uint64("framesRead", f.count()))
	}
	return nil
}

func (f *FFmpegSource) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{
		State:      f.state,
		Device:     f.cfg.InputFormat + ":" + f.cfg.Device,
		FramesRead: f.count(),
		LastError:  f.lastError,
	}
}

func (f *FFmpegSource) fail(err error) error {
	f.setError(err.Error())
	f.logger.Warn("capture open failed", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

func (f *FFmpegSource) setError(msg string) {
	f.mu.Lock()
	f.state = StateError
	f.lastError = msg
	f.mu.Unlock()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
