package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/capture"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/framebuffer"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/metrics"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/packet"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/transmit"
)

// Failure causes reported by the workers.
const (
	causeCaptureEnded = "capture_ended"
	causeCaptureError = "capture_error"
	causeEncode       = "encode_error"
	causeSend         = "send_fatal"
)

// failFunc is called at most once per session, from a worker goroutine.
type failFunc func(s *session, cause string, err error)

// session owns the live resources of one run between start and stop: the
// capture source, the connection, the encoder, the frame buffer and the two
// workers moving frames through them.
type session struct {
	id        string
	logger    *zap.Logger
	startedAt time.Time

	src capture.Source
	tx  *transmit.Transmitter
	enc audio.Encoder
	buf *framebuffer.Buffer

	ctx    context.Context
	cancel context.CancelFunc

	captureDone  chan struct{}
	transmitDone chan struct{}

	onFail   failFunc
	failOnce sync.Once

	captured atomic.Uint64
	skipped  atomic.Uint64
	lastSeq  atomic.Uint32
}

// openSession acquires everything a session needs in the order connection,
// encoder, capture device. No audio is captured when the connect fails, and
// every resource acquired so far is released when a later step fails.
func (c *Controller) openSession(ctx context.Context, h Handle, host string, port int) (*session, error) {
	id := uuid.NewString()
	logger := c.logger.With(zap.Stringer("handle", h), zap.String("session", id))

	target, err := transmit.ValidateTarget(host, port)
	if err != nil {
		return nil, err
	}

	tx := transmit.New(target, c.opts.Transmit, logger)
	if err := tx.Connect(ctx); err != nil {
		tx.Close()
		return nil, err
	}

	enc, err := audio.NewEncoder(c.opts.Payload, c.opts.Format, c.opts.Bitrate)
	if err != nil {
		tx.Close()
		return nil, err
	}

	src, err := c.opts.Capture(c.opts.Format)
	if err != nil {
		enc.Close()
		tx.Close()
		return nil, err
	}
	if err := src.Open(ctx); err != nil {
		src.Close()
		enc.Close()
		tx.Close()
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:           id,
		logger:       logger,
		src:          src,
		tx:           tx,
		enc:          enc,
		buf:          framebuffer.New(framebuffer.CapacityFor(c.opts.BufferWindow, c.opts.Format.FrameDuration)),
		ctx:          sctx,
		cancel:       cancel,
		captureDone:  make(chan struct{}),
		transmitDone: make(chan struct{}),
	}, nil
}

// run launches the workers.
func (s *session) run(onFail failFunc) {
	s.onFail = onFail
	s.startedAt = time.Now()
	go s.captureLoop()
	go s.transmitLoop()
	s.logger.Info("session running",
		zap.String("target", s.tx.Target().Addr()),
		zap.Int("bufferFrames", s.buf.Cap()))
}

func (s *session) fail(cause string, err error) {
	s.failOnce.Do(func() {
		// Stop the sibling worker; resources stay held until the host stops
		// the engine.
		s.cancel()
		s.buf.Close()
		if s.onFail != nil {
			s.onFail(s, cause, err)
		}
	})
}

// captureLoop reads frames at the device cadence and hands them to the
// buffer. It never waits on the network.
func (s *session) captureLoop() {
	defer close(s.captureDone)
	for {
		f, err := s.src.ReadFrame(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, capture.ErrEndOfStream) {
				s.fail(causeCaptureEnded, err)
			} else {
				s.fail(causeCaptureError, err)
			}
			return
		}
		s.captured.Add(1)
		metrics.FramesCapturedTotal.Inc()

		dropped := s.buf.Push(f)
		if dropped == f {
			// Buffer closed under us.
			audio.ReleaseFrame(f)
			return
		}
		if dropped != nil {
			audio.ReleaseFrame(dropped)
			metrics.FramesDroppedTotal.WithLabelValues("overflow").Inc()
		}
	}
}

// transmitLoop drains the buffer through the encoder and packetizer onto
// the connection.
func (s *session) transmitLoop() {
	defer close(s.transmitDone)

	payload := make([]byte, 0, audio.MaxPayloadBytes)
	pkt := make([]byte, 0, packet.HeaderSize+audio.MaxPayloadBytes)

	for {
		f, ok := s.buf.Pop()
		if !ok {
			return
		}
		metrics.BufferedFrames.Set(float64(s.buf.Len()))

		out, format, err := s.enc.Encode(f, payload)
		if err != nil {
			audio.ReleaseFrame(f)
			s.fail(causeEncode, err)
			return
		}
		pkt = packet.Append(pkt[:0], f.Seq, format, out)
		seq, captured := f.Seq, f.Captured
		audio.ReleaseFrame(f)

		err = s.tx.Send(s.ctx, pkt)
		switch {
		case err == nil:
			s.lastSeq.Store(seq)
			metrics.SendLatency.Observe(float64(time.Since(captured).Microseconds()) / 1000.0)
		case errors.Is(err, transmit.ErrTransient):
			s.skipped.Add(1)
			metrics.FramesDroppedTotal.WithLabelValues("send").Inc()
			s.logger.Debug("packet dropped", zap.Uint32("seq", seq), zap.Error(err))
		default:
			if s.ctx.Err() != nil {
				return
			}
			s.fail(causeSend, err)
			return
		}
	}
}

// shutdown signals both workers, waits up to timeout for them, then
// releases the device, encoder and connection whether or not they exited.
// It reports whether both workers joined in time.
func (s *session) shutdown(timeout time.Duration) bool {
	s.cancel()
	s.buf.Close()

	joined := true
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, w := range []struct {
		name string
		done chan struct{}
	}{{"capture", s.captureDone}, {"transmit", s.transmitDone}} {
		select {
		case <-w.done:
		case <-timer.C:
			joined = false
			metrics.JoinTimeoutsTotal.Inc()
			s.logger.Warn("worker did not exit in time, reclaiming anyway",
				zap.String("worker", w.name),
				zap.Duration("timeout", timeout))
		}
		if !joined {
			break
		}
	}

	// Closing the source and the connection unblocks a worker stuck in a
	// device read or a socket write.
	s.src.Close()
	s.tx.Close()

	select {
	case <-s.transmitDone:
		s.enc.Close()
	default:
		go func() {
			<-s.transmitDone
			s.enc.Close()
		}()
	}

	for _, f := range s.buf.Drain() {
		audio.ReleaseFrame(f)
	}
	metrics.BufferedFrames.Set(0)

	st := s.tx.Stats()
	s.logger.Info("session stopped",
		zap.Duration("uptime", time.Since(s.startedAt)),
		zap.Uint64("framesCaptured", s.captured.Load()),
		zap.Uint64("framesDropped", s.buf.Dropped()),
		zap.Uint64("packetsSent", st.PacketsSent),
		zap.Bool("joined", joined))
	return joined
}

// stats fills the session part of s.
func (s *session) stats(out *Stats) {
	st := s.tx.Stats()
	started := s.startedAt
	out.SessionID = s.id
	out.Target = s.tx.Target().Addr()
	if !started.IsZero() {
		out.StartedAt = &started
	}
	out.FramesCaptured = s.captured.Load()
	out.FramesDropped = s.buf.Dropped()
	out.FramesSkipped = s.skipped.Load()
	out.PacketsSent = st.PacketsSent
	out.BytesSent = st.BytesSent
	out.Reconnects = st.Reconnects
	out.Buffered = s.buf.Len()
	out.BufferCap = s.buf.Cap()
	out.LastSequence = s.lastSeq.Load()
	if st, ok := s.src.(capture.Statuser); ok {
		cs := st.Status()
		out.CaptureDevice = cs.Device
		out.CaptureState = cs.State
		out.CaptureError = cs.LastError
	}
}
