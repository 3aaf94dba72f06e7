// Package engine is the handle-based control surface of the audio streamer.
// A Controller owns a registry of engines; each engine runs at most one
// stream session, moving captured frames through a bounded buffer and a
// packetizer onto a TCP connection.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/capture"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/events"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/metrics"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/transmit"
)

// Options configures a Controller. Zero values take defaults.
type Options struct {
	// Format of captured frames. Default: audio.DefaultFormat.
	Format audio.Format
	// Payload encoding. Default: audio.FormatPCM16.
	Payload audio.SampleFormat
	// Bitrate for Opus payloads in bits per second.
	Bitrate int
	// BufferWindow is the jitter the frame buffer absorbs. Default: 300ms.
	BufferWindow time.Duration
	// StopTimeout bounds the worker join on stop. Default: 2s.
	StopTimeout time.Duration
	// MaxEngines bounds live handles. Default: 1.
	MaxEngines int
	// Transmit tunes the connection.
	Transmit transmit.Options
	// Capture builds the source for each session. Default: a 440 Hz tone.
	Capture capture.Factory
}

func (o Options) withDefaults() Options {
	if o.Format == (audio.Format{}) {
		o.Format = audio.DefaultFormat
	}
	if o.Payload == 0 {
		o.Payload = audio.FormatPCM16
	}
	if o.BufferWindow <= 0 {
		o.BufferWindow = 300 * time.Millisecond
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 2 * time.Second
	}
	if o.MaxEngines <= 0 {
		o.MaxEngines = 1
	}
	if o.Capture == nil {
		o.Capture = func(f audio.Format) (capture.Source, error) {
			return capture.NewToneSource(f, audio.ToneFrequency), nil
		}
	}
	return o
}

// entry is one engine in the registry.
type entry struct {
	handle Handle

	// op serializes lifecycle calls on this engine so that start, stop and
	// destroy never interleave. It is always taken before Controller.mu.
	op sync.Mutex

	// Guarded by Controller.mu.
	state     State
	sess      *session
	destroyed bool
	last      Stats
}

type slot struct {
	gen   uint32
	entry *entry
}

// Controller is the registry of engines.
type Controller struct {
	opts   Options
	logger *zap.Logger
	bus    *events.Bus[StateChange]

	// base is cancelled by Close so that an in-flight start gives up.
	base       context.Context
	cancelBase context.CancelFunc

	mu     sync.RWMutex
	slots  []slot
	free   []uint32
	live   int
	closed bool
}

// NewController validates opts and creates an empty registry.
func NewController(opts Options, logger *zap.Logger) (*Controller, error) {
	opts = opts.withDefaults()
	if err := opts.Format.Validate(); err != nil {
		return nil, fmt.Errorf("audio format: %w", err)
	}
	switch opts.Payload {
	case audio.FormatPCM16, audio.FormatOpus:
	default:
		return nil, fmt.Errorf("unsupported payload format %s", opts.Payload)
	}

	for _, s := range States {
		metrics.EngineState.WithLabelValues(string(s)).Set(0)
	}

	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:       opts,
		logger:     logger,
		bus:        events.NewBus[StateChange](),
		base:       base,
		cancelBase: cancel,
	}, nil
}

// Create allocates an engine in the idle state.
func (c *Controller) Create() (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, newError(CodeInternalError, "create", 0, errors.New("controller closed"))
	}
	if c.live >= c.opts.MaxEngines {
		metrics.CreateRejectionsTotal.Inc()
		return 0, newError(CodeResourceExhausted, "create", 0,
			fmt.Errorf("%d of %d engines in use", c.live, c.opts.MaxEngines))
	}

	var idx uint32
	if n := len(c.free); n > 0 {
		idx = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		idx = uint32(len(c.slots))
		c.slots = append(c.slots, slot{gen: 1})
	}
	h := makeHandle(idx, c.slots[idx].gen)
	e := &entry{handle: h, state: StateIdle}
	e.last = Stats{Handle: h, State: StateIdle}
	c.slots[idx].entry = e
	c.live++

	metrics.LiveHandles.Inc()
	metrics.EngineState.WithLabelValues(string(StateIdle)).Inc()
	c.logger.Info("engine created", zap.Stringer("handle", h))
	return h, nil
}

// lookupLocked resolves h. Caller holds c.mu.
func (c *Controller) lookupLocked(h Handle) (*entry, bool) {
	idx := h.slot()
	if h == 0 || int(idx) >= len(c.slots) {
		return nil, false
	}
	s := c.slots[idx]
	if s.gen != h.gen() || s.entry == nil || s.entry.destroyed {
		return nil, false
	}
	return s.entry, true
}

func (c *Controller) lookup(op string, h Handle) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.lookupLocked(h)
	if !ok {
		return nil, newError(CodeInvalidHandle, op, h, nil)
	}
	return e, nil
}

// acquire resolves h and takes its op lock, re-checking validity once held.
func (c *Controller) acquire(op string, h Handle) (*entry, error) {
	e, err := c.lookup(op, h)
	if err != nil {
		return nil, err
	}
	e.op.Lock()
	c.mu.RLock()
	destroyed := e.destroyed
	c.mu.RUnlock()
	if destroyed {
		e.op.Unlock()
		return nil, newError(CodeInvalidHandle, op, h, nil)
	}
	return e, nil
}

// setStateLocked records a transition and publishes it. Caller holds c.mu
// for writing.
func (c *Controller) setStateLocked(e *entry, to State, sessionID string, cause error) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	metrics.EngineState.WithLabelValues(string(from)).Dec()
	metrics.EngineState.WithLabelValues(string(to)).Inc()
	if to == StateRunning {
		metrics.ActiveSessions.Inc()
	} else if from == StateRunning {
		metrics.ActiveSessions.Dec()
	}

	ch := StateChange{
		Handle:    e.handle,
		SessionID: sessionID,
		From:      from,
		To:        to,
		At:        time.Now(),
	}
	if cause != nil {
		ch.Code = CodeOf(cause)
		ch.Cause = cause.Error()
	}
	c.logger.Info("state change",
		zap.Stringer("handle", e.handle),
		zap.String("session", sessionID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("cause", ch.Cause))
	c.bus.Publish(ch)
}

// Start opens a stream session for h to host:port. On success the engine is
// running; on failure every acquired resource has been released and the
// engine is idle again.
func (c *Controller) Start(h Handle, host string, port int) error {
	e, err := c.acquire("start", h)
	if err != nil {
		return err
	}
	defer e.op.Unlock()

	c.mu.Lock()
	if e.state != StateIdle {
		st := e.state
		c.mu.Unlock()
		return newError(CodeAlreadyRunning, "start", h, fmt.Errorf("engine is %s", st))
	}
	c.setStateLocked(e, StateStarting, "", nil)
	c.mu.Unlock()

	sess, err := c.openSession(c.base, h, host, port)
	if err != nil {
		serr := newError(classify(err), "start", h, err)
		metrics.StartFailuresTotal.WithLabelValues(serr.Code.String()).Inc()
		c.logger.Warn("start failed",
			zap.Stringer("handle", h),
			zap.String("code", serr.Code.String()),
			zap.Error(err))

		c.mu.Lock()
		e.last.LastError = err.Error()
		e.last.LastErrorCode = serr.Code
		c.setStateLocked(e, StateIdle, "", serr)
		c.mu.Unlock()
		return serr
	}

	c.mu.Lock()
	e.sess = sess
	e.last = Stats{Handle: h}
	c.setStateLocked(e, StateRunning, sess.id, nil)
	// Workers start only once the state says running.
	sess.run(func(s *session, cause string, err error) {
		c.sessionFailed(e, s, cause, err)
	})
	c.mu.Unlock()
	return nil
}

// sessionFailed moves a running engine to failed. It is a no-op when the
// session is already being stopped.
func (c *Controller) sessionFailed(e *entry, s *session, cause string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.sess != s || e.state != StateRunning {
		return
	}
	metrics.SessionFailuresTotal.WithLabelValues(cause).Inc()
	s.logger.Error("session failed", zap.String("cause", cause), zap.Error(err))

	code := CodeInternalError
	if cause == causeSend {
		code = CodeConnectFailed
	} else if cause == causeCaptureEnded || cause == causeCaptureError {
		code = CodeDeviceUnavailable
	}
	ferr := newError(code, "stream", e.handle, err)
	e.last.LastError = ferr.Error()
	e.last.LastErrorCode = code
	c.setStateLocked(e, StateFailed, s.id, ferr)
}

// Stop ends the session of h if one exists. Stopping an idle engine is a
// no-op; stopping a failed engine releases its resources.
func (c *Controller) Stop(h Handle) error {
	e, err := c.acquire("stop", h)
	if err != nil {
		return err
	}
	defer e.op.Unlock()
	c.stopLocked(e)
	return nil
}

// stopLocked tears down the session of e. Caller holds e.op.
func (c *Controller) stopLocked(e *entry) {
	c.mu.Lock()
	sess := e.sess
	if sess == nil || (e.state != StateRunning && e.state != StateFailed) {
		c.mu.Unlock()
		return
	}
	if e.state == StateRunning {
		c.setStateLocked(e, StateStopping, sess.id, nil)
	}
	c.mu.Unlock()

	sess.shutdown(c.opts.StopTimeout)

	c.mu.Lock()
	last := e.last
	sess.stats(&last)
	e.last = last
	e.sess = nil
	c.setStateLocked(e, StateIdle, sess.id, nil)
	c.mu.Unlock()
}

// Destroy stops h if needed and invalidates it.
func (c *Controller) Destroy(h Handle) error {
	e, err := c.acquire("destroy", h)
	if err != nil {
		return err
	}
	defer e.op.Unlock()
	c.stopLocked(e)

	c.mu.Lock()
	e.destroyed = true
	idx := h.slot()
	c.slots[idx].entry = nil
	c.slots[idx].gen++
	if c.slots[idx].gen == 0 {
		c.slots[idx].gen = 1
	}
	c.free = append(c.free, idx)
	c.live--
	metrics.EngineState.WithLabelValues(string(e.state)).Dec()
	c.mu.Unlock()

	metrics.LiveHandles.Dec()
	c.logger.Info("engine destroyed", zap.Stringer("handle", h))
	return nil
}

// State returns the lifecycle state of h.
func (c *Controller) State(h Handle) (State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.lookupLocked(h)
	if !ok {
		return "", newError(CodeInvalidHandle, "state", h, nil)
	}
	return e.state, nil
}

// Stats returns counters for the current session of h, or for its most
// recent one when idle.
func (c *Controller) Stats(h Handle) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.lookupLocked(h)
	if !ok {
		return Stats{}, newError(CodeInvalidHandle, "stats", h, nil)
	}
	out := e.last
	out.Handle = h
	out.State = e.state
	if e.sess != nil {
		e.sess.stats(&out)
	}
	return out, nil
}

// Handles lists live handles in slot order.
func (c *Controller) Handles() []Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Handle, 0, c.live)
	for _, s := range c.slots {
		if s.entry != nil {
			out = append(out, s.entry.handle)
		}
	}
	return out
}

// Subscribe returns a channel of state changes and a func to unsubscribe.
// A subscriber that falls more than buffer events behind misses events.
func (c *Controller) Subscribe(buffer int) (<-chan StateChange, func()) {
	return c.bus.Subscribe(buffer)
}

// OnStateChange calls fn on its own goroutine for every state change until
// the returned func is called or the controller is closed.
func (c *Controller) OnStateChange(fn func(StateChange)) func() {
	return c.bus.Handle(fn)
}

// Close destroys every engine and ends all subscriptions. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancelBase()
	for _, h := range c.Handles() {
		if err := c.Destroy(h); err != nil && CodeOf(err) != CodeInvalidHandle {
			c.logger.Warn("destroy on close failed", zap.Stringer("handle", h), zap.Error(err))
		}
	}
	c.bus.Close()
	c.logger.Info("controller closed", zap.Uint64("eventsDropped", c.bus.Dropped()))
}
