// Package transmit owns the stream connection to the receiving computer and
// writes packetized frames to it.
package transmit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/metrics"
)

var (
	// ErrConnectFailed wraps every dial failure.
	ErrConnectFailed = errors.New("connect failed")
	// ErrTransient means the packet was dropped but the connection is usable.
	ErrTransient = errors.New("transient send failure")
	// ErrFatal means the connection is lost and retries are exhausted.
	ErrFatal = errors.New("fatal send failure")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transmitter closed")
)

// Dialer opens stream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options tunes connection handling. Zero values take defaults.
type Options struct {
	// DialTimeout bounds each connect attempt. Default: 3s.
	DialTimeout time.Duration
	// WriteTimeout bounds each packet write. Default: 250ms.
	WriteTimeout time.Duration
	// MaxTransient is the number of consecutive transient failures that
	// triggers the reconnect attempt. Default: 3.
	MaxTransient int
	// Dialer overrides the network dialer, mainly for tests.
	Dialer Dialer
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 250 * time.Millisecond
	}
	if o.MaxTransient <= 0 {
		o.MaxTransient = 3
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{KeepAlive: 15 * time.Second}
	}
	return o
}

// Stats is a snapshot of transmitter counters.
type Stats struct {
	PacketsSent    uint64 `json:"packetsSent"`
	BytesSent      uint64 `json:"bytesSent"`
	TransientFails uint64 `json:"transientFailures"`
	Reconnects     uint64 `json:"reconnects"`
}

// Transmitter writes packets to one target over TCP. Send is called from a
// single goroutine; Close may be called from any goroutine.
type Transmitter struct {
	target Target
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	// Owned by the sending goroutine.
	consecutive int
	// A reconnect is allowed once per run of failures; a successful write
	// re-arms it.
	reconnectArmed bool

	statsMu sync.Mutex
	stats   Stats
}

// New creates a transmitter for target. It does not dial.
func New(target Target, opts Options, logger *zap.Logger) *Transmitter {
	return &Transmitter{
		target:         target,
		opts:           opts.withDefaults(),
		logger:         logger.With(zap.String("target", target.Addr())),
		reconnectArmed: true,
	}
}

// Target returns the endpoint this transmitter writes to.
func (t *Transmitter) Target() Target { return t.target }

// Connect dials the target. Failures wrap ErrConnectFailed.
func (t *Transmitter) Connect(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return ErrClosed
	}
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.logger.Info("connected", zap.String("local", conn.LocalAddr().String()))
	return nil
}

func (t *Transmitter) dial(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()

	conn, err := t.opts.Dialer.DialContext(dctx, "tcp", t.target.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, t.target.Addr(), err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Frames are small and latency matters more than coalescing.
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// Send writes one packet. It returns nil on success, an error wrapping
// ErrTransient when the packet was dropped but streaming can continue, and an
// error wrapping ErrFatal when the session cannot continue.
func (t *Transmitter) Send(ctx context.Context, pkt []byte) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %v", ErrFatal, ErrClosed)
	}
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrFatal)
	}

	conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	n, err := conn.Write(pkt)
	if err == nil {
		t.consecutive = 0
		t.reconnectArmed = true
		t.statsMu.Lock()
		t.stats.PacketsSent++
		t.stats.BytesSent += uint64(n)
		t.statsMu.Unlock()
		metrics.PacketsSentTotal.Inc()
		metrics.BytesSentTotal.Add(float64(n))
		return nil
	}

	class := Classify(err)
	metrics.SendErrorsTotal.WithLabelValues(class.String()).Inc()
	if class == Fatal {
		t.logger.Warn("send failed", zap.String("class", class.String()), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}

	t.consecutive++
	t.statsMu.Lock()
	t.stats.TransientFails++
	t.statsMu.Unlock()

	// A partial write leaves half a packet on the stream; the receiver can
	// only resync on a fresh connection.
	partial := n > 0 && n < len(pkt)
	if !partial && t.consecutive < t.opts.MaxTransient {
		return fmt.Errorf("%w (%d/%d): %v", ErrTransient, t.consecutive, t.opts.MaxTransient, err)
	}

	if !t.reconnectArmed {
		return fmt.Errorf("%w: %d consecutive transient failures after reconnect: %v",
			ErrFatal, t.consecutive, err)
	}
	t.reconnectArmed = false

	t.logger.Warn("reconnecting",
		zap.Int("consecutiveFailures", t.consecutive),
		zap.Bool("partialWrite", partial),
		zap.Error(err))
	if rerr := t.reconnect(ctx); rerr != nil {
		metrics.ReconnectsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: reconnect: %v", ErrFatal, rerr)
	}
	metrics.ReconnectsTotal.WithLabelValues("ok").Inc()
	t.consecutive = 0
	t.statsMu.Lock()
	t.stats.Reconnects++
	t.statsMu.Unlock()
	return fmt.Errorf("%w: packet dropped across reconnect", ErrTransient)
}

func (t *Transmitter) reconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	old := t.conn
	t.conn = nil
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return t.Connect(ctx)
}

// Close closes the connection and makes later sends fail. Idempotent.
func (t *Transmitter) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	wasClosed := t.closed
	t.closed = true
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if !wasClosed {
		st := t.Stats()
		t.logger.Info("connection closed",
			zap.Uint64("packetsSent", st.PacketsSent),
			zap.Uint64("bytesSent", st.BytesSent),
			zap.Uint64("reconnects", st.Reconnects))
	}
	return err
}

// Connected reports whether a connection is currently held.
func (t *Transmitter) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Stats returns a snapshot of counters.
func (t *Transmitter) Stats() Stats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}
