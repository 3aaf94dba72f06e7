package testutil

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/packet"
)

// Received is one packet seen by a Receiver.
type Received struct {
	Header  packet.Header
	Payload []byte
	// Conn is the 1-based index of the connection the packet arrived on.
	Conn int
}

// Receiver is a loopback TCP endpoint that parses the stream protocol, standing
// in for the receiving computer.
type Receiver struct {
	ln net.Listener
	wg sync.WaitGroup

	mu        sync.Mutex
	conns     []net.Conn
	ended     int
	packets   []Received
	errs      []error
	notify    chan struct{}
	closed    bool
	closeOnce sync.Once
}

// NewReceiver listens on an ephemeral loopback port. It is closed by
// t.Cleanup.
func NewReceiver(t *testing.T) *Receiver {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("receiver listen: %v", err)
	}
	r := &Receiver{ln: ln, notify: make(chan struct{}, 1)}
	r.wg.Add(1)
	go r.acceptLoop()
	t.Cleanup(r.Close)
	return r
}

// Host returns the listening IP.
func (r *Receiver) Host() string {
	return r.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (r *Receiver) Port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

// Addr returns host:port.
func (r *Receiver) Addr() string {
	return net.JoinHostPort(r.Host(), strconv.Itoa(r.Port()))
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return
		}
		r.conns = append(r.conns, conn)
		idx := len(r.conns)
		r.mu.Unlock()

		r.wg.Add(1)
		go r.readLoop(conn, idx)
	}
}

func (r *Receiver) readLoop(conn net.Conn, idx int) {
	defer r.wg.Done()
	defer func() {
		conn.Close()
		r.mu.Lock()
		r.ended++
		r.mu.Unlock()
	}()
	pr := packet.NewReader(conn)
	for {
		h, payload, err := pr.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				r.mu.Lock()
				r.errs = append(r.errs, err)
				r.mu.Unlock()
			}
			return
		}
		p := make([]byte, len(payload))
		copy(p, payload)
		r.mu.Lock()
		r.packets = append(r.packets, Received{Header: h, Payload: p, Conn: idx})
		r.mu.Unlock()
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
}

// Packets returns a copy of everything received so far.
func (r *Receiver) Packets() []Received {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Received, len(r.packets))
	copy(out, r.packets)
	return out
}

// Connections returns how many connections have been accepted.
func (r *Receiver) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// OpenConnections returns accepted connections the sender has not closed.
func (r *Receiver) OpenConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns) - r.ended
}

// WaitAllClosed blocks until the sender has closed every connection.
func (r *Receiver) WaitAllClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.OpenConnections() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected all connections closed within %v, %d still open", timeout, r.OpenConnections())
}

// Errors returns protocol errors seen on any connection.
func (r *Receiver) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// WaitPackets blocks until at least n packets have arrived or timeout passes.
func (r *Receiver) WaitPackets(t *testing.T, n int, timeout time.Duration) []Received {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if got := r.Packets(); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline.C:
			t.Fatalf("expected %d packets within %v, got %d", n, timeout, len(r.Packets()))
			return nil
		}
	}
}

// WaitConnections blocks until at least n connections were accepted.
func (r *Receiver) WaitConnections(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.Connections() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d connections within %v, got %d", n, timeout, r.Connections())
}

// DropConnections closes every accepted connection, as a receiver that
// restarts would. The listener keeps accepting.
func (r *Receiver) DropConnections() {
	r.mu.Lock()
	conns := append([]net.Conn(nil), r.conns...)
	r.mu.Unlock()
	for _, c := range conns {
		if tc, ok := c.(*net.TCPConn); ok {
			// RST instead of FIN so the sender sees a reset promptly.
			tc.SetLinger(0)
		}
		c.Close()
	}
}

// Close stops the listener and all connections and waits for the reader
// goroutines. Idempotent.
func (r *Receiver) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		conns := append([]net.Conn(nil), r.conns...)
		r.mu.Unlock()
		r.ln.Close()
		for _, c := range conns {
			c.Close()
		}
		r.wg.Wait()
	})
}

// RefusingAddr returns a loopback host and port with nothing listening, so a
// dial to it is refused.
func RefusingAddr(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	return addr.IP.String(), addr.Port
}
