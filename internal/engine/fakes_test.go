package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/capture"
)

// deviceTracker counts device acquisitions across every source a factory
// hands out, standing in for the microphone indicator.
type deviceTracker struct {
	opens   atomic.Int32
	closes  atomic.Int32
	created atomic.Int32
	reads   atomic.Int64
}

func (d *deviceTracker) held() int32 { return d.opens.Load() - d.closes.Load() }

// fakeSource produces silent frames at the format cadence. It can be told to
// fail Open, end after a number of frames, or ignore cancellation.
type fakeSource struct {
	format  audio.Format
	tracker *deviceTracker

	openErr  error
	endAfter int
	stubborn bool

	mu        sync.Mutex
	open      bool
	seq       uint32
	closed    chan struct{}
	lastError string
}

func (s *fakeSource) Open(ctx context.Context) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.seq = 0
	s.closed = make(chan struct{})
	s.tracker.opens.Add(1)
	return nil
}

func (s *fakeSource) ReadFrame(ctx context.Context) (*audio.Frame, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, capture.ErrNotOpen
	}
	closed := s.closed
	seq := s.seq
	s.mu.Unlock()

	if s.endAfter > 0 && int(seq) >= s.endAfter {
		s.mu.Lock()
		s.lastError = "device unplugged"
		s.mu.Unlock()
		return nil, capture.ErrEndOfStream
	}

	done := ctx.Done()
	tick := time.After(s.format.FrameDuration)
	if s.stubborn {
		// A driver read that only returns when the device is closed.
		done, tick = nil, nil
	}
	select {
	case <-done:
		return nil, ctx.Err()
	case <-closed:
		return nil, capture.ErrNotOpen
	case <-tick:
	}

	f := audio.AcquireFrame(s.format.FrameBytes())
	clear(f.Data)
	s.mu.Lock()
	f.Seq = s.seq
	s.seq++
	s.mu.Unlock()
	f.Captured = time.Now()
	s.tracker.reads.Add(1)
	return f, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	close(s.closed)
	s.tracker.closes.Add(1)
	return nil
}

func (s *fakeSource) Status() capture.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := capture.Status{State: capture.StateClosed, Device: "fake:mic", FramesRead: uint64(s.seq), LastError: s.lastError}
	switch {
	case s.lastError != "":
		st.State = capture.StateError
	case s.open:
		st.State = capture.StateOpen
	}
	return st
}

type sourceOpts struct {
	openErr  error
	endAfter int
	stubborn bool
}

func fakeFactory(tr *deviceTracker, o sourceOpts) capture.Factory {
	return func(format audio.Format) (capture.Source, error) {
		tr.created.Add(1)
		return &fakeSource{
			format:   format,
			tracker:  tr,
			openErr:  o.openErr,
			endAfter: o.endAfter,
			stubborn: o.stubborn,
		}, nil
	}
}

var errFactory = errors.New("no such backend")

func brokenFactory(tr *deviceTracker) capture.Factory {
	return func(audio.Format) (capture.Source, error) {
		tr.created.Add(1)
		return nil, errFactory
	}
}
