package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/capture"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/metrics"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/testutil"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/transmit"
)

func newTestController(t *testing.T, opts Options) *Controller {
	t.Helper()
	c, err := NewController(opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func waitState(t *testing.T, ch <-chan StateChange, h Handle, want State) StateChange {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "subscription closed before %s", want)
			if ev.Handle == h && ev.To == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("expected transition to %s", want)
			return StateChange{}
		}
	}
}

func TestCreateAndDestroy(t *testing.T) {
	c := newTestController(t, Options{})

	h, err := c.Create()
	require.NoError(t, err)
	assert.NotZero(t, h)

	st, err := c.State(h)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st)

	require.NoError(t, c.Destroy(h))

	_, err = c.State(h)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, c.Start(h, "127.0.0.1", 1), ErrInvalidHandle)
	assert.ErrorIs(t, c.Stop(h), ErrInvalidHandle)
	assert.ErrorIs(t, c.Destroy(h), ErrInvalidHandle)
	assert.Equal(t, CodeInvalidHandle, CodeOf(c.Destroy(h)))
}

func TestZeroHandleIsInvalid(t *testing.T) {
	c := newTestController(t, Options{})
	assert.ErrorIs(t, c.Start(0, "127.0.0.1", 1), ErrInvalidHandle)
	assert.ErrorIs(t, c.Stop(0), ErrInvalidHandle)
	_, err := c.Stats(0)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestSingleInstance(t *testing.T) {
	c := newTestController(t, Options{})

	h1, err := c.Create()
	require.NoError(t, err)

	rejected := promtest.ToFloat64(metrics.CreateRejectionsTotal)
	startFailed := promtest.ToFloat64(metrics.StartFailuresTotal.WithLabelValues(CodeResourceExhausted.String()))

	_, err = c.Create()
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, CodeResourceExhausted, CodeOf(err))
	assert.Equal(t, rejected+1, promtest.ToFloat64(metrics.CreateRejectionsTotal))
	assert.Equal(t, startFailed, promtest.ToFloat64(metrics.StartFailuresTotal.WithLabelValues(CodeResourceExhausted.String())),
		"a refused create is not a start failure")

	require.NoError(t, c.Destroy(h1))
	h2, err := c.Create()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "a reused slot must not resurrect the old handle")

	_, err = c.State(h1)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestStartStreamsSequencedPackets(t *testing.T) {
	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	c := newTestController(t, Options{Capture: fakeFactory(tr, sourceOpts{})})

	h, err := c.Create()
	require.NoError(t, err)
	require.NoError(t, c.Start(h, rx.Host(), rx.Port()))

	st, _ := c.State(h)
	assert.Equal(t, StateRunning, st)

	got := rx.WaitPackets(t, 10, 3*time.Second)
	for i, p := range got {
		assert.Equal(t, uint32(i), p.Header.Sequence, "packet %d", i)
		assert.Equal(t, 1920, int(p.Header.Length))
		assert.Len(t, p.Payload, 1920)
	}

	stats, err := c.Stats(h)
	require.NoError(t, err)
	assert.NotEmpty(t, stats.SessionID)
	assert.Equal(t, rx.Addr(), stats.Target)
	assert.GreaterOrEqual(t, stats.PacketsSent, uint64(10))
	assert.Equal(t, 15, stats.BufferCap)

	require.NoError(t, c.Stop(h))
	st, _ = c.State(h)
	assert.Equal(t, StateIdle, st)
	assert.Zero(t, tr.held(), "capture device still held after stop")
	rx.WaitAllClosed(t, 2*time.Second)

	after, err := c.Stats(h)
	require.NoError(t, err)
	assert.Equal(t, stats.SessionID, after.SessionID, "idle stats describe the last session")
}

func TestStartRefusedNeverCaptures(t *testing.T) {
	host, port := testutil.RefusingAddr(t)
	tr := &deviceTracker{}
	c := newTestController(t, Options{Capture: fakeFactory(tr, sourceOpts{})})

	h, err := c.Create()
	require.NoError(t, err)

	err = c.Start(h, host, port)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, transmit.ErrConnectFailed)
	assert.Equal(t, CodeConnectFailed, CodeOf(err))

	assert.Zero(t, tr.created.Load(), "capture source built despite failed connect")
	assert.Zero(t, tr.opens.Load())
	st, _ := c.State(h)
	assert.Equal(t, StateIdle, st)

	stats, _ := c.Stats(h)
	assert.Equal(t, CodeConnectFailed, stats.LastErrorCode)
}

func TestStartInvalidTarget(t *testing.T) {
	c := newTestController(t, Options{})
	h, err := c.Create()
	require.NoError(t, err)

	for _, tc := range []struct {
		host string
		port int
	}{{"", 48123}, {"127.0.0.1", 0}, {"not a host", 48123}} {
		err := c.Start(h, tc.host, tc.port)
		assert.ErrorIs(t, err, ErrConnectFailed, "%q:%d", tc.host, tc.port)
		assert.ErrorIs(t, err, transmit.ErrInvalidTarget)
	}
	st, _ := c.State(h)
	assert.Equal(t, StateIdle, st)
}

func TestStartDeviceUnavailableReleasesConnection(t *testing.T) {
	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	denied := fmt.Errorf("%w: permission revoked", capture.ErrDeviceUnavailable)
	c := newTestController(t, Options{Capture: fakeFactory(tr, sourceOpts{openErr: denied})})

	h, err := c.Create()
	require.NoError(t, err)

	err = c.Start(h, rx.Host(), rx.Port())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, CodeDeviceUnavailable, CodeOf(err))

	st, _ := c.State(h)
	assert.Equal(t, StateIdle, st)
	rx.WaitConnections(t, 1, 2*time.Second)
	rx.WaitAllClosed(t, 2*time.Second)
	assert.Empty(t, rx.Packets())
}

func TestStartCaptureBackendErrorIsInternal(t *testing.T) {
	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	c := newTestController(t, Options{Capture: brokenFactory(tr)})

	h, err := c.Create()
	require.NoError(t, err)

	err = c.Start(h, rx.Host(), rx.Port())
	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, errFactory)
	rx.WaitAllClosed(t, 2*time.Second)
}

func TestStartWhileRunningLeavesSessionAlone(t *testing.T) {
	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	c := newTestController(t, Options{Capture: fakeFactory(tr, sourceOpts{})})

	h, err := c.Create()
	require.NoError(t, err)
	require.NoError(t, c.Start(h, rx.Host(), rx.Port()))
	before, _ := c.Stats(h)

	err = c.Start(h, rx.Host(), rx.Port())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, CodeAlreadyRunning, CodeOf(err))

	after, _ := c.Stats(h)
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, StateRunning, after.State)
	assert.Equal(t, 1, rx.Connections())
	assert.Equal(t, int32(1), tr.opens.Load())

	// Packets keep flowing on the original connection.
	got := rx.WaitPackets(t, 5, 2*time.Second)
	for _, p := range got {
		assert.Equal(t, 1, p.Conn)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	c := newTestController(t, Options{Capture: fakeFactory(tr, sourceOpts{})})

	h, err := c.Create()
	require.NoError(t, err)

	require.NoError(t, c.Stop(h), "stop on idle is a no-op")

	require.NoError(t, c.Start(h, rx.Host(), rx.Port()))
	require.NoError(t, c.Stop(h))
	first, _ := c.Stats(h)
	require.NoError(t, c.Stop(h))
	second, _ := c.Stats(h)

	assert.Equal(t, StateIdle, second.State)
	assert.Equal(t, first, second)
	assert.Zero(t, tr.held())
}

func TestRestartAfterStop(t *testing.T) {
	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	c := newTestController(t, Options{Capture: fakeFactory(tr, sourceOpts{})})

	h, err := c.Create()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Start(h, rx.Host(), rx.Port()))
		rx.WaitConnections(t, i+1, 2*time.Second)
		require.NoError(t, c.Stop(h))
	}
	assert.Equal(t, int32(3), tr.opens.Load())
	assert.Zero(t, tr.held())
	rx.WaitAllClosed(t, 2*time.Second)
}

func TestSendFailureDrivesFailed(t *testing.T) {
	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	c := newTestController(t, Options{Capture: fakeFactory(tr, sourceOpts{})})

	events, cancel := c.Subscribe(64)
	defer cancel()

	h, err := c.Create()
	require.NoError(t, err)
	require.NoError(t, c.Start(h, rx.Host(), rx.Port()))
	waitState(t, events, h, StateRunning)
	rx.WaitPackets(t, 3, 2*time.Second)

	rx.Close()
	ev := waitState(t, events, h, StateFailed)
	assert.Equal(t, StateRunning, ev.From)
	assert.Equal(t, CodeConnectFailed, ev.Code)
	assert.NotEmpty(t, ev.Cause)

	st, _ := c.State(h)
	assert.Equal(t, StateFailed, st)
	assert.Equal(t, int32(1), tr.held(), "resources wait for host-driven teardown")

	// Start is refused until the host stops the failed engine.
	assert.ErrorIs(t, c.Start(h, "127.0.0.1", 1), ErrAlreadyRunning)

	require.NoError(t, c.Stop(h))
	waitState(t, events, h, StateIdle)
	assert.Zero(t, tr.held())
	stats, _ := c.Stats(h)
	assert.Equal(t, CodeConnectFailed, stats.LastErrorCode)
}

func TestCaptureEndDrivesFailed(t *testing.T) {
	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	c := newTestController(t, Options{Capture: fakeFactory(tr, sourceOpts{endAfter: 3})})

	failed := make(chan StateChange, 1)
	c.OnStateChange(func(ev StateChange) {
		if ev.To == StateFailed {
			failed <- ev
		}
	})

	h, err := c.Create()
	require.NoError(t, err)
	require.NoError(t, c.Start(h, rx.Host(), rx.Port()))

	select {
	case ev := <-failed:
		assert.Equal(t, CodeDeviceUnavailable, ev.Code)
		assert.Equal(t, h, ev.Handle)
	case <-time.After(3 * time.Second):
		t.Fatal("expected failed notification")
	}
	// The frame captured last may still sit in the buffer when it closes.
	rx.WaitPackets(t, 2, 2*time.Second)

	stats, err := c.Stats(h)
	require.NoError(t, err)
	assert.Equal(t, "fake:mic", stats.CaptureDevice)
	assert.Equal(t, capture.StateError, stats.CaptureState)
	assert.Equal(t, "device unplugged", stats.CaptureError)

	require.NoError(t, c.Stop(h))
	assert.Zero(t, tr.held())
	rx.WaitAllClosed(t, 2*time.Second)

	stats, err = c.Stats(h)
	require.NoError(t, err)
	assert.Equal(t, "device unplugged", stats.CaptureError)
}

func TestStopJoinIsBounded(t *testing.T) {
	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	c := newTestController(t, Options{
		Capture:     fakeFactory(tr, sourceOpts{stubborn: true}),
		StopTimeout: 50 * time.Millisecond,
	})

	h, err := c.Create()
	require.NoError(t, err)
	require.NoError(t, c.Start(h, rx.Host(), rx.Port()))

	start := time.Now()
	require.NoError(t, c.Stop(h))
	assert.Less(t, time.Since(start), time.Second)

	st, _ := c.State(h)
	assert.Equal(t, StateIdle, st)
	assert.Zero(t, tr.held(), "device reclaimed after join timeout")
}

func TestStateChangeSequence(t *testing.T) {
	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	c := newTestController(t, Options{Capture: fakeFactory(tr, sourceOpts{})})

	events, cancel := c.Subscribe(16)
	defer cancel()

	h, err := c.Create()
	require.NoError(t, err)
	require.NoError(t, c.Start(h, rx.Host(), rx.Port()))
	require.NoError(t, c.Stop(h))

	want := []State{StateStarting, StateRunning, StateStopping, StateIdle}
	for _, w := range want {
		select {
		case ev := <-events:
			assert.Equal(t, w, ev.To)
		case <-time.After(time.Second):
			t.Fatalf("expected transition to %s", w)
		}
	}
}

func TestStartFailureRevertsToIdle(t *testing.T) {
	host, port := testutil.RefusingAddr(t)
	c := newTestController(t, Options{})
	events, cancel := c.Subscribe(16)
	defer cancel()

	h, err := c.Create()
	require.NoError(t, err)
	require.Error(t, c.Start(h, host, port))

	first := <-events
	second := <-events
	assert.Equal(t, StateStarting, first.To)
	assert.Equal(t, StateIdle, second.To)
	assert.Equal(t, StateStarting, second.From)
	assert.Equal(t, CodeConnectFailed, second.Code)
}

func TestConcurrentLifecycleCalls(t *testing.T) {
	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	c := newTestController(t, Options{Capture: fakeFactory(tr, sourceOpts{})})

	h, err := c.Create()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if (i+j)%2 == 0 {
					err := c.Start(h, rx.Host(), rx.Port())
					if err != nil && !errors.Is(err, ErrAlreadyRunning) {
						t.Errorf("unexpected start error: %v", err)
					}
				} else {
					if err := c.Stop(h); err != nil {
						t.Errorf("unexpected stop error: %v", err)
					}
				}
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, c.Stop(h))
	st, _ := c.State(h)
	assert.Equal(t, StateIdle, st)
	assert.Zero(t, tr.held())
	rx.WaitAllClosed(t, 2*time.Second)
}

func TestDestroyStopsRunningSession(t *testing.T) {
	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	c := newTestController(t, Options{Capture: fakeFactory(tr, sourceOpts{})})

	h, err := c.Create()
	require.NoError(t, err)
	require.NoError(t, c.Start(h, rx.Host(), rx.Port()))
	require.NoError(t, c.Destroy(h))

	assert.Zero(t, tr.held())
	rx.WaitAllClosed(t, 2*time.Second)
	assert.Empty(t, c.Handles())
}

func TestCloseReleasesEverything(t *testing.T) {
	baseline := testutil.GoroutineBaseline()

	rx := testutil.NewReceiver(t)
	tr := &deviceTracker{}
	c, err := NewController(Options{Capture: fakeFactory(tr, sourceOpts{}), MaxEngines: 2}, zap.NewNop())
	require.NoError(t, err)

	events, _ := c.Subscribe(4)
	for i := 0; i < 2; i++ {
		h, err := c.Create()
		require.NoError(t, err)
		require.NoError(t, c.Start(h, rx.Host(), rx.Port()))
	}

	c.Close()
	c.Close()

	assert.Zero(t, tr.held())
	assert.Empty(t, c.Handles())
	_, err = c.Create()
	assert.Error(t, err)

	for range events {
	}
	rx.Close()
	testutil.AssertNoGoroutineLeaks(t, baseline, 2)
}

func TestParseHandle(t *testing.T) {
	h := makeHandle(3, 7)
	got, err := ParseHandle(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, got)

	for _, s := range []string{"", "0", "-1", "abc"} {
		_, err := ParseHandle(s)
		assert.Equal(t, CodeInvalidHandle, CodeOf(err), "%q", s)
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeOK, CodeOf(nil))
	assert.Equal(t, CodeDeviceUnavailable, CodeOf(capture.ErrDeviceUnavailable))
	assert.Equal(t, CodeConnectFailed, CodeOf(fmt.Errorf("x: %w", transmit.ErrConnectFailed)))
	assert.Equal(t, CodeInternalError, CodeOf(errors.New("other")))
	assert.Equal(t, "AlreadyRunning", CodeAlreadyRunning.String())
}
