package inactivity

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/circuit-idle/internal/bridge"
	"github.com/p-blackswan/circuit-idle/internal/circuit"
	"github.com/p-blackswan/circuit-idle/internal/config"
	apperrors "github.com/p-blackswan/circuit-idle/internal/errors"
	"github.com/p-blackswan/circuit-idle/internal/metrics"
)

// fakeBridge records invocations and plays the browser side.
type fakeBridge struct {
	mu       sync.Mutex
	refs     map[string]*bridge.ObjectRef
	calls    []fakeCall
	fail     error
	released []string

	// hang makes InvokeVoid wait for its context, like a browser that
	// never answers.
	hang bool
}

type fakeCall struct {
	identifier string
	args       []any
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{refs: make(map[string]*bridge.ObjectRef)}
}

func (b *fakeBridge) CreateReference(methods bridge.Methods) *bridge.ObjectRef {
	ref := bridge.NewObjectRef(methods)
	b.mu.Lock()
	b.refs[ref.ID] = ref
	b.mu.Unlock()
	return ref
}

func (b *fakeBridge) ReleaseReference(ref *bridge.ObjectRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.refs, ref.ID)
	b.released = append(b.released, ref.ID)
}

func (b *fakeBridge) InvokeVoid(ctx context.Context, identifier string, args ...any) error {
	b.mu.Lock()
	b.calls = append(b.calls, fakeCall{identifier: identifier, args: args})
	hang, fail := b.hang, b.fail
	b.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return fail
}

func (b *fakeBridge) releasedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.released)
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (b *fakeBridge) Notify(context.Context, string, any) error { return nil }

// userActivity simulates the browser calling ResetTimerInterval.
func (b *fakeBridge) userActivity(t *testing.T) {
	t.Helper()
	b.mu.Lock()
	require.NotEmpty(t, b.calls)
	ref := b.calls[0].args[0].(*bridge.ObjectRef)
	b.mu.Unlock()
	_, err := ref.Call(context.Background(), ResetMethod, nil)
	require.NoError(t, err)
}

func (b *fakeBridge) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func testConfig(t *testing.T, idle, alert time.Duration) config.IdleTimeoutConfig {
	t.Helper()
	cfg, err := config.NewIdleTimeoutConfig(idle, alert)
	require.NoError(t, err)
	return cfg
}

func newTestMonitor(t *testing.T, idle time.Duration, client ClientBridge) *Monitor {
	t.Helper()
	m, err := New(testConfig(t, idle, 5*time.Second), client, zerolog.Nop(), metrics.New())
	require.NoError(t, err)
	t.Cleanup(m.Dispose)
	return m
}

func TestNew_RejectsZeroConfig(t *testing.T) {
	_, err := New(config.IdleTimeoutConfig{}, nil, zerolog.Nop(), nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestMonitor_MaxResponseTime(t *testing.T) {
	m := newTestMonitor(t, time.Minute, nil)
	assert.Equal(t, 5*time.Second, m.MaxResponseTime())
	assert.Equal(t, time.Minute, m.IdleTimeout())
}

func TestRegister_InvokesClientAndArms(t *testing.T) {
	fb := newFakeBridge()
	m := newTestMonitor(t, time.Minute, fb)

	require.NoError(t, m.RegisterInactivityMonitor(context.Background()))
	assert.True(t, m.Registered())
	assert.Equal(t, "armed", m.Status().State)

	require.Equal(t, 1, fb.callCount())
	call := fb.calls[0]
	assert.Equal(t, RegisterIdentifier, call.identifier)
	require.Len(t, call.args, 2)
	assert.IsType(t, &bridge.ObjectRef{}, call.args[0])
	assert.Equal(t, int64(5000), call.args[1])
}

func TestRegister_Idempotent(t *testing.T) {
	fb := newFakeBridge()
	m := newTestMonitor(t, time.Minute, fb)

	require.NoError(t, m.RegisterInactivityMonitor(context.Background()))
	require.NoError(t, m.RegisterInactivityMonitor(context.Background()))
	assert.Equal(t, 1, fb.callCount())
}

func TestRegister_NoBridgeIsNoop(t *testing.T) {
	m := newTestMonitor(t, 20*time.Millisecond, nil)
	var fired atomic.Int32
	m.SetInactivityHandler(func(Event) { fired.Add(1) })

	require.NoError(t, m.RegisterInactivityMonitor(context.Background()))
	assert.False(t, m.Registered())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, "idle", m.Status().State)
}

func TestRegister_BridgeFailure(t *testing.T) {
	fb := newFakeBridge()
	fb.fail = apperrors.ErrBridgeUnavailable
	m := newTestMonitor(t, time.Minute, fb)

	err := m.RegisterInactivityMonitor(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrBridgeUnavailable)
	assert.False(t, m.Registered())
	assert.Len(t, fb.released, 1)

	fb.fail = nil
	require.NoError(t, m.RegisterInactivityMonitor(context.Background()))
	assert.True(t, m.Registered())
}

func TestRegister_AfterDispose(t *testing.T) {
	fb := newFakeBridge()
	m := newTestMonitor(t, time.Minute, fb)
	m.Dispose()

	assert.NoError(t, m.RegisterInactivityMonitor(context.Background()))
	assert.Equal(t, 0, fb.callCount())
}

func TestMonitor_NotifiesBothSubscribers(t *testing.T) {
	fb := newFakeBridge()
	m := newTestMonitor(t, 30*time.Millisecond, fb)

	var handled, async atomic.Int32
	done := make(chan Event, 1)
	m.SetInactivityHandler(func(Event) { handled.Add(1) })
	m.SetInactivityCallback(func(_ context.Context, e Event) error {
		async.Add(1)
		done <- e
		return nil
	})

	require.NoError(t, m.RegisterInactivityMonitor(context.Background()))

	select {
	case e := <-done:
		assert.Equal(t, 5*time.Second, e.MaxResponseTime)
		assert.False(t, e.LastActivity.IsZero())
		assert.True(t, e.ReachedAt.After(e.LastActivity))
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), async.Load())
}

func TestMonitor_ClientResetDefersExpiry(t *testing.T) {
	fb := newFakeBridge()
	m := newTestMonitor(t, 60*time.Millisecond, fb)
	var fired atomic.Int32
	m.SetInactivityHandler(func(Event) { fired.Add(1) })

	require.NoError(t, m.RegisterInactivityMonitor(context.Background()))
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		fb.userActivity(t)
	}
	assert.Equal(t, int32(0), fired.Load())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMonitor_HandlerPanicThenSecondExpiry(t *testing.T) {
	fb := newFakeBridge()
	m := newTestMonitor(t, 20*time.Millisecond, fb)

	var calls atomic.Int32
	var async atomic.Int32
	m.SetInactivityHandler(func(Event) {
		if calls.Add(1) == 1 {
			panic("bad subscriber")
		}
	})
	m.SetInactivityCallback(func(context.Context, Event) error {
		async.Add(1)
		return nil
	})

	require.NoError(t, m.RegisterInactivityMonitor(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return async.Load() == 1 }, time.Second, 5*time.Millisecond)

	m.ResetTimerInterval()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return async.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMonitor_CallbackErrorDoesNotSuppressHandler(t *testing.T) {
	m := newTestMonitor(t, 20*time.Millisecond, newFakeBridge())
	var handled atomic.Int32
	m.SetInactivityCallback(func(context.Context, Event) error { return errors.New("ui gone") })
	m.SetInactivityHandler(func(Event) { handled.Add(1) })

	m.ResetTimerInterval()
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMonitor_SlowHandlerDoesNotDelayCallbackOrTouch(t *testing.T) {
	m := newTestMonitor(t, 20*time.Millisecond, newFakeBridge())
	release := make(chan struct{})
	defer close(release)
	called := make(chan struct{}, 4)
	m.SetInactivityHandler(func(Event) { <-release })
	m.SetInactivityCallback(func(context.Context, Event) error {
		called <- struct{}{}
		return nil
	})

	m.ResetTimerInterval()
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("callback blocked behind slow handler")
	}

	done := make(chan struct{})
	go func() {
		m.ResetTimerInterval()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reset blocked behind slow handler")
	}
}

func TestMonitor_DisposeCancelsCallbackContext(t *testing.T) {
	m := newTestMonitor(t, 10*time.Millisecond, newFakeBridge())
	started := make(chan struct{})
	cancelled := make(chan struct{})
	m.SetInactivityCallback(func(ctx context.Context, _ Event) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	m.ResetTimerInterval()
	<-started
	m.Dispose()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("callback context not cancelled on dispose")
	}
}

func TestMonitor_ResetAfterDisposeIsIgnored(t *testing.T) {
	fb := newFakeBridge()
	m := newTestMonitor(t, 10*time.Millisecond, fb)
	var fired atomic.Int32
	m.SetInactivityHandler(func(Event) { fired.Add(1) })
	require.NoError(t, m.RegisterInactivityMonitor(context.Background()))

	m.Dispose()
	assert.NotPanics(t, func() { fb.userActivity(t) })
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, "disposed", m.Status().State)
	assert.Len(t, fb.released, 1)
}

func TestAddInactivityMonitor_PerCircuit(t *testing.T) {
	host := circuit.NewHost(zerolog.Nop(), nil)
	var monitors []*Monitor
	var mu sync.Mutex
	err := AddInactivityMonitor(host, testConfig(t, time.Minute, time.Second), zerolog.Nop(), nil,
		func(_ *circuit.Circuit, m *Monitor) {
			mu.Lock()
			monitors = append(monitors, m)
			mu.Unlock()
		})
	require.NoError(t, err)

	fb := newFakeBridge()
	c, err := host.Open(context.Background(), "", fb)
	require.NoError(t, err)
	noClient, err := host.Open(context.Background(), "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fb.callCount() == 1 }, time.Second, 5*time.Millisecond)

	info, err := host.Get(c.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, _ = host.Get(c.ID)
		return info.Handlers["inactivity_monitor"].(Status).Registered
	}, time.Second, 5*time.Millisecond)

	other, err := host.Get(noClient.ID)
	require.NoError(t, err)
	assert.False(t, other.Handlers["inactivity_monitor"].(Status).Registered)

	require.NoError(t, host.Close(context.Background(), c.ID))
	mu.Lock()
	require.Len(t, monitors, 2)
	assert.Equal(t, "disposed", monitors[0].Status().State)
	mu.Unlock()
}

func TestAddInactivityMonitor_RejectsZeroConfig(t *testing.T) {
	host := circuit.NewHost(zerolog.Nop(), nil)
	err := AddInactivityMonitor(host, config.IdleTimeoutConfig{}, zerolog.Nop(), nil, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestAddInactivityMonitor_CloseDuringRegistration(t *testing.T) {
	sink := &syncBuffer{}
	host := circuit.NewHost(zerolog.Nop(), nil)
	require.NoError(t, AddInactivityMonitor(host, testConfig(t, time.Minute, time.Second), zerolog.New(sink), nil, nil))

	fb := newFakeBridge()
	fb.hang = true
	c, err := host.Open(context.Background(), "", fb)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fb.callCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, host.Close(context.Background(), c.ID))

	require.Eventually(t, func() bool {
		return strings.Contains(sink.String(), "registration cancelled by close")
	}, time.Second, 5*time.Millisecond)
	out := sink.String()
	assert.Contains(t, out, `"level":"debug"`)
	assert.NotContains(t, out, `"level":"warn"`)
	assert.NotContains(t, out, "registration failed")
	assert.Equal(t, 1, fb.releasedCount())
}
