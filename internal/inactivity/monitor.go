// Package inactivity detects idle users from activity reported by the
// browser through the client bridge.
//
// RegisterInactivityMonitor asks the client to install its activity
// listener by invoking the client function "timeOutCall" with an object
// reference. The listener calls ResetTimerInterval on that reference for
// every user input. When the idle timeout passes without a reset the
// monitor notifies its synchronous handler and its asynchronous callback.
package inactivity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/circuit-idle/internal/bridge"
	"github.com/p-blackswan/circuit-idle/internal/config"
	"github.com/p-blackswan/circuit-idle/internal/debounce"
	apperrors "github.com/p-blackswan/circuit-idle/internal/errors"
	"github.com/p-blackswan/circuit-idle/internal/metrics"
)

// Client bridge contract.
const (
	RegisterIdentifier = "timeOutCall"
	ResetMethod        = "ResetTimerInterval"
)

// ClientBridge is the part of the client bridge the monitor needs.
type ClientBridge interface {
	CreateReference(methods bridge.Methods) *bridge.ObjectRef
	ReleaseReference(ref *bridge.ObjectRef)
	InvokeVoid(ctx context.Context, identifier string, args ...any) error
}

// Event describes an inactivity timeout.
type Event struct {
	LastActivity    time.Time     `json:"last_activity"`
	ReachedAt       time.Time     `json:"reached_at"`
	MaxResponseTime time.Duration `json:"max_response_time"`
}

// Handler is the synchronous inactivity subscriber. It runs on the timer
// goroutine.
type Handler func(Event)

// Callback is the asynchronous inactivity subscriber. Its context is
// cancelled when the monitor is disposed.
type Callback func(ctx context.Context, e Event) error

// Monitor is the client idle monitor of one session.
type Monitor struct {
	cfg     config.IdleTimeoutConfig
	client  ClientBridge
	timer   *debounce.Timer
	logger  zerolog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	onReached   Handler
	onTimeReach Callback
	registering bool
	registered  bool
	ref         *bridge.ObjectRef
	disposed    bool
}

// New creates a monitor. client may be nil, for sessions without an
// interactive client; registration is then a no-op.
func New(cfg config.IdleTimeoutConfig, client ClientBridge, logger zerolog.Logger, m *metrics.Metrics) (*Monitor, error) {
	if cfg.IdleTimeout() <= 0 {
		return nil, apperrors.Invalidf("idle timeout must be positive, got %s", cfg.IdleTimeout())
	}
	log := logger.With().Str("component", "inactivity_monitor").Logger()
	timer, err := debounce.New(cfg.IdleTimeout(), log)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	mon := &Monitor{
		cfg:     cfg,
		client:  client,
		timer:   timer,
		logger:  log,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	timer.OnExpire(mon.inactivityReached)
	return mon, nil
}

// SetInactivityHandler sets the synchronous subscriber. nil unsubscribes.
func (m *Monitor) SetInactivityHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReached = h
}

// SetInactivityCallback sets the asynchronous subscriber. nil unsubscribes.
func (m *Monitor) SetInactivityCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeReach = cb
}

// MaxResponseTime is how long the UI may take to respond to an alert.
func (m *Monitor) MaxResponseTime() time.Duration {
	return m.cfg.AlertResponseTimeout()
}

// IdleTimeout is the configured idle timeout.
func (m *Monitor) IdleTimeout() time.Duration {
	return m.cfg.IdleTimeout()
}

// RegisterInactivityMonitor installs the client-side activity listener and
// arms the timer. It is idempotent. Without a client bridge, or after
// Dispose, it does nothing and returns nil.
func (m *Monitor) RegisterInactivityMonitor(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.disposed:
		m.mu.Unlock()
		m.logger.Debug().Msg("register after dispose ignored")
		return nil
	case m.client == nil:
		m.mu.Unlock()
		m.logger.Debug().Err(apperrors.ErrBridgeUnavailable).Msg("no client bridge, inactivity monitor not registered")
		return nil
	case m.registered || m.registering:
		m.mu.Unlock()
		return nil
	}
	m.registering = true
	m.mu.Unlock()

	ref := m.client.CreateReference(bridge.Methods{
		ResetMethod: func(context.Context, json.RawMessage) (any, error) {
			m.ResetTimerInterval()
			return nil, nil
		},
	})

	err := m.client.InvokeVoid(ctx, RegisterIdentifier, ref, m.MaxResponseTime().Milliseconds())

	m.mu.Lock()
	m.registering = false
	if err != nil || m.disposed {
		m.mu.Unlock()
		m.client.ReleaseReference(ref)
		if err != nil {
			return fmt.Errorf("registering inactivity monitor: %w", err)
		}
		return nil
	}
	m.registered = true
	m.ref = ref
	m.mu.Unlock()

	m.timer.Touch()
	m.logger.Debug().
		Str("ref", ref.ID).
		Dur("idle_timeout", m.cfg.IdleTimeout()).
		Msg("inactivity monitor registered")
	return nil
}

// ResetTimerInterval restarts the idle countdown. The client bridge calls
// it on user activity. Calls after Dispose are ignored.
func (m *Monitor) ResetTimerInterval() {
	if m.timer.Touch() {
		m.metrics.RecordActivity(metrics.SourceClient)
	}
}

// Registered reports whether the client listener is installed.
func (m *Monitor) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

func (m *Monitor) inactivityReached(e debounce.Expiry) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	handler := m.onReached
	callback := m.onTimeReach
	m.mu.Unlock()

	m.metrics.RecordExpiry(metrics.SourceClient)
	ev := Event{
		LastActivity:    e.LastTouch,
		ReachedAt:       e.FiredAt,
		MaxResponseTime: m.cfg.AlertResponseTimeout(),
	}

	// The callback is started first so a slow handler cannot delay it.
	if callback != nil {
		go m.runCallback(callback, ev)
	}
	if handler != nil {
		m.runHandler(handler, ev)
	}
}

func (m *Monitor) runHandler(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.subscriberFailed(apperrors.Recovered("sync", r))
		}
	}()
	h(ev)
}

func (m *Monitor) runCallback(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.subscriberFailed(apperrors.Recovered("async", r))
		}
	}()
	if err := cb(m.ctx, ev); err != nil {
		m.subscriberFailed(apperrors.NewSubscriberError("async", err))
	}
}

func (m *Monitor) subscriberFailed(err *apperrors.SubscriberError) {
	m.metrics.RecordSubscriberError(err.Handler)
	m.logger.Error().Err(err).Str("handler", err.Handler).Msg("inactivity subscriber failed")
}

// Dispose stops the timer, cancels running callbacks' context and releases
// the client reference. Subscribers already notified are not waited for. It
// is idempotent.
func (m *Monitor) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	ref := m.ref
	m.ref = nil
	m.onReached = nil
	m.onTimeReach = nil
	m.mu.Unlock()

	m.timer.Dispose()
	m.cancel()
	if ref != nil && m.client != nil {
		m.client.ReleaseReference(ref)
	}
}

// Status is the operator view of a monitor.
type Status struct {
	Registered      bool          `json:"registered"`
	State           string        `json:"state"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	MaxResponseTime time.Duration `json:"max_response_time"`
	LastActivity    time.Time     `json:"last_activity,omitempty"`
	Expirations     uint64        `json:"expirations"`
}

// Status reports the current state.
func (m *Monitor) Status() Status {
	s := m.timer.Snapshot()
	return Status{
		Registered:      m.Registered(),
		State:           s.State.String(),
		IdleTimeout:     s.Interval,
		MaxResponseTime: m.cfg.AlertResponseTimeout(),
		LastActivity:    s.LastTouch,
		Expirations:     s.Expirations,
	}
}
