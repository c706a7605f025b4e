// Package watchdog flags circuits that stop sending inbound messages.
//
// Every inbound unit of work rearms a per-circuit debounce timer. When the
// timer expires the watchdog logs a warning; termination is left to the
// embedding application through WithOnIdle.
package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/circuit-idle/internal/circuit"
	"github.com/p-blackswan/circuit-idle/internal/debounce"
	apperrors "github.com/p-blackswan/circuit-idle/internal/errors"
	"github.com/p-blackswan/circuit-idle/internal/metrics"
)

// DefaultIdleTimeout applies when no idle timeout is configured.
const DefaultIdleTimeout = 5 * time.Minute

// IdleFunc is called after the warning when a circuit goes idle. It runs on
// the timer goroutine.
type IdleFunc func(c *circuit.Circuit, e debounce.Expiry)

// Options configures the watchdog.
type Options struct {
	IdleTimeout time.Duration
	OnIdle      IdleFunc
}

// Option mutates Options.
type Option func(*Options)

// WithIdleTimeout sets the silence after which a circuit counts as idle.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Options) { o.IdleTimeout = d }
}

// WithOnIdle sets an extra action to run on idle circuits.
func WithOnIdle(fn IdleFunc) Option {
	return func(o *Options) { o.OnIdle = fn }
}

func buildOptions(opts []Option) (Options, error) {
	o := Options{IdleTimeout: DefaultIdleTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.IdleTimeout <= 0 {
		return Options{}, apperrors.Invalidf("idle circuit timeout must be positive, got %s", o.IdleTimeout)
	}
	return o, nil
}

// Watchdog is the per-circuit idle watchdog.
type Watchdog struct {
	circuit *circuit.Circuit
	timer   *debounce.Timer
	onIdle  IdleFunc
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Status is the operator view of a watchdog.
type Status struct {
	State        string        `json:"state"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
	Deadline     time.Time     `json:"deadline,omitempty"`
	Expirations  uint64        `json:"expirations"`
}

// New creates a watchdog for c. The timer is not armed until the circuit
// opens.
func New(c *circuit.Circuit, logger zerolog.Logger, m *metrics.Metrics, opts ...Option) (*Watchdog, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	log := logger.With().
		Str("component", "idle_watchdog").
		Str("circuit_id", c.ID).
		Logger()

	timer, err := debounce.New(o.IdleTimeout, log)
	if err != nil {
		return nil, err
	}

	w := &Watchdog{
		circuit: c,
		timer:   timer,
		onIdle:  o.OnIdle,
		logger:  log,
		metrics: m,
	}
	timer.OnExpire(w.circuitIdle)
	return w, nil
}

func (w *Watchdog) circuitIdle(e debounce.Expiry) {
	w.metrics.RecordExpiry(metrics.SourceServer)
	w.logger.Warn().
		Dur("idle_timeout", w.timer.Interval()).
		Time("last_activity", e.LastTouch).
		Msg("circuit idle")

	if w.onIdle != nil {
		w.onIdle(w.circuit, e)
	}
}

// OnCircuitOpened arms the timer so a circuit that never speaks still
// counts as idle.
func (w *Watchdog) OnCircuitOpened(context.Context, *circuit.Circuit) error {
	w.timer.Touch()
	return nil
}

// OnCircuitClosed does nothing; the host disposes the watchdog next.
func (w *Watchdog) OnCircuitClosed(context.Context, *circuit.Circuit) error {
	return nil
}

// CreateInboundActivityHandler touches the timer, then continues.
func (w *Watchdog) CreateInboundActivityHandler(next circuit.InboundFunc) circuit.InboundFunc {
	return func(ctx context.Context, a circuit.Activity) error {
		if w.timer.Touch() {
			w.metrics.RecordActivity(metrics.SourceServer)
		}
		return next(ctx, a)
	}
}

// Dispose stops the timer.
func (w *Watchdog) Dispose() {
	w.timer.Dispose()
}

// Name implements circuit.Describer.
func (w *Watchdog) Name() string { return "idle_watchdog" }

// Describe implements circuit.Describer.
func (w *Watchdog) Describe() any { return w.Status() }

// Status reports the current timer state.
func (w *Watchdog) Status() Status {
	s := w.timer.Snapshot()
	return Status{
		State:        s.State.String(),
		IdleTimeout:  s.Interval,
		LastActivity: s.LastTouch,
		Deadline:     s.Deadline,
		Expirations:  s.Expirations,
	}
}

// AddIdleCircuitHandler registers the idle watchdog in the host's handler
// pipeline. Options are validated here so misconfiguration fails at
// startup.
func AddIdleCircuitHandler(host *circuit.Host, logger zerolog.Logger, m *metrics.Metrics, opts ...Option) error {
	if _, err := buildOptions(opts); err != nil {
		return err
	}
	host.AddHandler(func(c *circuit.Circuit) (circuit.Handler, error) {
		return New(c, logger, m, opts...)
	})
	return nil
}
