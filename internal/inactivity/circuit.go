package inactivity

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/circuit-idle/internal/circuit"
	"github.com/p-blackswan/circuit-idle/internal/config"
	"github.com/p-blackswan/circuit-idle/internal/metrics"
)

// SubscribeFunc attaches subscribers to a new circuit's monitor.
type SubscribeFunc func(c *circuit.Circuit, m *Monitor)

// CircuitHandler owns the inactivity monitor of one circuit.
type CircuitHandler struct {
	circuit.BaseHandler

	monitor *Monitor
	logger  zerolog.Logger
}

// Monitor returns the circuit's monitor.
func (h *CircuitHandler) Monitor() *Monitor {
	return h.monitor
}

// OnCircuitOpened registers the monitor in the background; the client
// answers over the same connection whose read loop starts after open.
func (h *CircuitHandler) OnCircuitOpened(_ context.Context, c *circuit.Circuit) error {
	go func() {
		err := h.monitor.RegisterInactivityMonitor(h.monitor.ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			h.logger.Debug().Err(err).Str("circuit_id", c.ID).Msg("inactivity monitor registration cancelled by close")
		default:
			h.logger.Warn().Err(err).Str("circuit_id", c.ID).Msg("inactivity monitor registration failed")
		}
	}()
	return nil
}

// Dispose releases the monitor.
func (h *CircuitHandler) Dispose() {
	h.monitor.Dispose()
}

// Name implements circuit.Describer.
func (h *CircuitHandler) Name() string { return "inactivity_monitor" }

// Describe implements circuit.Describer.
func (h *CircuitHandler) Describe() any { return h.monitor.Status() }

// AddInactivityMonitor gives every circuit opened by host its own client
// idle monitor bound to the circuit's client bridge. subscribe, if not nil,
// wires the monitor's subscribers before registration.
func AddInactivityMonitor(host *circuit.Host, cfg config.IdleTimeoutConfig, logger zerolog.Logger, m *metrics.Metrics, subscribe SubscribeFunc) error {
	if _, err := config.NewIdleTimeoutConfig(cfg.IdleTimeout(), cfg.AlertResponseTimeout()); err != nil {
		return err
	}

	host.AddHandler(func(c *circuit.Circuit) (circuit.Handler, error) {
		log := logger.With().Str("circuit_id", c.ID).Logger()

		var client ClientBridge
		if cc := c.Client(); cc != nil {
			client = cc
		}

		mon, err := New(cfg, client, log, m)
		if err != nil {
			return nil, err
		}
		if subscribe != nil {
			subscribe(c, mon)
		}
		return &CircuitHandler{monitor: mon, logger: log}, nil
	})
	return nil
}
