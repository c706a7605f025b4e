package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/circuit-idle/internal/bridge"
	"github.com/p-blackswan/circuit-idle/internal/circuit"
	"github.com/p-blackswan/circuit-idle/internal/config"
	"github.com/p-blackswan/circuit-idle/internal/gateway"
	"github.com/p-blackswan/circuit-idle/internal/health"
	"github.com/p-blackswan/circuit-idle/internal/inactivity"
	"github.com/p-blackswan/circuit-idle/internal/metrics"
	"github.com/p-blackswan/circuit-idle/internal/mgmt"
	"github.com/p-blackswan/circuit-idle/internal/watchdog"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	clientIdle, err := cfg.ClientIdle()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid client idle settings")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Dur("idle_circuit_timeout", cfg.IdleCircuitTimeout.Std()).
		Dur("max_idle_time_allowed", clientIdle.IdleTimeout()).
		Dur("max_idle_alert_response_time", clientIdle.AlertResponseTimeout()).
		Msg("starting circuit server")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()
	host := circuit.NewHost(logger, m)

	// Server-side idle watchdog: diagnostic only
	if err := watchdog.AddIdleCircuitHandler(host, logger, m,
		watchdog.WithIdleTimeout(cfg.IdleCircuitTimeout.Std()),
	); err != nil {
		logger.Fatal().Err(err).Msg("failed to register idle circuit handler")
	}

	// Client idle monitor: alert the UI so it can prompt the user
	if err := inactivity.AddInactivityMonitor(host, clientIdle, logger, m, subscribeAlerts(logger)); err != nil {
		logger.Fatal().Err(err).Msg("failed to register inactivity monitor")
	}

	// Health checker
	gate := &health.Gate{}
	checker := health.NewChecker(logger)
	checker.Register("accepting_circuits", gate.Check)
	checker.Register("circuits", health.CircuitLoad(host.Count, cfg.CircuitSoftLimit))

	bridgeCfg := bridge.DefaultConfig()
	bridgeCfg.InvokeTimeout = cfg.BridgeInvokeTimeout
	gw := gateway.New(host, gateway.Config{
		AllowedOrigins: cfg.AllowedOriginList(),
		Bridge:         bridgeCfg,
	}, logger, m)

	mux := http.NewServeMux()
	mux.Handle(cfg.CircuitPath, gw)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	mgmtServer := mgmt.NewServer(mgmt.ServerConfigFrom(cfg), host, checker, m, cfg, logger)

	// WaitGroup for the servers
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Str("circuit_path", cfg.CircuitPath).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	gate.Drain()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	// Hijacked circuit connections are not tracked by http.Server
	host.CloseAll(shutdownCtx)

	done := make(chan struct{})
	go func() {
		gw.Wait()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all circuits closed")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("circuit server stopped")
}

// subscribeAlerts wires each circuit's client idle monitor: the alert is
// pushed to the client asynchronously and logged synchronously.
func subscribeAlerts(logger zerolog.Logger) inactivity.SubscribeFunc {
	return func(c *circuit.Circuit, mon *inactivity.Monitor) {
		clog := logger.With().Str("circuit_id", c.ID).Logger()

		mon.SetInactivityHandler(func(e inactivity.Event) {
			clog.Info().
				Time("last_activity", e.LastActivity).
				Dur("max_response_time", e.MaxResponseTime).
				Msg("user inactive")
		})

		client := c.Client()
		if client == nil {
			return
		}
		mon.SetInactivityCallback(func(ctx context.Context, e inactivity.Event) error {
			return client.Notify(ctx, gateway.EventInactivityAlert, gateway.InactivityAlert{
				MaxResponseTime: e.MaxResponseTime.Milliseconds(),
			})
		})
	}
}
