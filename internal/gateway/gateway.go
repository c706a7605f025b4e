// Package gateway serves the circuit WebSocket endpoint. Each connection
// becomes a circuit whose client is a bridge peer, and every inbound frame
// runs through the circuit's activity pipeline.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/circuit-idle/internal/bridge"
	"github.com/p-blackswan/circuit-idle/internal/circuit"
	apperrors "github.com/p-blackswan/circuit-idle/internal/errors"
	"github.com/p-blackswan/circuit-idle/internal/metrics"
)

// Events sent to the client.
const (
	EventCircuitOpened   = "circuit.opened"
	EventInactivityAlert = "inactivity.alert"
)

// CircuitOpened is the payload of EventCircuitOpened.
type CircuitOpened struct {
	CircuitID string `json:"circuitId"`
}

// InactivityAlert is the payload of EventInactivityAlert.
type InactivityAlert struct {
	MaxResponseTime int64 `json:"maxResponseTime"` // milliseconds
}

// Config holds gateway configuration.
type Config struct {
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
	Bridge         bridge.Config
}

// Server upgrades HTTP requests to circuits.
type Server struct {
	host     *circuit.Host
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
}

// New creates a gateway opening circuits on host.
func New(host *circuit.Host, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		host:    host,
		cfg:     cfg,
		logger:  logger.With().Str("component", "gateway").Logger(),
		metrics: m,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	s.logger.Warn().Str("origin", origin).Msg("circuit origin rejected")
	return false
}

// ServeHTTP upgrades the connection and serves the circuit until the
// connection closes or the circuit is closed through the host.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer := bridge.NewPeer(ws, s.cfg.Bridge, s.logger, s.metrics)
	c, err := s.host.Open(ctx, r.RemoteAddr, peer)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to open circuit")
		_ = peer.Close()
		return
	}
	log := s.logger.With().Str("circuit_id", c.ID).Logger()

	peer.Intercept(func(ctx context.Context, f bridge.Frame, next func(context.Context) error) error {
		name := f.Method
		if f.Type == bridge.FrameEvent {
			name = f.Event
		}
		return s.host.Inbound(ctx, c.ID, circuit.Activity{
			Kind:   f.Type,
			Method: name,
			Work:   next,
		})
	})

	if err := peer.Notify(ctx, EventCircuitOpened, CircuitOpened{CircuitID: c.ID}); err != nil {
		log.Debug().Err(err).Msg("failed to announce circuit")
	}

	if err := peer.Serve(ctx); err != nil {
		log.Debug().Err(err).Msg("circuit connection ended")
	}

	if err := s.host.Close(context.Background(), c.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		log.Warn().Err(err).Msg("error closing circuit")
	}
}

// Wait blocks until every served connection has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}
