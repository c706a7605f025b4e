package mgmt

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/circuit-idle/internal/circuit"
	"github.com/p-blackswan/circuit-idle/internal/config"
	apperrors "github.com/p-blackswan/circuit-idle/internal/errors"
	"github.com/p-blackswan/circuit-idle/internal/health"
)

// CircuitRegistry is the view of the circuit host the API needs.
type CircuitRegistry interface {
	List() []circuit.Info
	Get(id string) (circuit.Info, error)
	Close(ctx context.Context, id string) error
}

// Handlers contains all HTTP handler methods for the management API.
type Handlers struct {
	circuits CircuitRegistry
	checker  *health.Checker
	cfg      *config.Config
	logger   zerolog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(circuits CircuitRegistry, checker *health.Checker, cfg *config.Config, logger zerolog.Logger) *Handlers {
	return &Handlers{
		circuits: circuits,
		checker:  checker,
		cfg:      cfg,
		logger:   logger.With().Str("component", "mgmt_handlers").Logger(),
	}
}

// ListCircuits handles GET /api/v1/circuits.
func (h *Handlers) ListCircuits(c *fiber.Ctx) error {
	list := h.circuits.List()
	return c.JSON(CircuitListResponse{Circuits: list, Count: len(list)})
}

// GetCircuit handles GET /api/v1/circuits/:id.
func (h *Handlers) GetCircuit(c *fiber.Ctx) error {
	info, err := h.circuits.Get(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(info)
}

// CloseCircuit handles DELETE /api/v1/circuits/:id. The client connection
// is dropped.
func (h *Handlers) CloseCircuit(c *fiber.Ctx) error {
	id := c.Params("id")
	err := h.circuits.Close(c.UserContext(), id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return errorResponse(c, err)
	}
	if err != nil {
		// Handler failures on close do not keep the circuit open.
		h.logger.Warn().Err(err).Str("circuit_id", id).Msg("circuit closed with errors")
	}
	h.logger.Info().
		Str("circuit_id", id).
		Interface("role", c.Locals("role")).
		Msg("circuit closed by operator")
	return c.SendStatus(fiber.StatusNoContent)
}

// GetConfig handles GET /api/v1/config.
func (h *Handlers) GetConfig(c *fiber.Ctx) error {
	cfg := h.cfg
	return c.JSON(ConfigResponse{
		Environment:              cfg.Environment,
		LogLevel:                 cfg.LogLevel,
		HTTPPort:                 cfg.HTTPPort,
		CircuitPath:              cfg.CircuitPath,
		IdleCircuitTimeout:       cfg.IdleCircuitTimeout.Std().String(),
		MaxIdleTimeAllowed:       cfg.MaxIdleTimeAllowed.Std().String(),
		MaxIdleAlertResponseTime: cfg.MaxIdleAlertResponseTime.Std().String(),
		MgmtListenAddr:           cfg.MgmtListenAddr,
		AuthMode:                 cfg.MgmtAuthMode,
	})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.Context())
	if !health.Ready(results) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(HealthResponse{
			Status: "not_ready",
			Checks: results,
		})
	}
	return c.JSON(HealthResponse{Status: "ready", Checks: results})
}
