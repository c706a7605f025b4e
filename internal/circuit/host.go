package circuit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/p-blackswan/circuit-idle/internal/errors"
	"github.com/p-blackswan/circuit-idle/internal/metrics"
)

type entry struct {
	seq      uint64
	circuit  *Circuit
	handlers []Handler
	inbound  InboundFunc
}

// Info is an operator view of an open circuit.
type Info struct {
	*Circuit
	Handlers map[string]any `json:"handlers,omitempty"`
}

// Host owns the open circuits and the handler pipeline applied to each.
type Host struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	factories []HandlerFactory
	circuits  map[string]*entry
	seq       uint64
}

// NewHost creates an empty host.
func NewHost(logger zerolog.Logger, m *metrics.Metrics) *Host {
	return &Host{
		logger:   logger.With().Str("component", "circuit_host").Logger(),
		metrics:  m,
		circuits: make(map[string]*entry),
	}
}

// AddHandler registers a handler factory. Handlers registered first wrap
// those registered later. Only circuits opened afterwards are affected.
func (h *Host) AddHandler(f HandlerFactory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factories = append(h.factories, f)
}

// Open creates a circuit, builds its handlers and runs OnCircuitOpened.
// client may be nil.
func (h *Host) Open(ctx context.Context, remoteAddr string, client Client) (*Circuit, error) {
	c := &Circuit{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		OpenedAt:   time.Now().UTC(),
		client:     client,
	}

	h.mu.RLock()
	factories := make([]HandlerFactory, len(h.factories))
	copy(factories, h.factories)
	h.mu.RUnlock()

	handlers := make([]Handler, 0, len(factories))
	for _, f := range factories {
		handler, err := f(c)
		if err != nil {
			disposeAll(handlers)
			return nil, fmt.Errorf("creating circuit handler: %w", err)
		}
		handlers = append(handlers, handler)
	}

	for i, handler := range handlers {
		if err := handler.OnCircuitOpened(ctx, c); err != nil {
			for j := i - 1; j >= 0; j-- {
				if cerr := handlers[j].OnCircuitClosed(ctx, c); cerr != nil {
					h.logger.Warn().Err(cerr).Str("circuit_id", c.ID).Msg("error unwinding circuit handler")
				}
			}
			disposeAll(handlers)
			return nil, fmt.Errorf("opening circuit: %w", err)
		}
	}

	inbound := InboundFunc(runWork)
	for i := len(handlers) - 1; i >= 0; i-- {
		inbound = handlers[i].CreateInboundActivityHandler(inbound)
	}

	h.mu.Lock()
	h.seq++
	h.circuits[c.ID] = &entry{seq: h.seq, circuit: c, handlers: handlers, inbound: inbound}
	h.mu.Unlock()

	h.metrics.CircuitOpened()
	h.logger.Info().
		Str("circuit_id", c.ID).
		Str("remote_addr", remoteAddr).
		Int("handlers", len(handlers)).
		Msg("circuit opened")
	return c, nil
}

// Inbound runs activity through the circuit's handler pipeline.
func (h *Host) Inbound(ctx context.Context, id string, a Activity) error {
	h.mu.RLock()
	e, ok := h.circuits[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("circuit %s: %w", id, apperrors.ErrNotFound)
	}
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = time.Now()
	}
	return e.inbound(ctx, a)
}

// Close removes the circuit, runs OnCircuitClosed in reverse registration
// order, disposes handlers and closes the client bridge if it is an
// io.Closer.
func (h *Host) Close(ctx context.Context, id string) error {
	h.mu.Lock()
	e, ok := h.circuits[id]
	if ok {
		delete(h.circuits, id)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("circuit %s: %w", id, apperrors.ErrNotFound)
	}

	var errs []error
	for i := len(e.handlers) - 1; i >= 0; i-- {
		if err := e.handlers[i].OnCircuitClosed(ctx, e.circuit); err != nil {
			errs = append(errs, err)
		}
	}
	disposeAll(e.handlers)

	if closer, ok := e.circuit.client.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing client: %w", err))
		}
	}

	h.metrics.CircuitClosed()
	h.logger.Info().
		Str("circuit_id", id).
		Dur("lifetime", time.Since(e.circuit.OpenedAt)).
		Msg("circuit closed")
	return errors.Join(errs...)
}

// CloseAll closes every open circuit.
func (h *Host) CloseAll(ctx context.Context) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.circuits))
	for id := range h.circuits {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		if err := h.Close(ctx, id); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			h.logger.Warn().Err(err).Str("circuit_id", id).Msg("error closing circuit")
		}
	}
}

// Get returns the operator view of one circuit.
func (h *Host) Get(id string) (Info, error) {
	h.mu.RLock()
	e, ok := h.circuits[id]
	h.mu.RUnlock()
	if !ok {
		return Info{}, fmt.Errorf("circuit %s: %w", id, apperrors.ErrNotFound)
	}
	return describe(e), nil
}

// List returns all open circuits ordered by open time.
func (h *Host) List() []Info {
	h.mu.RLock()
	entries := make([]*entry, 0, len(h.circuits))
	for _, e := range h.circuits {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, describe(e))
	}
	return out
}

// Count returns the number of open circuits.
func (h *Host) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.circuits)
}

func describe(e *entry) Info {
	info := Info{Circuit: e.circuit}
	for _, handler := range e.handlers {
		if d, ok := handler.(Describer); ok {
			if info.Handlers == nil {
				info.Handlers = make(map[string]any)
			}
			info.Handlers[d.Name()] = d.Describe()
		}
	}
	return info
}

func disposeAll(handlers []Handler) {
	for _, handler := range handlers {
		if d, ok := handler.(Disposer); ok {
			d.Dispose()
		}
	}
}
