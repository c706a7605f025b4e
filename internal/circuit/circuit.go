// Package circuit hosts long-lived client sessions ("circuits") and runs
// per-circuit handlers around their lifecycle and inbound activity.
package circuit

import (
	"context"
	"time"

	"github.com/p-blackswan/circuit-idle/internal/bridge"
)

// Client is the client bridge of a circuit. It is nil for circuits without
// an interactive client.
type Client interface {
	CreateReference(methods bridge.Methods) *bridge.ObjectRef
	ReleaseReference(ref *bridge.ObjectRef)
	InvokeVoid(ctx context.Context, identifier string, args ...any) error
	Notify(ctx context.Context, event string, payload any) error
}

// Circuit is the server-side representation of one connected client.
type Circuit struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	OpenedAt   time.Time `json:"opened_at"`

	client Client
}

// Client returns the circuit's client bridge, or nil.
func (c *Circuit) Client() Client {
	return c.client
}

// Activity is one inbound unit of work on a circuit.
type Activity struct {
	Kind       string // frame type
	Method     string // request method or event name
	ReceivedAt time.Time

	// Work performs the actual processing; nil means nothing to run.
	Work func(ctx context.Context) error
}

// InboundFunc processes an inbound activity.
type InboundFunc func(ctx context.Context, a Activity) error

// Handler observes a circuit's lifecycle and inbound activity.
type Handler interface {
	OnCircuitOpened(ctx context.Context, c *Circuit) error
	OnCircuitClosed(ctx context.Context, c *Circuit) error

	// CreateInboundActivityHandler wraps next. The returned function must
	// call next and propagate its result unchanged.
	CreateInboundActivityHandler(next InboundFunc) InboundFunc
}

// Disposer is implemented by handlers that hold resources. Dispose is
// called once, after OnCircuitClosed.
type Disposer interface {
	Dispose()
}

// Describer is implemented by handlers that expose state to operators.
type Describer interface {
	Name() string
	Describe() any
}

// HandlerFactory builds a handler scoped to one circuit.
type HandlerFactory func(c *Circuit) (Handler, error)

// BaseHandler provides no-op lifecycle methods for embedding.
type BaseHandler struct{}

// OnCircuitOpened does nothing.
func (BaseHandler) OnCircuitOpened(context.Context, *Circuit) error { return nil }

// OnCircuitClosed does nothing.
func (BaseHandler) OnCircuitClosed(context.Context, *Circuit) error { return nil }

// CreateInboundActivityHandler returns next unchanged.
func (BaseHandler) CreateInboundActivityHandler(next InboundFunc) InboundFunc { return next }

func runWork(ctx context.Context, a Activity) error {
	if a.Work == nil {
		return nil
	}
	return a.Work(ctx)
}
