package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/p-blackswan/circuit-idle/internal/errors"
)

// Method is a function exposed on an object reference.
type Method func(ctx context.Context, args json.RawMessage) (any, error)

// Methods maps exposed method names to their implementation.
type Methods map[string]Method

// ObjectRef is a server-side object the peer can call back into by id.
type ObjectRef struct {
	ID      string
	methods Methods
}

// NewObjectRef creates an unregistered reference with a fresh id. Peers
// register references through CreateReference.
func NewObjectRef(methods Methods) *ObjectRef {
	copied := make(Methods, len(methods))
	for name, fn := range methods {
		copied[name] = fn
	}
	return &ObjectRef{ID: uuid.New().String(), methods: copied}
}

// MarshalJSON encodes the reference as a RefHandle.
func (r *ObjectRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(RefHandle{ObjectRef: r.ID})
}

// Call invokes an exposed method directly.
func (r *ObjectRef) Call(ctx context.Context, method string, args json.RawMessage) (any, error) {
	fn, ok := r.methods[method]
	if !ok {
		return nil, fmt.Errorf("method %q on %q: %w", method, r.ID, apperrors.ErrNotFound)
	}
	return fn(ctx, args)
}
