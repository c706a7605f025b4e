package circuit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/p-blackswan/circuit-idle/internal/errors"
	"github.com/p-blackswan/circuit-idle/internal/metrics"
)

// recordingHandler logs every lifecycle call into a shared journal.
type recordingHandler struct {
	name     string
	journal  *journal
	openErr  error
	closeErr error
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (h *recordingHandler) OnCircuitOpened(context.Context, *Circuit) error {
	h.journal.add(h.name + ".opened")
	return h.openErr
}

func (h *recordingHandler) OnCircuitClosed(context.Context, *Circuit) error {
	h.journal.add(h.name + ".closed")
	return h.closeErr
}

func (h *recordingHandler) CreateInboundActivityHandler(next InboundFunc) InboundFunc {
	return func(ctx context.Context, a Activity) error {
		h.journal.add(h.name + ".before")
		err := next(ctx, a)
		h.journal.add(h.name + ".after")
		return err
	}
}

func (h *recordingHandler) Dispose() { h.journal.add(h.name + ".disposed") }

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Describe() any { return map[string]string{"name": h.name} }

func factoryFor(name string, j *journal) HandlerFactory {
	return func(*Circuit) (Handler, error) {
		return &recordingHandler{name: name, journal: j}, nil
	}
}

type closingClient struct {
	Client
	closed bool
}

func (c *closingClient) Close() error {
	c.closed = true
	return nil
}

func TestHost_OpenInboundClose(t *testing.T) {
	j := &journal{}
	h := NewHost(zerolog.Nop(), metrics.New())
	h.AddHandler(factoryFor("a", j))
	h.AddHandler(factoryFor("b", j))

	c, err := h.Open(context.Background(), "127.0.0.1:5000", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Nil(t, c.Client())
	assert.Equal(t, 1, h.Count())

	err = h.Inbound(context.Background(), c.ID, Activity{
		Kind: "req",
		Work: func(context.Context) error {
			j.add("work")
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, h.Close(context.Background(), c.ID))
	assert.Equal(t, 0, h.Count())

	assert.Equal(t, []string{
		"a.opened", "b.opened",
		"a.before", "b.before", "work", "b.after", "a.after",
		"b.closed", "a.closed",
		"a.disposed", "b.disposed",
	}, j.all())
}

func TestHost_InboundPropagatesWorkError(t *testing.T) {
	j := &journal{}
	h := NewHost(zerolog.Nop(), nil)
	h.AddHandler(factoryFor("a", j))

	c, err := h.Open(context.Background(), "", nil)
	require.NoError(t, err)

	boom := errors.New("work failed")
	err = h.Inbound(context.Background(), c.ID, Activity{Work: func(context.Context) error { return boom }})
	assert.Same(t, boom, err)

	assert.NoError(t, h.Inbound(context.Background(), c.ID, Activity{}))
}

func TestHost_UnknownCircuit(t *testing.T) {
	h := NewHost(zerolog.Nop(), nil)
	assert.ErrorIs(t, h.Inbound(context.Background(), "nope", Activity{}), apperrors.ErrNotFound)
	assert.ErrorIs(t, h.Close(context.Background(), "nope"), apperrors.ErrNotFound)
	_, err := h.Get("nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestHost_OpenFailureUnwinds(t *testing.T) {
	j := &journal{}
	h := NewHost(zerolog.Nop(), nil)
	h.AddHandler(factoryFor("a", j))
	h.AddHandler(func(*Circuit) (Handler, error) {
		return &recordingHandler{name: "b", journal: j, openErr: errors.New("refused")}, nil
	})

	_, err := h.Open(context.Background(), "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.Equal(t, 0, h.Count())
	assert.Equal(t, []string{"a.opened", "b.opened", "a.closed", "a.disposed", "b.disposed"}, j.all())
}

func TestHost_OpenFailureLogsUnwindErrors(t *testing.T) {
	var buf bytes.Buffer
	j := &journal{}
	h := NewHost(zerolog.New(&buf), nil)
	h.AddHandler(func(*Circuit) (Handler, error) {
		return &recordingHandler{name: "a", journal: j, closeErr: errors.New("release failed")}, nil
	})
	h.AddHandler(func(*Circuit) (Handler, error) {
		return &recordingHandler{name: "b", journal: j, openErr: errors.New("refused")}, nil
	})

	_, err := h.Open(context.Background(), "", nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "release failed")

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, "error unwinding circuit handler")
	assert.Contains(t, out, "release failed")
	assert.Contains(t, out, "circuit_id")
	assert.Equal(t, []string{"a.opened", "b.opened", "a.closed", "a.disposed", "b.disposed"}, j.all())
}

func TestHost_FactoryFailure(t *testing.T) {
	j := &journal{}
	h := NewHost(zerolog.Nop(), nil)
	h.AddHandler(factoryFor("a", j))
	h.AddHandler(func(*Circuit) (Handler, error) { return nil, apperrors.ErrInvalidConfig })

	_, err := h.Open(context.Background(), "", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
	assert.Equal(t, []string{"a.disposed"}, j.all())
}

func TestHost_HandlersAreScopedPerCircuit(t *testing.T) {
	var built []*Circuit
	h := NewHost(zerolog.Nop(), nil)
	h.AddHandler(func(c *Circuit) (Handler, error) {
		built = append(built, c)
		return BaseHandler{}, nil
	})

	c1, err := h.Open(context.Background(), "", nil)
	require.NoError(t, err)
	c2, err := h.Open(context.Background(), "", nil)
	require.NoError(t, err)

	require.Len(t, built, 2)
	assert.Same(t, c1, built[0])
	assert.Same(t, c2, built[1])
	assert.NotEqual(t, c1.ID, c2.ID)
}

func TestHost_CloseClosesClient(t *testing.T) {
	h := NewHost(zerolog.Nop(), nil)
	client := &closingClient{}
	c, err := h.Open(context.Background(), "", client)
	require.NoError(t, err)
	assert.Same(t, client, c.Client())

	require.NoError(t, h.Close(context.Background(), c.ID))
	assert.True(t, client.closed)
}

func TestHost_ListAndDescribe(t *testing.T) {
	j := &journal{}
	h := NewHost(zerolog.Nop(), nil)
	h.AddHandler(factoryFor("watch", j))

	first, err := h.Open(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = h.Open(context.Background(), "b", nil)
	require.NoError(t, err)

	list := h.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)

	info, err := h.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "watch"}, info.Handlers["watch"])

	h.CloseAll(context.Background())
	assert.Equal(t, 0, h.Count())
}
