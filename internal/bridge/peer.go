package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "github.com/p-blackswan/circuit-idle/internal/errors"
	"github.com/p-blackswan/circuit-idle/internal/metrics"
	"github.com/p-blackswan/circuit-idle/internal/requestid"
)

// Config holds bridge peer configuration.
type Config struct {
	// InvokeTimeout is the max wait for a response to an outgoing request
	// when the caller's context has no earlier deadline.
	InvokeTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// HandshakeTimeout bounds the dial handshake (client side only).
	HandshakeTimeout time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		InvokeTimeout:    10 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// RequestHandler serves an incoming request. The returned value becomes the
// response payload.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// EventHandler receives an incoming event.
type EventHandler func(ctx context.Context, payload json.RawMessage)

// Interceptor wraps the processing of every inbound frame. It must call next
// to continue processing and should return next's error unchanged.
type Interceptor func(ctx context.Context, f Frame, next func(ctx context.Context) error) error

// Peer is one end of a bridge connection. Inbound frames are processed in
// order on the Serve goroutine, so handlers must not wait on a Request to
// the same peer; spawn a goroutine for that.
type Peer struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	ws      *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan Frame // request ID → response channel
	handlers  map[string]RequestHandler
	events    map[string]EventHandler
	refs      map[string]*ObjectRef
	intercept Interceptor
	closed    bool
	done      chan struct{}
}

// NewPeer wraps an established WebSocket connection.
func NewPeer(ws *websocket.Conn, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Peer {
	def := DefaultConfig()
	if cfg.InvokeTimeout == 0 {
		cfg.InvokeTimeout = def.InvokeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	p := &Peer{
		cfg:      cfg,
		logger:   logger.With().Str("component", "bridge").Logger(),
		metrics:  m,
		ws:       ws,
		pending:  make(map[string]chan Frame),
		handlers: make(map[string]RequestHandler),
		events:   make(map[string]EventHandler),
		refs:     make(map[string]*ObjectRef),
		done:     make(chan struct{}),
	}
	p.handlers[MethodInvoke] = p.handleInvoke
	p.handlers[MethodPing] = func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	}
	return p
}

// Dial connects to a bridge endpoint and returns the client-side peer.
// The caller must run Serve.
func Dial(ctx context.Context, url string, cfg Config, logger zerolog.Logger) (*Peer, error) {
	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = DefaultConfig().HandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial failed: %w: %w", apperrors.ErrBridgeUnavailable, err)
	}
	return NewPeer(ws, cfg, logger, nil), nil
}

// Handle registers a request handler for method, replacing any previous one.
func (p *Peer) Handle(method string, h RequestHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = h
}

// OnEvent registers an event handler.
func (p *Peer) OnEvent(event string, h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[event] = h
}

// Intercept installs the inbound interceptor. Set it before Serve.
func (p *Peer) Intercept(i Interceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intercept = i
}

// CreateReference exposes methods to the peer under a new object reference.
func (p *Peer) CreateReference(methods Methods) *ObjectRef {
	ref := NewObjectRef(methods)
	p.mu.Lock()
	p.refs[ref.ID] = ref
	p.mu.Unlock()
	return ref
}

// ReleaseReference stops exposing ref.
func (p *Peer) ReleaseReference(ref *ObjectRef) {
	if ref == nil {
		return
	}
	p.mu.Lock()
	delete(p.refs, ref.ID)
	p.mu.Unlock()
}

// Serve reads frames until the connection closes. It returns nil when the
// connection was closed locally or by a normal close frame.
func (p *Peer) Serve(ctx context.Context) error {
	defer p.shutdown()

	for {
		_, msg, err := p.ws.ReadMessage()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			p.logger.Warn().Err(err).Msg("ws parse error")
			continue
		}
		p.metrics.RecordFrame("in", frame.Type)

		p.mu.Lock()
		intercept := p.intercept
		p.mu.Unlock()

		fctx, _ := requestid.Ensure(ctx, frame.ID)
		next := func(ctx context.Context) error { return p.dispatch(ctx, frame) }
		if intercept != nil {
			err = intercept(fctx, frame, next)
		} else {
			err = next(fctx)
		}
		if err != nil {
			flog := requestid.Logger(fctx, p.logger)
			flog.Debug().
				Err(err).
				Str("type", frame.Type).
				Str("method", frame.Method).
				Msg("frame processing failed")
		}
	}
}

func (p *Peer) dispatch(ctx context.Context, frame Frame) error {
	switch frame.Type {
	case FrameResponse:
		p.mu.Lock()
		ch, ok := p.pending[frame.ID]
		if ok {
			delete(p.pending, frame.ID)
		}
		p.mu.Unlock()
		if ok {
			ch <- frame
		}
		return nil

	case FrameRequest:
		p.mu.Lock()
		h, ok := p.handlers[frame.Method]
		p.mu.Unlock()
		if !ok {
			err := fmt.Errorf("method %q: %w", frame.Method, apperrors.ErrNotFound)
			p.respondError(frame.ID, CodeNotFound, err.Error())
			return err
		}

		result, err := p.runHandler(ctx, h, frame.Params)
		if err != nil {
			p.respondError(frame.ID, errorCode(err), err.Error())
			return err
		}
		return p.respond(frame.ID, result)

	case FrameEvent:
		p.mu.Lock()
		h, ok := p.events[frame.Event]
		p.mu.Unlock()
		if ok {
			h(ctx, frame.Payload)
		} else {
			p.logger.Trace().Str("event", frame.Event).Msg("unhandled event")
		}
		return nil

	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func (p *Peer) runHandler(ctx context.Context, h RequestHandler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, params)
}

func (p *Peer) handleInvoke(ctx context.Context, raw json.RawMessage) (any, error) {
	var params InvokeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &apperrors.RemoteError{Code: CodeBadRequest, Message: "malformed invoke params"}
	}

	p.mu.Lock()
	ref, ok := p.refs[params.Ref]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("object reference %q: %w", params.Ref, apperrors.ErrNotFound)
	}
	return ref.Call(ctx, params.Method, params.Args)
}

func errorCode(err error) string {
	var remote *apperrors.RemoteError
	switch {
	case errors.As(err, &remote):
		return remote.Code
	case errors.Is(err, apperrors.ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

func (p *Peer) respond(id string, result any) error {
	ok := true
	frame := Frame{Type: FrameResponse, ID: id, OK: &ok}
	if result != nil {
		payload, err := json.Marshal(result)
		if err != nil {
			p.respondError(id, CodeInternal, "unencodable result")
			return fmt.Errorf("marshaling result: %w", err)
		}
		frame.Payload = payload
	}
	return p.write(frame)
}

func (p *Peer) respondError(id, code, message string) {
	ok := false
	frame := Frame{
		Type:  FrameResponse,
		ID:    id,
		OK:    &ok,
		Error: &FrameError{Code: code, Message: message},
	}
	if err := p.write(frame); err != nil {
		p.logger.Debug().Err(err).Str("id", id).Msg("failed to send error response")
	}
}

func (p *Peer) write(frame Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_ = p.ws.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	if err := p.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	p.metrics.RecordFrame("out", frame.Type)
	return nil
}

// Request sends a request and waits for its response payload.
func (p *Peer) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, apperrors.ErrBridgeUnavailable
	}
	p.mu.Unlock()

	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		paramsJSON = b
	}

	reqID := uuid.New().String()
	respCh := make(chan Frame, 1)
	p.mu.Lock()
	p.pending[reqID] = respCh
	p.mu.Unlock()

	start := time.Now()
	if err := p.write(Frame{Type: FrameRequest, ID: reqID, Method: method, Params: paramsJSON}); err != nil {
		p.forget(reqID)
		return nil, fmt.Errorf("sending %s request: %w", method, err)
	}

	timer := time.NewTimer(p.cfg.InvokeTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		p.metrics.ObserveInvoke(method, time.Since(start).Seconds())
		if resp.Error != nil {
			return nil, &apperrors.RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if resp.OK == nil || !*resp.OK {
			return nil, fmt.Errorf("%s request failed", method)
		}
		return resp.Payload, nil
	case <-timer.C:
		p.forget(reqID)
		return nil, fmt.Errorf("%s request: %w", method, apperrors.ErrTimeout)
	case <-ctx.Done():
		p.forget(reqID)
		return nil, ctx.Err()
	}
}

func (p *Peer) forget(reqID string) {
	p.mu.Lock()
	delete(p.pending, reqID)
	p.mu.Unlock()
}

// InvokeVoid calls a function registered on the peer under identifier with
// positional args and discards the result.
func (p *Peer) InvokeVoid(ctx context.Context, identifier string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	_, err := p.Request(ctx, identifier, args)
	return err
}

// Invoke calls method on an object reference exposed by the peer.
func (p *Peer) Invoke(ctx context.Context, ref, method string, args any) (json.RawMessage, error) {
	params := InvokeParams{Ref: ref, Method: method}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshaling invoke args: %w", err)
		}
		params.Args = b
	}
	return p.Request(ctx, MethodInvoke, params)
}

// Notify sends a fire-and-forget event.
func (p *Peer) Notify(_ context.Context, event string, payload any) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return apperrors.ErrBridgeUnavailable
	}
	p.mu.Unlock()

	frame := Frame{Type: FrameEvent, Event: event}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling %s payload: %w", event, err)
		}
		frame.Payload = b
	}
	return p.write(frame)
}

// Done is closed once Serve has returned.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close gracefully shuts down the connection. Close is idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.writeMu.Lock()
	_ = p.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	p.writeMu.Unlock()
	return p.ws.Close()
}

func (p *Peer) shutdown() {
	p.mu.Lock()
	p.closed = true
	// Fail all pending requests
	for id, ch := range p.pending {
		ch <- Frame{
			Type:  FrameResponse,
			ID:    id,
			Error: &FrameError{Code: CodeDisconnected, Message: "connection lost"},
		}
		delete(p.pending, id)
	}
	p.refs = make(map[string]*ObjectRef)
	p.mu.Unlock()

	_ = p.ws.Close()
	close(p.done)
}
