package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
)

// HealthState is the coarse transport health classification.
type HealthState string

const (
	StateHealthy   HealthState = "healthy"
	StateReady     HealthState = "ready" // connected, initialize not yet confirmed
	StateUnhealthy HealthState = "unhealthy"
)

// Health is a transport's current standing.
type Health struct {
	State   HealthState
	Message string
}

// NotificationHandler receives inbound frames without an id.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler serves reverse requests: inbound frames carrying both a
// method and an id, where the backend plays client. Returning an RPCError
// produces a JSON-RPC error response.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *RPCError)

// ErrTransportStreamingUnsupported is returned by StreamRequest on
// transports without a streaming surface (stdio).
var ErrTransportStreamingUnsupported = errors.New("transport does not support streaming requests")

// ErrTransportClosed is returned for operations on a closed transport.
var ErrTransportClosed = errors.New("transport is closed")

// Transport is the uniform interface over the three MCP wire variants.
// Implementations multiplex concurrent requests by JSON-RPC id and dispatch
// inbound notifications and reverse requests to the registered handlers.
type Transport interface {
	// Start connects (or spawns) the backend. Must be called before any
	// request.
	Start(ctx context.Context) error

	// SendRequest performs one JSON-RPC call and returns the raw result.
	SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error)

	// SendNotification emits a fire-and-forget notification frame.
	SendNotification(ctx context.Context, method string, params interface{}) error

	// StreamRequest performs a streaming call; chunks arrive on the
	// returned channel, closed at end of stream.
	StreamRequest(ctx context.Context, method string, params interface{}) (<-chan json.RawMessage, error)

	// SupportsStreaming reports whether StreamRequest works.
	SupportsStreaming() bool

	// SetNotificationCallback registers the inbound notification handler.
	SetNotificationCallback(h NotificationHandler)

	// SetRequestCallback registers the reverse-request handler.
	SetRequestCallback(h RequestHandler)

	// Close tears the connection down.
	Close() error

	// Health reports the transport's standing.
	Health() Health
}

// pendingCalls multiplexes in-flight requests by id. Shared by all three
// transports.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[int64]chan *Response
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[int64]chan *Response)}
}

func (p *pendingCalls) register(id int64) chan *Response {
	ch := make(chan *Response, 1)
	p.mu.Lock()
	p.calls[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingCalls) drop(id int64) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// resolve delivers a response to its waiter. ok is false for unknown ids;
// the caller logs and drops the frame.
func (p *pendingCalls) resolve(id int64, resp *Response) bool {
	p.mu.Lock()
	ch, ok := p.calls[id]
	delete(p.calls, id)
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- resp
	return true
}

// failAll wakes every waiter with an error response. Used on transport
// teardown.
func (p *pendingCalls) failAll(message string) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[int64]chan *Response)
	p.mu.Unlock()

	for id, ch := range calls {
		idData, _ := json.Marshal(id)
		ch <- &Response{
			JSONRPC: JSONRPCVersion,
			ID:      idData,
			Error:   &RPCError{Code: CodeInternalError, Message: message},
		}
	}
}

// idCounter allocates request ids.
type idCounter struct {
	n atomic.Int64
}

func (c *idCounter) next() int64 {
	return c.n.Add(1)
}

// handlerSet holds the registered callbacks under a lock so they can be
// swapped while the read loop runs.
type handlerSet struct {
	mu           sync.RWMutex
	notification NotificationHandler
	request      RequestHandler
}

func (h *handlerSet) setNotification(fn NotificationHandler) {
	h.mu.Lock()
	h.notification = fn
	h.mu.Unlock()
}

func (h *handlerSet) setRequest(fn RequestHandler) {
	h.mu.Lock()
	h.request = fn
	h.mu.Unlock()
}

func (h *handlerSet) notify(method string, params json.RawMessage) {
	h.mu.RLock()
	fn := h.notification
	h.mu.RUnlock()
	if fn != nil {
		fn(method, params)
	}
}

// serve runs the reverse-request handler, or answers method-not-found when
// none is registered.
func (h *handlerSet) serve(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *RPCError) {
	h.mu.RLock()
	fn := h.request
	h.mu.RUnlock()
	if fn == nil {
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "no handler for " + method}
	}
	return fn(ctx, method, params)
}
