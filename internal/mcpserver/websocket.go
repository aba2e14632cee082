package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"localrouter/pkg/logging"

	"github.com/gorilla/websocket"
)

// WebSocketTransport speaks symmetric JSON-RPC over a single duplex
// channel. Frames are classified exactly as on stdio: method+id is a
// reverse request, method-only a notification, id-only a response.
type WebSocketTransport struct {
	url     string
	headers map[string]string

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	health  Health

	pending  *pendingCalls
	ids      idCounter
	handlers handlerSet

	// streams holds per-request chunk channels for streaming calls. A
	// response frame with a matching id ends the stream.
	streamMu sync.Mutex
	streams  map[int64]chan json.RawMessage
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(url string, headers map[string]string) *WebSocketTransport {
	return &WebSocketTransport{
		url:     url,
		headers: headers,
		pending: newPendingCalls(),
		streams: make(map[int64]chan json.RawMessage),
		health:  Health{State: StateUnhealthy, Message: "not started"},
	}
}

// Start dials the server and begins the read loop.
func (t *WebSocketTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}
	if t.closed {
		return ErrTransportClosed
	}

	header := http.Header{}
	for k, v := range t.headers {
		header.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing %s: status %d: %w", t.url, resp.StatusCode, err)
		}
		return fmt.Errorf("dialing %s: %w", t.url, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.conn = conn
	t.cancel = cancel
	t.started = true
	t.health = Health{State: StateReady}

	go t.readLoop(loopCtx, conn)
	logging.Debug("WebSocketTransport", "Connected to %s", t.url)
	return nil
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logging.Warn("WebSocketTransport", "Connection to %s ended: %v", t.url, err)
			}
			break
		}

		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			logging.Warn("WebSocketTransport", "Dropping unparseable frame from %s: %v", t.url, err)
			continue
		}
		t.dispatch(ctx, &f)
	}

	t.mu.Lock()
	t.health = Health{State: StateUnhealthy, Message: "connection closed"}
	t.mu.Unlock()
	t.pending.failAll("websocket closed")
	t.closeStreams()
}

func (t *WebSocketTransport) dispatch(ctx context.Context, f *frame) {
	switch {
	case f.Method != "" && f.hasID():
		go func() {
			result, rpcErr := t.handlers.serve(ctx, f.Method, f.Params)
			resp := Response{JSONRPC: JSONRPCVersion, ID: f.ID, Result: result, Error: rpcErr}
			if err := t.writeFrame(resp); err != nil {
				logging.Warn("WebSocketTransport", "Failed to write reverse response to %s: %v", t.url, err)
			}
		}()

	case f.Method != "":
		// Streaming chunk notifications reference the originating request
		// id in params; plain notifications go to the handler.
		if f.Method == "stream/chunk" && t.feedStream(f.Params) {
			return
		}
		t.handlers.notify(f.Method, f.Params)

	case f.hasID():
		id, err := strconv.ParseInt(string(f.ID), 10, 64)
		if err != nil {
			logging.Warn("WebSocketTransport", "Dropping response with non-numeric id %s from %s", f.ID, t.url)
			return
		}
		if t.endStream(id) {
			return
		}
		resp := &Response{JSONRPC: f.JSONRPC, ID: f.ID, Result: f.Result, Error: f.Error}
		if !t.pending.resolve(id, resp) {
			logging.Warn("WebSocketTransport", "Dropping response with unknown id %s from %s", f.ID, t.url)
		}
	}
}

// SendRequest writes a request frame and waits for the response.
func (t *WebSocketTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := t.ids.next()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := t.pending.register(id)
	if err := t.writeFrame(req); err != nil {
		t.pending.drop(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.pending.drop(id)
		return nil, ctx.Err()
	}
}

// SendNotification writes a notification frame.
func (t *WebSocketTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	req, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.writeFrame(req)
}

// StreamRequest sends a request whose chunks arrive as stream/chunk
// notifications; the final response frame for the id closes the channel.
func (t *WebSocketTransport) StreamRequest(ctx context.Context, method string, params interface{}) (<-chan json.RawMessage, error) {
	id := t.ids.next()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	chunks := make(chan json.RawMessage, 16)
	t.streamMu.Lock()
	t.streams[id] = chunks
	t.streamMu.Unlock()

	if err := t.writeFrame(req); err != nil {
		t.streamMu.Lock()
		delete(t.streams, id)
		t.streamMu.Unlock()
		return nil, err
	}

	go func() {
		<-ctx.Done()
		t.endStream(id)
	}()
	return chunks, nil
}

// feedStream routes a stream/chunk notification to its request's channel.
func (t *WebSocketTransport) feedStream(params json.RawMessage) bool {
	var envelope struct {
		RequestID int64           `json:"requestId"`
		Chunk     json.RawMessage `json:"chunk"`
	}
	if err := json.Unmarshal(params, &envelope); err != nil {
		return false
	}

	t.streamMu.Lock()
	ch, ok := t.streams[envelope.RequestID]
	t.streamMu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- envelope.Chunk:
	default:
		logging.Warn("WebSocketTransport", "Stream %d back-pressured, dropping chunk", envelope.RequestID)
	}
	return true
}

func (t *WebSocketTransport) endStream(id int64) bool {
	t.streamMu.Lock()
	ch, ok := t.streams[id]
	delete(t.streams, id)
	t.streamMu.Unlock()

	if ok {
		close(ch)
	}
	return ok
}

func (t *WebSocketTransport) closeStreams() {
	t.streamMu.Lock()
	streams := t.streams
	t.streams = make(map[int64]chan json.RawMessage)
	t.streamMu.Unlock()

	for _, ch := range streams {
		close(ch)
	}
}

// SupportsStreaming reports true.
func (t *WebSocketTransport) SupportsStreaming() bool { return true }

// SetNotificationCallback registers the inbound notification handler.
func (t *WebSocketTransport) SetNotificationCallback(h NotificationHandler) {
	t.handlers.setNotification(h)
}

// SetRequestCallback registers the reverse-request handler.
func (t *WebSocketTransport) SetRequestCallback(h RequestHandler) {
	t.handlers.setRequest(h)
}

// Close tears the connection down.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	cancel := t.cancel
	t.health = Health{State: StateUnhealthy, Message: "closed"}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	t.pending.failAll("transport closed")
	t.closeStreams()
	return nil
}

// Health reports the transport's standing.
func (t *WebSocketTransport) Health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

// MarkHealthy records a successful initialize handshake.
func (t *WebSocketTransport) MarkHealthy() {
	t.mu.Lock()
	t.health = Health{State: StateHealthy}
	t.mu.Unlock()
}

func (t *WebSocketTransport) writeFrame(v interface{}) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed || conn == nil {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(v)
}
