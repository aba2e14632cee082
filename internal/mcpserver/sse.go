package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"localrouter/pkg/logging"
)

// SSETransport speaks the MCP HTTP+SSE transport: a long-lived GET stream
// delivers events; requests POST to the endpoint the server announces in
// its stream-start "endpoint" event. Responses and notifications arrive on
// the stream tagged with event name "message".
type SSETransport struct {
	baseURL string
	headers map[string]string
	client  *http.Client

	mu          sync.Mutex
	endpointURL string
	started     bool
	closed      bool
	cancel      context.CancelFunc
	health      Health

	endpointReady chan struct{}

	pending  *pendingCalls
	ids      idCounter
	handlers handlerSet
}

// NewSSETransport creates an HTTP+SSE transport. headers carry the
// already-injected outbound auth.
func NewSSETransport(baseURL string, headers map[string]string, client *http.Client) *SSETransport {
	if client == nil {
		client = &http.Client{}
	}
	return &SSETransport{
		baseURL:       baseURL,
		headers:       headers,
		client:        client,
		endpointReady: make(chan struct{}),
		pending:       newPendingCalls(),
		health:        Health{State: StateUnhealthy, Message: "not started"},
	}
}

// Start opens the event stream and waits for the endpoint announcement.
func (t *SSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.started = true
	t.mu.Unlock()

	req, err := http.NewRequest(http.MethodGet, t.baseURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	resp, err := t.client.Do(req.WithContext(streamCtx))
	if err != nil {
		cancel()
		return fmt.Errorf("opening SSE stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		resp.Body.Close()
		return fmt.Errorf("SSE stream returned status %d", resp.StatusCode)
	}

	t.mu.Lock()
	t.cancel = cancel
	t.health = Health{State: StateReady}
	t.mu.Unlock()

	go t.readLoop(streamCtx, resp.Body)

	// The endpoint event must arrive before any request can be POSTed.
	select {
	case <-t.endpointReady:
		return nil
	case <-time.After(10 * time.Second):
		t.Close()
		return fmt.Errorf("timed out waiting for endpoint event from %s", t.baseURL)
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

// readSSE parses events from an SSE body, calling emit per event.
func readSSE(r io.Reader, emit func(ev sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var ev sseEvent
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 || ev.name != "" {
				ev.data = strings.Join(data, "\n")
				if !emit(ev) {
					return nil
				}
			}
			ev = sseEvent{}
			data = nil
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}

func (t *SSETransport) readLoop(ctx context.Context, body io.ReadCloser) {
	defer body.Close()

	err := readSSE(body, func(ev sseEvent) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		switch ev.name {
		case "endpoint":
			t.setEndpoint(ev.data)
		case "", "message":
			t.dispatch(ctx, []byte(ev.data))
		default:
			logging.Debug("SSETransport", "Ignoring event %q from %s", ev.name, t.baseURL)
		}
		return true
	})

	if err != nil {
		logging.Warn("SSETransport", "Stream from %s ended: %v", t.baseURL, err)
	}
	t.mu.Lock()
	t.health = Health{State: StateUnhealthy, Message: "stream closed"}
	t.mu.Unlock()
	t.pending.failAll("SSE stream closed")
}

func (t *SSETransport) setEndpoint(raw string) {
	endpoint := raw
	if u, err := url.Parse(t.baseURL); err == nil {
		if rel, err := url.Parse(raw); err == nil {
			endpoint = u.ResolveReference(rel).String()
		}
	}

	t.mu.Lock()
	first := t.endpointURL == ""
	t.endpointURL = endpoint
	t.mu.Unlock()

	if first {
		close(t.endpointReady)
	}
	logging.Debug("SSETransport", "Endpoint for %s is %s", t.baseURL, endpoint)
}

func (t *SSETransport) dispatch(ctx context.Context, payload []byte) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		logging.Warn("SSETransport", "Dropping unparseable frame from %s: %v", t.baseURL, err)
		return
	}

	switch {
	case f.Method != "" && f.hasID():
		go func() {
			result, rpcErr := t.handlers.serve(ctx, f.Method, f.Params)
			resp := Response{JSONRPC: JSONRPCVersion, ID: f.ID, Result: result, Error: rpcErr}
			if err := t.post(ctx, resp); err != nil {
				logging.Warn("SSETransport", "Failed to post reverse response to %s: %v", t.baseURL, err)
			}
		}()

	case f.Method != "":
		t.handlers.notify(f.Method, f.Params)

	case f.hasID():
		id, err := strconv.ParseInt(string(f.ID), 10, 64)
		if err != nil {
			logging.Warn("SSETransport", "Dropping response with non-numeric id %s from %s", f.ID, t.baseURL)
			return
		}
		resp := &Response{JSONRPC: f.JSONRPC, ID: f.ID, Result: f.Result, Error: f.Error}
		if !t.pending.resolve(id, resp) {
			logging.Warn("SSETransport", "Dropping response with unknown id %s from %s", f.ID, t.baseURL)
		}
	}
}

// SendRequest POSTs a request frame and waits for its response on the
// event stream.
func (t *SSETransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := t.ids.next()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := t.pending.register(id)
	if err := t.post(ctx, req); err != nil {
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

// SendNotification POSTs a notification frame.
func (t *SSETransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	req, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.post(ctx, req)
}

// StreamRequest POSTs a request with an SSE accept header and yields the
// chunk payloads of the per-request stream.
func (t *SSETransport) StreamRequest(ctx context.Context, method string, params interface{}) (<-chan json.RawMessage, error) {
	id := t.ids.next()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	endpoint, err := t.endpoint()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("streaming request returned status %d", resp.StatusCode)
	}

	chunks := make(chan json.RawMessage, 16)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		_ = readSSE(resp.Body, func(ev sseEvent) bool {
			if ev.name != "" && ev.name != "message" {
				return true
			}
			select {
			case chunks <- json.RawMessage(ev.data):
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return chunks, nil
}

// SupportsStreaming reports true.
func (t *SSETransport) SupportsStreaming() bool { return true }

// SetNotificationCallback registers the inbound notification handler.
func (t *SSETransport) SetNotificationCallback(h NotificationHandler) {
	t.handlers.setNotification(h)
}

// SetRequestCallback registers the reverse-request handler.
func (t *SSETransport) SetRequestCallback(h RequestHandler) {
	t.handlers.setRequest(h)
}

// Close tears the stream down.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.health = Health{State: StateUnhealthy, Message: "closed"}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.pending.failAll("transport closed")
	return nil
}

// Health reports the transport's standing.
func (t *SSETransport) Health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

// MarkHealthy records a successful initialize handshake.
func (t *SSETransport) MarkHealthy() {
	t.mu.Lock()
	t.health = Health{State: StateHealthy}
	t.mu.Unlock()
}

func (t *SSETransport) endpoint() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrTransportClosed
	}
	if t.endpointURL == "" {
		return "", fmt.Errorf("no endpoint announced yet by %s", t.baseURL)
	}
	return t.endpointURL, nil
}

func (t *SSETransport) post(ctx context.Context, v interface{}) error {
	endpoint, err := t.endpoint()
	if err != nil {
		return err
	}

	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("POST to %s returned %d: %s", endpoint, resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}
