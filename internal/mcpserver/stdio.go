package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"localrouter/pkg/logging"
)

// StdioTransport speaks line-delimited JSON-RPC over a spawned subprocess's
// stdin/stdout. Inbound frames without an id (or with a null id) dispatch
// as notifications; frames with both a method and an id are reverse
// requests delegated to the request callback; responses are matched to
// waiters by id. Stderr is logged line by line, never interpreted.
type StdioTransport struct {
	command string
	args    []string
	env     map[string]string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	started bool
	closed  bool

	// outstandingID tracks reverse-request ids currently outstanding; a
	// duplicate id while the prior one is pending is a protocol violation
	// that tears the stream down.
	seenMu        sync.Mutex
	outstandingID map[string]bool

	pending  *pendingCalls
	ids      idCounter
	handlers handlerSet

	cancel context.CancelFunc
	health Health
}

// NewStdioTransport creates a stdio transport for the given command. env is
// the already-merged environment (config env overlaid with auth env vars).
func NewStdioTransport(command string, args []string, env map[string]string) *StdioTransport {
	return &StdioTransport{
		command:       command,
		args:          args,
		env:           env,
		pending:       newPendingCalls(),
		outstandingID: make(map[string]bool),
		health:        Health{State: StateUnhealthy, Message: "not started"},
	}
}

// Start spawns the subprocess and begins the read loops.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}
	if t.closed {
		return ErrTransportClosed
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.Command(t.command, t.args...)
	cmd.Env = mergedEnviron(t.env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("starting %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.cancel = cancel
	t.started = true
	t.health = Health{State: StateReady}

	go t.readLoop(loopCtx, stdout)
	go t.drainStderr(stderr)

	logging.Debug("StdioTransport", "Spawned %s (pid %d)", t.command, cmd.Process.Pid)
	return nil
}

func (t *StdioTransport) readLoop(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			logging.Warn("StdioTransport", "Dropping unparseable frame from %s: %v", t.command, err)
			continue
		}
		t.dispatch(ctx, &f)
	}

	if err := scanner.Err(); err != nil {
		logging.Warn("StdioTransport", "Read loop for %s ended: %v", t.command, err)
	}
	t.markUnhealthy("process exited")
	t.pending.failAll("backend process exited")
}

func (t *StdioTransport) dispatch(ctx context.Context, f *frame) {
	switch {
	case f.Method != "" && f.hasID():
		// Reverse request: the backend plays client.
		t.handleReverseRequest(ctx, f)

	case f.Method != "":
		t.handlers.notify(f.Method, f.Params)

	case f.hasID():
		id, err := strconv.ParseInt(string(f.ID), 10, 64)
		if err != nil {
			logging.Warn("StdioTransport", "Dropping response with non-numeric id %s from %s", f.ID, t.command)
			return
		}
		resp := &Response{JSONRPC: f.JSONRPC, ID: f.ID, Result: f.Result, Error: f.Error}
		if !t.pending.resolve(id, resp) {
			// Unknown id: logged and dropped, never delivered to a waiter.
			logging.Warn("StdioTransport", "Dropping response with unknown id %s from %s", f.ID, t.command)
		}

	default:
		logging.Warn("StdioTransport", "Dropping frame with neither method nor id from %s", t.command)
	}
}

func (t *StdioTransport) handleReverseRequest(ctx context.Context, f *frame) {
	idKey := string(f.ID)

	t.seenMu.Lock()
	if t.outstandingID[idKey] {
		t.seenMu.Unlock()
		logging.Error("StdioTransport", nil, "Backend %s reused outstanding request id %s, tearing down", t.command, idKey)
		_ = t.Close()
		return
	}
	t.outstandingID[idKey] = true
	t.seenMu.Unlock()

	go func() {
		defer func() {
			t.seenMu.Lock()
			delete(t.outstandingID, idKey)
			t.seenMu.Unlock()
		}()

		result, rpcErr := t.handlers.serve(ctx, f.Method, f.Params)
		resp := Response{JSONRPC: JSONRPCVersion, ID: f.ID, Result: result, Error: rpcErr}
		if err := t.writeFrame(resp); err != nil {
			logging.Warn("StdioTransport", "Failed to write reverse response to %s: %v", t.command, err)
		}
	}()
}

func (t *StdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if text := scanner.Text(); text != "" {
			logging.Debug("StdioTransport", "[%s stderr] %s", t.command, text)
		}
	}
}

// SendRequest writes a request frame and blocks for its response.
func (t *StdioTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

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
func (t *StdioTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	req, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.writeFrame(req)
}

// StreamRequest is unsupported on stdio.
func (t *StdioTransport) StreamRequest(ctx context.Context, method string, params interface{}) (<-chan json.RawMessage, error) {
	return nil, ErrTransportStreamingUnsupported
}

// SupportsStreaming reports false: stdio has no streaming surface.
func (t *StdioTransport) SupportsStreaming() bool { return false }

// SetNotificationCallback registers the inbound notification handler.
func (t *StdioTransport) SetNotificationCallback(h NotificationHandler) {
	t.handlers.setNotification(h)
}

// SetRequestCallback registers the reverse-request handler.
func (t *StdioTransport) SetRequestCallback(h RequestHandler) {
	t.handlers.setRequest(h)
}

// Close terminates the subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd := t.cmd
	stdin := t.stdin
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	t.markUnhealthy("closed")
	t.pending.failAll("transport closed")
	return nil
}

// Health reports the transport's standing.
func (t *StdioTransport) Health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

// MarkHealthy records a successful initialize handshake.
func (t *StdioTransport) MarkHealthy() {
	t.mu.Lock()
	t.health = Health{State: StateHealthy}
	t.mu.Unlock()
}

func (t *StdioTransport) markUnhealthy(reason string) {
	t.mu.Lock()
	t.health = Health{State: StateUnhealthy, Message: reason}
	t.mu.Unlock()
}

func (t *StdioTransport) writeFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	stdin := t.stdin
	closed := t.closed
	t.mu.Unlock()

	if closed || stdin == nil {
		return ErrTransportClosed
	}
	_, err = stdin.Write(data)
	return err
}

// mergedEnviron builds the subprocess environment: the parent environment
// overlaid with the configured variables.
func mergedEnviron(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil // inherit parent environment
	}
	env := make([]string, 0, len(extra))
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	// exec.Cmd with non-nil Env replaces the environment entirely; include
	// the parent's so PATH and friends survive.
	return append(os.Environ(), env...)
}
