package firewall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"localrouter/pkg/logging"

	"github.com/google/uuid"
)

// Subject classifies what an approval request is about.
type Subject string

const (
	SubjectToolCall  Subject = "tool_call"
	SubjectModelCall Subject = "model_call"
	SubjectGuardrail Subject = "guardrail_scan"
)

// Action is the user's verdict on an approval request.
type Action string

const (
	AllowOnce      Action = "allow_once"
	AllowSession   Action = "allow_session"
	Allow1Hour     Action = "allow_1_hour"
	AllowPermanent Action = "allow_permanent"
	Deny           Action = "deny"
	DenySession    Action = "deny_session"
	DenyAlways     Action = "deny_always"
)

// Allows reports whether the action permits the pending call.
func (a Action) Allows() bool {
	switch a {
	case AllowOnce, AllowSession, Allow1Hour, AllowPermanent:
		return true
	}
	return false
}

// Request is a pending approval surfaced to the UI.
type Request struct {
	ID         string                 `json:"id"`
	ClientID   string                 `json:"client_id"`
	ClientName string                 `json:"client_name"`
	Subject    Subject                `json:"subject"`
	Summary    string                 `json:"summary"`            // preview for the UI
	Params     map[string]interface{} `json:"params,omitempty"`   // editable args for tool/model calls
	CreatedAt  time.Time              `json:"created_at"`
	Deadline   time.Time              `json:"deadline"`
}

// Decision is the terminal outcome of a request.
type Decision struct {
	Action     Action                 `json:"action"`
	EditedArgs map[string]interface{} `json:"edited_args,omitempty"`
}

// ErrTimeout is returned when the deadline passes with no user action.
var ErrTimeout = errors.New("approval request timed out")

// Notifier is called when a new request needs user attention. The SSE bus
// wires this to a notification on the client's stream; implementations must
// not block.
type Notifier func(req Request)

// pending pairs a request with its single waiter.
type pending struct {
	request Request
	done    chan Decision // buffered(1); the waiter is woken at most once
	once    sync.Once
}

// Manager holds pending approval requests keyed by UUID. Each request has
// exactly one waiter and exactly one terminal outcome: a user action or the
// deadline.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*pending

	timeout  time.Duration
	notifier Notifier

	// autoApprove short-circuits every request with AllowOnce. Set by the
	// serve command's --yolo flag; never enabled by default.
	autoApprove bool
}

// NewManager creates a firewall manager. timeout bounds how long a request
// may stay pending.
func NewManager(timeout time.Duration, notifier Notifier) *Manager {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Manager{
		requests: make(map[string]*pending),
		timeout:  timeout,
		notifier: notifier,
	}
}

// SetAutoApprove toggles unattended approval of every request.
func (m *Manager) SetAutoApprove(v bool) {
	m.mu.Lock()
	m.autoApprove = v
	m.mu.Unlock()
}

// Submit registers a request, notifies the UI, and blocks until the user
// acts, the deadline passes, or ctx is cancelled. The request is always
// removed before returning.
func (m *Manager) Submit(ctx context.Context, req Request) (Decision, error) {
	m.mu.Lock()
	auto := m.autoApprove
	m.mu.Unlock()
	if auto {
		logging.Warn("Firewall", "Auto-approving %s for client %s (yolo mode)", req.Subject, req.ClientName)
		return Decision{Action: AllowOnce}, nil
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = time.Now()
	req.Deadline = req.CreatedAt.Add(m.timeout)

	p := &pending{request: req, done: make(chan Decision, 1)}

	m.mu.Lock()
	m.requests[req.ID] = p
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.requests, req.ID)
		m.mu.Unlock()
	}()

	logging.Info("Firewall", "Approval request %s (%s) for client %s: %s", req.ID, req.Subject, req.ClientName, req.Summary)
	if m.notifier != nil {
		m.notifier(req)
	}

	timer := time.NewTimer(time.Until(req.Deadline))
	defer timer.Stop()

	select {
	case decision := <-p.done:
		logging.Info("Firewall", "Approval request %s resolved: %s", req.ID, decision.Action)
		return decision, nil
	case <-timer.C:
		logging.Warn("Firewall", "Approval request %s timed out after %v", req.ID, m.timeout)
		return Decision{}, ErrTimeout
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers the user's decision to the request's waiter. A request
// already resolved or expired returns an error; the waiter is woken at most
// once.
func (m *Manager) Resolve(id string, decision Decision) error {
	m.mu.Lock()
	p, ok := m.requests[id]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending approval request %s", id)
	}

	delivered := false
	p.once.Do(func() {
		p.done <- decision
		delivered = true
	})
	if !delivered {
		return fmt.Errorf("approval request %s already resolved", id)
	}
	return nil
}

// Pending returns a snapshot of outstanding requests for UI polling.
func (m *Manager) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, 0, len(m.requests))
	for _, p := range m.requests {
		out = append(out, p.request)
	}
	return out
}
