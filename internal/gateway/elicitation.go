package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"localrouter/pkg/logging"

	"github.com/google/uuid"
)

// DefaultElicitationTimeout bounds how long a backend's elicitation waits
// for the user.
const DefaultElicitationTimeout = 120 * time.Second

// cancelledElicitation is the response delivered on timeout.
var cancelledElicitation = json.RawMessage(`{"action":"cancel"}`)

// pendingElicitation is one parked elicitation request.
type pendingElicitation struct {
	ID        string          `json:"id"`
	ServerID  string          `json:"server_id"`
	ClientID  string          `json:"client_id"`
	Params    json.RawMessage `json:"params"`
	CreatedAt time.Time       `json:"created_at"`

	done chan json.RawMessage
	once sync.Once
}

// ElicitationManager parks backend elicitation requests keyed by a fresh
// id until the user responds (over the HTTP API) or the timeout completes
// them with a cancellation response.
type ElicitationManager struct {
	mu      sync.Mutex
	pending map[string]*pendingElicitation
	timeout time.Duration
}

// NewElicitationManager creates an elicitation manager.
func NewElicitationManager(timeout time.Duration) *ElicitationManager {
	if timeout <= 0 {
		timeout = DefaultElicitationTimeout
	}
	return &ElicitationManager{
		pending: make(map[string]*pendingElicitation),
		timeout: timeout,
	}
}

// Park registers a new elicitation and returns its id and wait channel.
func (m *ElicitationManager) Park(serverID, clientID string, params json.RawMessage) *pendingElicitation {
	p := &pendingElicitation{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		ClientID:  clientID,
		Params:    params,
		CreatedAt: time.Now(),
		done:      make(chan json.RawMessage, 1),
	}

	m.mu.Lock()
	m.pending[p.ID] = p
	m.mu.Unlock()
	return p
}

// Await blocks until the user's response or the timeout. On timeout the
// request completes with the cancellation response.
func (m *ElicitationManager) Await(ctx context.Context, p *pendingElicitation) json.RawMessage {
	defer func() {
		m.mu.Lock()
		delete(m.pending, p.ID)
		m.mu.Unlock()
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case response := <-p.done:
		return response
	case <-timer.C:
		logging.Warn("Elicitation", "Request %s timed out after %v, cancelling", p.ID, m.timeout)
		return cancelledElicitation
	case <-ctx.Done():
		return cancelledElicitation
	}
}

// Respond delivers the user's response to a parked request. The waiter is
// woken at most once.
func (m *ElicitationManager) Respond(id string, response json.RawMessage) error {
	m.mu.Lock()
	p, ok := m.pending[id]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending elicitation %s", id)
	}

	delivered := false
	p.once.Do(func() {
		p.done <- response
		delivered = true
	})
	if !delivered {
		return fmt.Errorf("elicitation %s already resolved", id)
	}
	return nil
}

// Pending returns a snapshot of parked requests for UI polling.
func (m *ElicitationManager) Pending() []pendingElicitation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]pendingElicitation, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, pendingElicitation{
			ID: p.ID, ServerID: p.ServerID, ClientID: p.ClientID,
			Params: p.Params, CreatedAt: p.CreatedAt,
		})
	}
	return out
}
