package router

import (
	"sync"
	"time"

	"localrouter/internal/config"
	"localrouter/pkg/logging"
)

// Amounts is a usage sample across all rate-limit dimensions.
type Amounts struct {
	Requests     float64
	InputTokens  float64
	OutputTokens float64
	TotalTokens  float64
	CostUSD      float64
}

// get returns the sample's value on one dimension.
func (a Amounts) get(d config.RateLimitDimension) float64 {
	switch d {
	case config.LimitRequests:
		return a.Requests
	case config.LimitInputTokens:
		return a.InputTokens
	case config.LimitOutputTokens:
		return a.OutputTokens
	case config.LimitTotalTokens:
		return a.TotalTokens
	case config.LimitCostUSD:
		return a.CostUSD
	}
	return 0
}

// increment is one recorded usage event.
type increment struct {
	at      time.Time
	amounts Amounts
}

// clientWindow holds the committed and reserved usage for one client.
type clientWindow struct {
	committed []increment
	reserved  map[uint64]increment
}

// CheckResult reports one dimension's standing against its rule.
type CheckResult struct {
	Allowed    bool
	Dimension  config.RateLimitDimension
	Current    float64
	Limit      float64
	RetryAfter time.Duration
}

// Limiter is a sliding-window rate limiter per client across the dimensions
// {requests, input tokens, output tokens, total tokens, cost USD}. There is
// no cross-process coordination.
//
// Callers Reserve an estimate before dispatch, then either Commit the
// actual usage or Release the reservation on failure. Committed usage ages
// out of the window; retry_after is the time until the oldest contributing
// increment expires.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	nextRes uint64

	now func() time.Time // swapped in tests
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		clients: make(map[string]*clientWindow),
		now:     time.Now,
	}
}

// Reservation is an in-flight usage estimate held against the limits.
type Reservation struct {
	limiter  *Limiter
	clientID string
	id       uint64
	done     bool
}

// Check evaluates the client's rules against current usage plus the
// estimate, without reserving. The first violated rule is returned.
func (l *Limiter) Check(clientID string, rules []config.RateLimitRule, estimate Amounts) CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(clientID, rules, estimate)
}

func (l *Limiter) checkLocked(clientID string, rules []config.RateLimitRule, estimate Amounts) CheckResult {
	now := l.now()
	cw := l.clients[clientID]

	for _, rule := range rules {
		window := time.Duration(rule.WindowSec) * time.Second
		windowStart := now.Add(-window)

		var current float64
		oldest := time.Time{}
		if cw != nil {
			for _, inc := range cw.committed {
				if !inc.at.After(windowStart) {
					continue
				}
				amount := inc.amounts.get(rule.Dimension)
				if amount == 0 {
					continue
				}
				current += amount
				if oldest.IsZero() || inc.at.Before(oldest) {
					oldest = inc.at
				}
			}
			for _, inc := range cw.reserved {
				current += inc.amounts.get(rule.Dimension)
			}
		}

		if current+estimate.get(rule.Dimension) > rule.Value {
			retryAfter := window
			if !oldest.IsZero() {
				retryAfter = oldest.Add(window).Sub(now)
			}
			if retryAfter < 0 {
				retryAfter = 0
			}
			return CheckResult{
				Allowed:    false,
				Dimension:  rule.Dimension,
				Current:    current,
				Limit:      rule.Value,
				RetryAfter: retryAfter,
			}
		}
	}
	return CheckResult{Allowed: true}
}

// Reserve checks the rules and, if allowed, holds the estimate against the
// limits until Commit or Release.
func (l *Limiter) Reserve(clientID string, rules []config.RateLimitRule, estimate Amounts) (*Reservation, CheckResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := l.checkLocked(clientID, rules, estimate)
	if !result.Allowed {
		return nil, result
	}

	cw := l.clients[clientID]
	if cw == nil {
		cw = &clientWindow{reserved: make(map[uint64]increment)}
		l.clients[clientID] = cw
	}

	l.nextRes++
	id := l.nextRes
	cw.reserved[id] = increment{at: l.now(), amounts: estimate}
	return &Reservation{limiter: l, clientID: clientID, id: id}, result
}

// Commit replaces the reservation with the actual usage.
func (r *Reservation) Commit(actual Amounts) {
	if r == nil || r.done {
		return
	}
	r.done = true

	l := r.limiter
	l.mu.Lock()
	defer l.mu.Unlock()

	cw := l.clients[r.clientID]
	if cw == nil {
		return
	}
	delete(cw.reserved, r.id)
	cw.committed = append(cw.committed, increment{at: l.now(), amounts: actual})
}

// Release drops the reservation without committing usage. Safe to call
// after Commit (it becomes a no-op), which lets callers defer it.
func (r *Reservation) Release() {
	if r == nil || r.done {
		return
	}
	r.done = true

	l := r.limiter
	l.mu.Lock()
	defer l.mu.Unlock()

	if cw := l.clients[r.clientID]; cw != nil {
		delete(cw.reserved, r.id)
	}
}

// Cleanup drops committed increments older than the largest window. Called
// periodically to bound memory.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-24 * time.Hour)
	for clientID, cw := range l.clients {
		var recent []increment
		for _, inc := range cw.committed {
			if inc.at.After(cutoff) {
				recent = append(recent, inc)
			}
		}
		cw.committed = recent
		if len(cw.committed) == 0 && len(cw.reserved) == 0 {
			delete(l.clients, clientID)
			logging.Debug("RateLimiter", "Dropped idle client window %s", clientID)
		}
	}
}
