package providers

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrStreamingUnsupported is returned by StreamComplete on providers whose
// wire protocol (or adapter) lacks streaming.
var ErrStreamingUnsupported = errors.New("streaming is not supported by this provider")

// Error is the single error envelope providers surface. Status carries the
// upstream HTTP status when one exists; Transient marks failures the router
// may retry on another candidate.
type Error struct {
	Provider  string
	Status    int
	Message   string
	Transient bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: upstream status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// IsTransient reports whether err is a provider error the router may retry
// with the next fallback candidate. Network failures and 5xx/429 statuses
// are transient; other 4xx are terminal.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// statusError classifies an upstream HTTP failure into the envelope.
func statusError(provider string, status int, body string) *Error {
	return &Error{
		Provider:  provider,
		Status:    status,
		Message:   body,
		Transient: status == http.StatusTooManyRequests || status >= 500,
	}
}

// transportError wraps a network-level failure (always transient).
func transportError(provider string, err error) *Error {
	return &Error{Provider: provider, Message: err.Error(), Transient: true}
}
