package provider

import "fmt"

// ErrBreakerOpen is returned when the provider's circuit breaker is open.
// The call fails fast, never reaches the transport, and does not consume
// the retry budget.
type ErrBreakerOpen struct {
	Provider string
}

func (e *ErrBreakerOpen) Error() string {
	return fmt.Sprintf("provider: circuit open: %s", e.Provider)
}

// ErrCallFailed wraps the last transport error after all retry attempts
// were exhausted.
type ErrCallFailed struct {
	Provider string
	Attempts int
	Cause    error
}

func (e *ErrCallFailed) Error() string {
	return fmt.Sprintf("provider: %s call failed after %d attempts: %v", e.Provider, e.Attempts, e.Cause)
}

func (e *ErrCallFailed) Unwrap() error { return e.Cause }

// ErrEmptyResponse is returned when the provider answered without usable
// content.
type ErrEmptyResponse struct {
	Provider string
}

func (e *ErrEmptyResponse) Error() string {
	return fmt.Sprintf("provider: %s returned an empty response", e.Provider)
}
