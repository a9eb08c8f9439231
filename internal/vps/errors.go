package vps

import (
	"errors"
	"fmt"
)

// Client errors: rejected synchronously with no side effects.
var (
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")
	ErrProductUnavailable    = errors.New("product unavailable")
	ErrWorkerUnavailable     = errors.New("worker unavailable")
	ErrInvalidAction         = errors.New("unsupported worker action")
	ErrInsufficientBalance   = errors.New("insufficient coin balance")
	ErrSessionNotFound       = errors.New("session not found")
	ErrLogNotAvailable       = errors.New("log not available")
)

// Availability reason codes surfaced to callers.
const (
	ReasonNoWorkerAvailable    = "no_worker_available"
	ReasonAllUnreachable       = "all_workers_unreachable"
	ReasonNoTokensAvailable    = "no_tokens_available"
	ReasonWorkerCreationFailed = "worker_creation_failed"
)

// UnavailableError means no worker could serve the request. If a debit had
// already occurred, the refund was issued before this error was returned.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string { return "no worker available: " + e.Reason }

// GoneError means the provisioned resource was confirmed unreachable after
// creation; the session was force-terminated and refunded as a side effect.
type GoneError struct {
	Detail string
}

func (e *GoneError) Error() string {
	return fmt.Sprintf("session terminated: %s", e.Detail)
}
