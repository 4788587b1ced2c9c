package quote

import "errors"

var (
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrQuoteNotFound    = errors.New("quote not found")
	ErrQuoteExpired     = errors.New("quote expired")
	ErrPaymentReplayed  = errors.New("payment already used")

	// ErrConflict means a status transition lost a race with a concurrent
	// writer. Callers recover by re-reading the final state; it is never
	// surfaced to clients.
	ErrConflict = errors.New("quote status conflict")
)
