package payments

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen indicates the circuit breaker rejected a call without
// attempting the underlying operation.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CallKind classifies a failed outbound call.
type CallKind string

const (
	KindNetwork     CallKind = "network"
	KindTimeout     CallKind = "timeout"
	KindClient      CallKind = "client" // 4xx, not retryable
	KindServer      CallKind = "server" // 5xx
	KindCircuitOpen CallKind = "circuit_open"
)

// CallError is the single normalized error produced at the HTTP-client
// boundary. All retry and saga logic switches on Kind rather than probing
// transport-specific error shapes.
type CallError struct {
	Kind   CallKind
	Status int // HTTP status when Kind is client or server, else 0
	Err    error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s call failed (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s call failed: %v", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// CallKindOf extracts the normalized kind from an error chain.
func CallKindOf(err error) (CallKind, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
