package concord

import (
	"errors"
	"fmt"
)

// Sentinel errors for callers that branch on failure kind via errors.Is.
var (
	// ErrUnknownNode is returned when a graph operation references a node
	// id that does not exist.
	ErrUnknownNode = errors.New("unknown memory node")

	// ErrUnknownStrategy is returned when an arbitration call names a
	// strategy that is not loaded and no fallback could be engaged.
	ErrUnknownStrategy = errors.New("unknown arbitration strategy")

	// ErrTooFewOutputs is returned when arbitration is requested with
	// fewer than two competing outputs.
	ErrTooFewOutputs = errors.New("arbitration requires at least 2 outputs")
)

// StorageError wraps a durable-store failure. Storage failures are fatal for
// the operation that triggered them and always propagate to the caller.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConfigError reports a malformed roles or arbitration configuration.
// Surfaced from Reload() without disturbing the live snapshot; fatal only
// at init.
type ConfigError struct {
	Source string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Source, e.Reason)
}

// InvocationError reports an agent invocation failure. Transient failures
// are retried by the dispatcher; permanent ones fail the subtask.
type InvocationError struct {
	AgentID   string
	Transient bool
	Err       error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.AgentID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Transient reports whether err is an InvocationError marked transient.
func Transient(err error) bool {
	var ie *InvocationError
	return errors.As(err, &ie) && ie.Transient
}
