package engine

import (
	"errors"
	"fmt"
)

// ErrResolve matches every fatal error returned by Resolve. Use errors.As with
// the concrete types below for the diagnostic payload.
var ErrResolve = errors.New("flow resolution failed")

// InvalidFlowError reports a flow record that cannot be classified.
type InvalidFlowError struct {
	FlowID int
	Reason string
	Raw    []byte
}

func (e *InvalidFlowError) Error() string {
	return fmt.Sprintf("invalid flow %d: %s (record: %s)", e.FlowID, e.Reason, e.Raw)
}

func (e *InvalidFlowError) Is(target error) bool { return target == ErrResolve }

// ProtocolError reports a response that does not match the request it answers.
type ProtocolError struct {
	Manager string
	Batch   int
	Reason  string
	Raw     []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation in %s batch %d: %s (response: %s)", e.Manager, e.Batch, e.Reason, truncate(e.Raw, 2048))
}

func (e *ProtocolError) Is(target error) bool { return target == ErrResolve }

// IncompleteError reports a registered flow that no manager decided.
type IncompleteError struct {
	FlowID int
	Raw    []byte
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("flow %d was registered but never decided (record: %s)", e.FlowID, e.Raw)
}

func (e *IncompleteError) Is(target error) bool { return target == ErrResolve }

// transportError wraps authority call failures so they still match ErrResolve.
type transportError struct {
	Manager string
	Batch   int
	Err     error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("authority call for %s batch %d failed: %v", e.Manager, e.Batch, e.Err)
}

func (e *transportError) Unwrap() error { return e.Err }

func (e *transportError) Is(target error) bool { return target == ErrResolve }

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return append(b[:n:n], "..."...)
}
