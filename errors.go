package agentloop

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to check.
var (
	// ErrDuplicateTool is returned by Registry.Register when a tool with
	// the same name already exists.
	ErrDuplicateTool = errors.New("tool name already registered")

	// ErrUnknownTool is returned by Registry.Dispatch when no definition
	// matches the call's function name.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrUnboundCapability is returned by Registry.Dispatch when the
	// definition was declared for schema advertisement only and has no
	// execution capability attached.
	ErrUnboundCapability = errors.New("tool has no execution capability")

	// ErrAwaitingClient marks a dispatch that must be resolved by an
	// external caller: the tool's body runs client-side and the dispatcher
	// never invokes it directly.
	ErrAwaitingClient = errors.New("tool awaits client-side execution")

	// ErrArgumentValidation wraps input-contract violations.
	ErrArgumentValidation = errors.New("argument validation failed")

	// ErrOutputValidation wraps output-contract violations.
	ErrOutputValidation = errors.New("output validation failed")

	// ErrProcessorDone is returned when chunks are fed to a StreamProcessor
	// whose turn already finished. A processor handles exactly one turn.
	ErrProcessorDone = errors.New("stream processor already finished its turn")
)

// ErrorKind classifies StreamEvent errors so consumers can react without
// string matching.
type ErrorKind string

const (
	// ErrorTransport is a failure surfaced by the chunk stream itself.
	// The core never retries it.
	ErrorTransport ErrorKind = "transport"

	// ErrorMalformedArguments means a tool call's argument buffer never
	// parsed as complete JSON by the time the turn finished. Per-call:
	// the turn itself still completes.
	ErrorMalformedArguments ErrorKind = "malformed_tool_arguments"
)

// StreamError is the error payload of an EventError stream event.
type StreamError struct {
	Kind    ErrorKind
	CallID  string // set for per-call errors
	Message string
	err     error
}

func (e *StreamError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("%s (call %s): %s", e.Kind, e.CallID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StreamError) Unwrap() error { return e.err }

// DispatchError describes a failure local to one tool call during dispatch.
// It wraps one of the dispatch sentinels (ErrUnknownTool, ErrUnboundCapability,
// ErrArgumentValidation, ErrOutputValidation) plus enough context for the
// loop to encode the failure as a tool-result message.
type DispatchError struct {
	Tool   string
	CallID string
	Reason string
	Err    error // wrapped sentinel
}

func (e *DispatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("dispatch %s: %v: %s", e.Tool, e.Err, e.Reason)
	}
	return fmt.Sprintf("dispatch %s: %v", e.Tool, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsDispatchError reports whether err is or wraps a DispatchError.
func IsDispatchError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}
