package agentloop

import "encoding/json"

// EventKind tags the variant of a stream event.
type EventKind string

const (
	// EventTextDelta carries a fragment of assistant text, emitted as it
	// arrives with no buffering.
	EventTextDelta EventKind = "text-delta"

	// EventToolCallStart announces a tool call id and function name. For a
	// given call id it precedes every other event for that call.
	EventToolCallStart EventKind = "tool-call-start"

	// EventToolCallDelta carries the best-effort partial argument value
	// after each fragment, along with a completeness flag. Always emitted,
	// even when the partial value is unchanged, so consumers can render
	// live partial UI.
	EventToolCallDelta EventKind = "tool-call-delta"

	// EventToolCallDone finalizes a call whose argument buffer parsed as
	// complete JSON when the turn finished. Exactly one terminal event
	// (done or error) is emitted per call.
	EventToolCallDone EventKind = "tool-call-done"

	// EventTurnDone is the last event of a turn and carries the finish
	// reason.
	EventTurnDone EventKind = "turn-done"

	// EventError carries a StreamError. Per-call errors (malformed
	// arguments) name the call; transport errors do not.
	EventError EventKind = "error"
)

// StreamEvent is one element of the normalized event stream produced by the
// StreamProcessor and relayed by Run. Fields beyond Kind are populated per
// variant.
type StreamEvent struct {
	Kind EventKind

	// Text is set for EventTextDelta.
	Text string

	// CallID and ToolName identify the call for tool events and per-call
	// errors.
	CallID   string
	ToolName string

	// PartialArgs and ArgsComplete are set for EventToolCallDelta.
	PartialArgs  any
	ArgsComplete bool

	// Args is the raw complete argument buffer, set for EventToolCallDone.
	Args json.RawMessage

	// ParsedArgs is the decoded argument value, set for EventToolCallDone.
	ParsedArgs any

	// Finish is set for EventTurnDone.
	Finish FinishReason

	// Err is set for EventError; it is always a *StreamError.
	Err *StreamError
}

// MarshalJSON renders the event in a wire-friendly shape: only the fields
// relevant to the event's kind, with the error flattened to kind + message.
// Used by the SSE writer.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": string(e.Kind)}
	switch e.Kind {
	case EventTextDelta:
		out["text"] = e.Text
	case EventToolCallStart:
		out["callId"] = e.CallID
		out["toolName"] = e.ToolName
	case EventToolCallDelta:
		out["callId"] = e.CallID
		out["partialArgs"] = e.PartialArgs
		out["complete"] = e.ArgsComplete
	case EventToolCallDone:
		out["callId"] = e.CallID
		out["toolName"] = e.ToolName
		out["args"] = e.ParsedArgs
	case EventTurnDone:
		out["reason"] = string(e.Finish)
	case EventError:
		if e.Err != nil {
			out["errorKind"] = string(e.Err.Kind)
			out["message"] = e.Err.Message
			if e.Err.CallID != "" {
				out["callId"] = e.Err.CallID
			}
		}
	}
	return json.Marshal(out)
}
