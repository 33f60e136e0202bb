package agentloop

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/tidwall/gjson"
)

type processorState int

const (
	stateIdle processorState = iota
	stateStreaming
	stateDone
)

// toolCallAccum tracks one in-flight tool call: identity plus the raw
// argument buffer assembled from fragments.
type toolCallAccum struct {
	id   string
	name string
	buf  strings.Builder
}

// StreamProcessor turns one turn's canonical chunks into ordered stream
// events. It accumulates partial text implicitly (text deltas pass straight
// through) and partial tool-call argument buffers keyed by call id,
// re-parsing each buffer on every fragment so consumers see best-effort
// partial values.
//
// A processor handles exactly one turn: after the finish chunk it is done
// and further Feed calls return ErrProcessorDone. It is not safe for
// concurrent writers; exactly one producer feeds it.
type StreamProcessor struct {
	state  processorState
	calls  map[string]*toolCallAccum
	order  []string // call ids in first-seen order
	last   string   // most recent call id, for providers that omit ids on fragments
	usage  Usage
	finish FinishReason
}

func NewStreamProcessor() *StreamProcessor {
	return &StreamProcessor{calls: make(map[string]*toolCallAccum)}
}

// Feed processes one canonical chunk and returns the events it produced, in
// order. Chunks for different call ids may interleave freely; chunks for
// the same id must arrive in order (the normalizer's contract).
func (p *StreamProcessor) Feed(chunk Chunk) ([]StreamEvent, error) {
	if p.state == stateDone {
		return nil, ErrProcessorDone
	}
	if p.state == stateIdle {
		p.state = stateStreaming
	}

	switch chunk.Kind {
	case ChunkText:
		// No buffering: callers see text the moment it arrives.
		return []StreamEvent{{Kind: EventTextDelta, Text: chunk.Text}}, nil

	case ChunkToolCallBegin:
		return p.beginCall(chunk.CallID, chunk.ToolName), nil

	case ChunkToolCallArgs:
		return p.appendArgs(chunk.CallID, chunk.ArgsFragment), nil

	case ChunkUsage:
		if chunk.Usage != nil {
			p.usage.add(*chunk.Usage)
		}
		return nil, nil

	case ChunkFinish:
		return p.finalize(chunk.Finish), nil

	default:
		// Unknown chunk kinds from future normalizers are skipped rather
		// than failing the turn.
		return nil, nil
	}
}

// beginCall opens an argument buffer for a new call id and emits its start
// event. A begin for an id already seen only fills in a missing name.
func (p *StreamProcessor) beginCall(id, name string) []StreamEvent {
	if id == "" {
		id = gonanoid.Must()
	}
	if existing, ok := p.calls[id]; ok {
		if existing.name == "" {
			existing.name = name
		}
		return nil
	}
	p.calls[id] = &toolCallAccum{id: id, name: name}
	p.order = append(p.order, id)
	p.last = id
	return []StreamEvent{{Kind: EventToolCallStart, CallID: id, ToolName: name}}
}

// appendArgs routes a fragment to its call's buffer and emits the delta
// carrying the re-parsed partial value. A fragment with no id goes to the
// most recent call. A fragment for an id that never had a begin chunk opens
// the call implicitly so the start-before-delta ordering holds regardless.
func (p *StreamProcessor) appendArgs(id, fragment string) []StreamEvent {
	var events []StreamEvent
	if id == "" {
		id = p.last
	}
	call, ok := p.calls[id]
	if !ok {
		events = p.beginCall(id, "")
		call = p.calls[p.last]
	}
	call.buf.WriteString(fragment)

	partial, complete, err := ParsePartial([]byte(call.buf.String()))
	if err != nil {
		// A genuinely invalid buffer still produces a delta; the turn's
		// finish pass decides whether the call is malformed.
		partial, complete = nil, false
	}
	return append(events, StreamEvent{
		Kind:         EventToolCallDelta,
		CallID:       call.id,
		ToolName:     call.name,
		PartialArgs:  partial,
		ArgsComplete: complete,
	})
}

// finalize closes the turn: every call whose buffer is complete JSON gets
// its terminal done event; every call that never completed gets a per-call
// malformed-arguments error instead. The trailing turn-done event is always
// last.
func (p *StreamProcessor) finalize(reason FinishReason) []StreamEvent {
	p.state = stateDone
	p.finish = reason

	var events []StreamEvent
	for _, id := range p.order {
		call := p.calls[id]
		raw := call.buf.String()
		if gjson.Valid(raw) {
			var parsed any
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
				events = append(events, StreamEvent{
					Kind:       EventToolCallDone,
					CallID:     call.id,
					ToolName:   call.name,
					Args:       json.RawMessage(raw),
					ParsedArgs: parsed,
				})
				continue
			}
		}
		events = append(events, StreamEvent{
			Kind:     EventError,
			CallID:   call.id,
			ToolName: call.name,
			Err: &StreamError{
				Kind:    ErrorMalformedArguments,
				CallID:  call.id,
				Message: "tool call arguments never parsed as complete JSON",
			},
		})
	}
	return append(events, StreamEvent{Kind: EventTurnDone, Finish: reason})
}

// Done reports whether the turn has finished.
func (p *StreamProcessor) Done() bool {
	return p.state == stateDone
}

// Finish returns the turn's finish reason. Valid once Done.
func (p *StreamProcessor) Finish() FinishReason {
	return p.finish
}

// Usage returns the token usage accumulated from usage chunks.
func (p *StreamProcessor) Usage() Usage {
	return p.usage
}

// RawArguments returns the raw argument buffer for a call id, for
// transcript reconstruction of calls that never completed.
func (p *StreamProcessor) RawArguments(callID string) (string, bool) {
	call, ok := p.calls[callID]
	if !ok {
		return "", false
	}
	return call.buf.String(), true
}

// Consume drives the processor from a chunk stream until the turn finishes,
// the stream ends, the context is cancelled, or emit returns an error. The
// stream is not closed; the caller owns it.
func (p *StreamProcessor) Consume(ctx context.Context, stream ChunkStream, emit func(StreamEvent) error) error {
	for !p.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := stream.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		events, err := p.Feed(chunk)
		if err != nil {
			return err
		}
		for _, event := range events {
			if err := emit(event); err != nil {
				return err
			}
		}
	}
	return nil
}
