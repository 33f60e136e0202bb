package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ModelStreamer is the model boundary: it sends one turn's conversation and
// tool declarations to a backend and returns the resulting chunk stream.
// Implementations own all transport concerns (connections, auth, retries);
// a transport failure reaches the loop only as a stream error.
type ModelStreamer interface {
	StreamTurn(ctx context.Context, conversation *Conversation, tools []*ToolDefinition) (ChunkStream, error)
}

// ClientResolver supplies the result of a client-capability tool call. The
// loop blocks on it until the external caller produces the result; impose a
// deadline through ctx if the wait must be bounded.
type ClientResolver func(ctx context.Context, call CompletedCall) (string, error)

// DefaultMaxTurns bounds runs whose options leave MaxTurns unset. A model
// could request tools indefinitely; the budget is the loop's most important
// safety bound.
const DefaultMaxTurns = 8

// RunOptions configures one run.
type RunOptions struct {
	// MaxTurns is the model-turn budget. Zero or negative uses
	// DefaultMaxTurns.
	MaxTurns int

	// ResolveClientTool resolves client-capability tool calls. When nil,
	// a client tool call produces a tool-result error message instead.
	ResolveClientTool ClientResolver
}

// RunResult is the terminal outcome of a run. Every terminal state carries
// an explicit reason: a provider finish reason on normal completion,
// FinishTurnLimit or FinishCancelled otherwise.
type RunResult struct {
	// Message is the final accumulated assistant message.
	Message Message

	// Reason is the terminal reason code.
	Reason FinishReason

	// Turns is the number of model turns consumed.
	Turns int

	// Usage is the token usage accumulated across all turns.
	Usage Usage
}

// Runner drives agent loops against one model backend and one tool
// registry. Independent Run invocations share no mutable state and may
// execute concurrently.
type Runner struct {
	model    ModelStreamer
	registry *Registry
	logger   *slog.Logger
}

func NewRunner(model ModelStreamer, registry *Registry) *Runner {
	return &Runner{
		model:    model,
		registry: registry,
		logger:   slog.Default(),
	}
}

func (r *Runner) GetLogger() *slog.Logger {
	return r.logger
}

func (r *Runner) SetLogger(logger *slog.Logger) {
	r.logger = logger
}

// Run is a single agent-loop invocation: a finite event stream plus one
// terminal result. A finished run cannot be re-driven; start a new one.
type Run struct {
	id     string
	events chan StreamEvent
	done   chan struct{}
	result *RunResult
	err    error
}

func (run *Run) ID() string { return run.id }

// Events returns the run's event stream. The channel closes after the
// terminal event; callers must drain it (or cancel the run's context) for
// the run to make progress.
func (run *Run) Events() <-chan StreamEvent { return run.events }

// Result blocks until the run finishes and returns its terminal result.
// The returned error is non-nil only for run-fatal failures (transport
// errors); per-call tool failures are encoded in the conversation instead.
func (run *Run) Result() (*RunResult, error) {
	<-run.done
	return run.result, run.err
}

// Run starts an agent loop over the caller-owned conversation. The loop
// appends to the conversation (assistant messages, tool results) and never
// edits earlier messages. Events stream on Run.Events; the terminal result
// is available from Run.Result once the event channel closes.
//
// Cancelling ctx transitions the run to a cancelled terminal state:
// in-flight argument buffers are discarded and no pending server-side tool
// is invoked.
func (r *Runner) Run(ctx context.Context, conversation *Conversation, opts RunOptions) *Run {
	run := &Run{
		id:     uuid.NewString(),
		events: make(chan StreamEvent),
		done:   make(chan struct{}),
	}
	go r.drive(ctx, run, conversation, opts)
	return run
}

// turnCall records one tool call from a finished turn, in first-seen order,
// so results append to the conversation deterministically.
type turnCall struct {
	call      CompletedCall
	malformed bool
}

func (r *Runner) drive(ctx context.Context, run *Run, conversation *Conversation, opts RunOptions) {
	defer close(run.events)
	defer close(run.done)

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	var usage Usage
	var finalMessage Message
	turns := 0

	finish := func(reason FinishReason, err error) {
		run.result = &RunResult{
			Message: finalMessage,
			Reason:  reason,
			Turns:   turns,
			Usage:   usage,
		}
		run.err = err
	}

	for {
		turns++
		r.logger.Info("starting model turn", "run", run.id, "turn", turns)

		stream, err := r.model.StreamTurn(ctx, conversation, r.registry.Definitions())
		if err != nil {
			r.logger.Error("model request failed", "run", run.id, "error", err)
			_ = run.emit(ctx, StreamEvent{Kind: EventError, Err: &StreamError{
				Kind: ErrorTransport, Message: err.Error(), err: err,
			}})
			finish(FinishError, err)
			return
		}

		processor := NewStreamProcessor()
		var text strings.Builder
		var calls []turnCall

		consumeErr := processor.Consume(ctx, stream, func(event StreamEvent) error {
			switch event.Kind {
			case EventTextDelta:
				text.WriteString(event.Text)
			case EventToolCallDone:
				calls = append(calls, turnCall{call: CompletedCall{
					ID:   event.CallID,
					Name: event.ToolName,
					Args: event.Args,
				}})
			case EventError:
				if event.Err != nil && event.Err.Kind == ErrorMalformedArguments {
					raw, _ := processor.RawArguments(event.CallID)
					calls = append(calls, turnCall{
						call:      CompletedCall{ID: event.CallID, Name: event.ToolName, Args: json.RawMessage(raw)},
						malformed: true,
					})
				}
			}
			return run.emit(ctx, event)
		})
		closeErr := stream.Close()
		usage.add(processor.Usage())

		if consumeErr != nil {
			if errors.Is(consumeErr, context.Canceled) || errors.Is(consumeErr, context.DeadlineExceeded) {
				// Keep text already streamed; discard in-flight buffers and
				// skip all dispatch.
				appendAssistant(conversation, &finalMessage, text.String(), nil)
				run.tryEmit(StreamEvent{Kind: EventTurnDone, Finish: FinishCancelled})
				finish(FinishCancelled, nil)
				return
			}
			r.logger.Error("stream failed mid-turn", "run", run.id, "error", consumeErr)
			_ = run.emit(ctx, StreamEvent{Kind: EventError, Err: &StreamError{
				Kind: ErrorTransport, Message: consumeErr.Error(), err: consumeErr,
			}})
			finish(FinishError, consumeErr)
			return
		}
		if !processor.Done() {
			// Stream ended without a finish signal.
			err := fmt.Errorf("chunk stream ended before finish signal")
			if closeErr != nil {
				err = fmt.Errorf("%w (close: %v)", err, closeErr)
			}
			_ = run.emit(ctx, StreamEvent{Kind: EventError, Err: &StreamError{
				Kind: ErrorTransport, Message: err.Error(), err: err,
			}})
			finish(FinishError, err)
			return
		}

		appendAssistant(conversation, &finalMessage, text.String(), calls)

		if len(calls) == 0 {
			finish(processor.Finish(), nil)
			return
		}
		if turns >= maxTurns {
			r.logger.Warn("turn budget exhausted with pending tool calls", "run", run.id, "turns", turns)
			finish(FinishTurnLimit, nil)
			return
		}

		results := r.dispatchAll(ctx, run, calls, opts)
		if ctx.Err() != nil {
			finish(FinishCancelled, nil)
			return
		}
		for _, call := range calls {
			result := results[call.call.ID]
			conversation.Add(Message{Role: RoleTool, Parts: []Part{{
				Kind:       PartToolResult,
				ToolResult: &result,
			}}})
		}
	}
}

// dispatchAll executes a turn's tool calls. Independent calls run
// concurrently; the returned map is keyed by call id and the caller appends
// results in first-seen order so the next turn sees a deterministic
// transcript. Every failure mode becomes an error-flagged result — the
// model sees the error, never a silent drop.
func (r *Runner) dispatchAll(ctx context.Context, run *Run, calls []turnCall, opts RunOptions) map[string]ToolResultPart {
	results := make(map[string]ToolResultPart, len(calls))
	var mu sync.Mutex
	var wg sync.WaitGroup

	record := func(id string, part ToolResultPart) {
		mu.Lock()
		results[id] = part
		mu.Unlock()
	}

	for _, tc := range calls {
		if tc.malformed {
			record(tc.call.ID, ToolResultPart{
				CallID:  tc.call.ID,
				Content: "Error: tool call arguments were not valid JSON.",
				IsError: true,
			})
			continue
		}
		wg.Add(1)
		go func(call CompletedCall) {
			defer wg.Done()
			record(call.ID, r.dispatchOne(ctx, run, call, opts))
		}(tc.call)
	}
	wg.Wait()
	return results
}

func (r *Runner) dispatchOne(ctx context.Context, run *Run, call CompletedCall, opts RunOptions) ToolResultPart {
	r.logger.Info("dispatching tool", "run", run.id, "tool", call.Name, "call", call.ID)

	result, err := r.registry.Dispatch(ctx, call)
	if errors.Is(err, ErrAwaitingClient) {
		if opts.ResolveClientTool == nil {
			return ToolResultPart{
				CallID:  call.ID,
				Content: fmt.Sprintf("Error: tool %s requires client-side execution and no resolver is available.", call.Name),
				IsError: true,
			}
		}
		content, resolveErr := opts.ResolveClientTool(ctx, call)
		if resolveErr != nil {
			r.logger.Error("client tool resolution failed", "run", run.id, "tool", call.Name, "error", resolveErr)
			return ToolResultPart{
				CallID:  call.ID,
				Content: fmt.Sprintf("Error: %s", resolveErr.Error()),
				IsError: true,
			}
		}
		return ToolResultPart{CallID: call.ID, Content: content}
	}
	if err != nil {
		r.logger.Error("tool dispatch failed", "run", run.id, "tool", call.Name, "error", err)
		return ToolResultPart{
			CallID:  call.ID,
			Content: fmt.Sprintf("Error: %s", err.Error()),
			IsError: true,
		}
	}
	return result
}

// appendAssistant folds a turn's streamed text and tool calls into an
// assistant message on the conversation. Malformed calls keep their raw
// buffer so the follow-up error result references a call the model
// recognizes. Turns that produced nothing append nothing.
func appendAssistant(conversation *Conversation, finalMessage *Message, text string, calls []turnCall) {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Kind: PartText, Text: text})
	}
	for _, tc := range calls {
		call := tc.call
		parts = append(parts, Part{Kind: PartToolCall, ToolCall: &ToolCallPart{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Args,
		}})
	}
	if len(parts) == 0 {
		return
	}
	message := Message{Role: RoleAssistant, Parts: parts}
	conversation.Add(message)
	*finalMessage = message
}

// emit delivers an event, giving up when the run's context is cancelled so
// an abandoned consumer cannot wedge the loop.
func (run *Run) emit(ctx context.Context, event StreamEvent) error {
	select {
	case run.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEmit delivers a terminal event best-effort, for paths where the
// context may already be cancelled.
func (run *Run) tryEmit(event StreamEvent) {
	select {
	case run.events <- event:
	default:
	}
}
