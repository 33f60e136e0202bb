package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptModel replays one scripted chunk sequence per turn and snapshots the
// conversation it was asked to stream.
type scriptModel struct {
	turns      [][]Chunk
	calls      int
	err        error
	afterChunk func(turn, pos int)
	requests   []*Conversation
}

func (m *scriptModel) StreamTurn(_ context.Context, conversation *Conversation, _ []*ToolDefinition) (ChunkStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.calls >= len(m.turns) {
		return nil, fmt.Errorf("unexpected turn %d", m.calls+1)
	}
	m.requests = append(m.requests, conversation.Clone())
	turn := m.calls
	m.calls++

	stream := &scriptStream{chunks: m.turns[turn]}
	if m.afterChunk != nil {
		stream.afterChunk = func(pos int) { m.afterChunk(turn, pos) }
	}
	return stream, nil
}

func collectRun(run *Run) ([]StreamEvent, *RunResult, error) {
	var events []StreamEvent
	for event := range run.Events() {
		events = append(events, event)
	}
	result, err := run.Result()
	return events, result, err
}

func rolesOf(conversation *Conversation) []Role {
	roles := make([]Role, 0, conversation.Len())
	for _, message := range conversation.All() {
		roles = append(roles, message.Role)
	}
	return roles
}

func toolCallsTurn(callID string) []Chunk {
	return []Chunk{
		{Kind: ChunkToolCallBegin, CallID: callID, ToolName: "add"},
		{Kind: ChunkToolCallArgs, CallID: callID, ArgsFragment: `{"a":1`},
		{Kind: ChunkToolCallArgs, CallID: callID, ArgsFragment: `,"b":2}`},
		{Kind: ChunkFinish, Finish: FinishToolCalls},
	}
}

func TestRun_SimpleTextTurn(t *testing.T) {
	model := &scriptModel{turns: [][]Chunk{{
		{Kind: ChunkText, Text: "4"},
		{Kind: ChunkUsage, Usage: &Usage{InputTokens: 12, OutputTokens: 1}},
		{Kind: ChunkFinish, Finish: FinishStop},
	}}}
	runner := NewRunner(model, NewRegistry())

	conversation := NewConversation(UserMessage("What is 2+2?"))
	events, result, err := collectRun(runner.Run(context.Background(), conversation, RunOptions{}))
	require.NoError(t, err)

	require.Equal(t, []EventKind{EventTextDelta, EventTurnDone}, eventKinds(events))
	assert.Equal(t, "4", events[0].Text)
	assert.Equal(t, FinishStop, events[1].Finish)

	assert.Equal(t, FinishStop, result.Reason)
	assert.Equal(t, 1, result.Turns)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 1}, result.Usage)
	assert.Equal(t, "4", result.Message.Text())

	assert.Equal(t, []Role{RoleUser, RoleAssistant}, rolesOf(conversation))
}

func TestRun_ToolCallRoundTrip(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newAddTool(t)))

	model := &scriptModel{turns: [][]Chunk{
		toolCallsTurn("c1"),
		{
			{Kind: ChunkText, Text: "The sum is 3."},
			{Kind: ChunkFinish, Finish: FinishStop},
		},
	}}
	runner := NewRunner(model, reg)

	conversation := NewConversation(UserMessage("Add 1 and 2."))
	events, result, err := collectRun(runner.Run(context.Background(), conversation, RunOptions{}))
	require.NoError(t, err)

	require.Equal(t, []EventKind{
		EventToolCallStart, EventToolCallDelta, EventToolCallDelta,
		EventToolCallDone, EventTurnDone,
		EventTextDelta, EventTurnDone,
	}, eventKinds(events))

	assert.Equal(t, FinishStop, result.Reason)
	assert.Equal(t, 2, result.Turns)
	assert.Equal(t, "The sum is 3.", result.Message.Text())

	assert.Equal(t, []Role{RoleUser, RoleAssistant, RoleTool, RoleAssistant}, rolesOf(conversation))

	calls := conversation.All()[1].ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(calls[0].Arguments))

	// The second model request must already contain the tool's result.
	require.Len(t, model.requests, 2)
	second := model.requests[1]
	toolMsg := second.All()[2]
	require.Equal(t, RoleTool, toolMsg.Role)
	require.NotNil(t, toolMsg.Parts[0].ToolResult)
	assert.Equal(t, "c1", toolMsg.Parts[0].ToolResult.CallID)
	assert.Equal(t, "3", toolMsg.Parts[0].ToolResult.Content)
	assert.False(t, toolMsg.Parts[0].ToolResult.IsError)
}

func TestRun_TurnLimitStopsBeforeDispatch(t *testing.T) {
	var invoked atomic.Bool
	def, err := NewServerTool("add", "", nil, nil,
		func(context.Context, json.RawMessage) (any, error) {
			invoked.Store(true)
			return "3", nil
		})
	require.NoError(t, err)
	reg := NewRegistry()
	require.NoError(t, reg.Register(def))

	model := &scriptModel{turns: [][]Chunk{toolCallsTurn("c1")}}
	runner := NewRunner(model, reg)

	conversation := NewConversation(UserMessage("Add 1 and 2."))
	_, result, err := collectRun(runner.Run(context.Background(), conversation, RunOptions{MaxTurns: 1}))
	require.NoError(t, err)

	assert.Equal(t, FinishTurnLimit, result.Reason)
	assert.Equal(t, 1, result.Turns)
	assert.False(t, invoked.Load(), "tool must not run once the budget is exhausted")

	// The assistant message with the pending call is kept; no tool results
	// follow it.
	assert.Equal(t, []Role{RoleUser, RoleAssistant}, rolesOf(conversation))
	assert.Len(t, conversation.Last().ToolCalls(), 1)
}

func TestRun_ToolErrorBecomesResultMessage(t *testing.T) {
	def, err := NewServerTool("add", "", nil, nil,
		func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("upstream timeout")
		})
	require.NoError(t, err)
	reg := NewRegistry()
	require.NoError(t, reg.Register(def))

	model := &scriptModel{turns: [][]Chunk{
		toolCallsTurn("c1"),
		{
			{Kind: ChunkText, Text: "I could not compute that."},
			{Kind: ChunkFinish, Finish: FinishStop},
		},
	}}
	runner := NewRunner(model, reg)

	conversation := NewConversation(UserMessage("Add 1 and 2."))
	_, result, err := collectRun(runner.Run(context.Background(), conversation, RunOptions{}))
	require.NoError(t, err)

	// A failing tool never fails the run.
	assert.Equal(t, FinishStop, result.Reason)

	toolMsg := conversation.All()[2]
	require.Equal(t, RoleTool, toolMsg.Role)
	part := toolMsg.Parts[0].ToolResult
	require.NotNil(t, part)
	assert.True(t, part.IsError)
	assert.Contains(t, part.Content, "upstream timeout")
}

func TestRun_ClientToolResolved(t *testing.T) {
	def, err := NewClientTool("confirm", "Ask the user", nil, nil)
	require.NoError(t, err)
	reg := NewRegistry()
	require.NoError(t, reg.Register(def))

	model := &scriptModel{turns: [][]Chunk{
		{
			{Kind: ChunkToolCallBegin, CallID: "c1", ToolName: "confirm"},
			{Kind: ChunkToolCallArgs, CallID: "c1", ArgsFragment: `{"prompt":"Proceed?"}`},
			{Kind: ChunkFinish, Finish: FinishToolCalls},
		},
		{
			{Kind: ChunkText, Text: "Confirmed."},
			{Kind: ChunkFinish, Finish: FinishStop},
		},
	}}
	runner := NewRunner(model, reg)

	var resolved CompletedCall
	conversation := NewConversation(UserMessage("Please confirm."))
	_, result, err := collectRun(runner.Run(context.Background(), conversation, RunOptions{
		ResolveClientTool: func(_ context.Context, call CompletedCall) (string, error) {
			resolved = call
			return "yes", nil
		},
	}))
	require.NoError(t, err)

	assert.Equal(t, FinishStop, result.Reason)
	assert.Equal(t, "c1", resolved.ID)
	assert.Equal(t, "confirm", resolved.Name)

	part := conversation.All()[2].Parts[0].ToolResult
	require.NotNil(t, part)
	assert.Equal(t, "yes", part.Content)
	assert.False(t, part.IsError)
}

func TestRun_ClientToolWithoutResolver(t *testing.T) {
	def, err := NewClientTool("confirm", "", nil, nil)
	require.NoError(t, err)
	reg := NewRegistry()
	require.NoError(t, reg.Register(def))

	model := &scriptModel{turns: [][]Chunk{
		{
			{Kind: ChunkToolCallBegin, CallID: "c1", ToolName: "confirm"},
			{Kind: ChunkToolCallArgs, CallID: "c1", ArgsFragment: `{}`},
			{Kind: ChunkFinish, Finish: FinishToolCalls},
		},
		{
			{Kind: ChunkText, Text: "Understood."},
			{Kind: ChunkFinish, Finish: FinishStop},
		},
	}}
	runner := NewRunner(model, reg)

	conversation := NewConversation(UserMessage("Please confirm."))
	_, result, err := collectRun(runner.Run(context.Background(), conversation, RunOptions{}))
	require.NoError(t, err)

	assert.Equal(t, FinishStop, result.Reason)
	part := conversation.All()[2].Parts[0].ToolResult
	require.NotNil(t, part)
	assert.True(t, part.IsError)
	assert.Contains(t, part.Content, "client-side")
}

func TestRun_MalformedCallGetsErrorResult(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newAddTool(t)))

	model := &scriptModel{turns: [][]Chunk{
		{
			{Kind: ChunkToolCallBegin, CallID: "c1", ToolName: "add"},
			{Kind: ChunkToolCallArgs, CallID: "c1", ArgsFragment: `{"a":1`},
			{Kind: ChunkFinish, Finish: FinishToolCalls},
		},
		{
			{Kind: ChunkText, Text: "Something went wrong."},
			{Kind: ChunkFinish, Finish: FinishStop},
		},
	}}
	runner := NewRunner(model, reg)

	conversation := NewConversation(UserMessage("Add 1 and 2."))
	events, result, err := collectRun(runner.Run(context.Background(), conversation, RunOptions{}))
	require.NoError(t, err)
	assert.Equal(t, FinishStop, result.Reason)

	var sawMalformed bool
	for _, event := range events {
		if event.Kind == EventError && event.Err != nil {
			assert.Equal(t, ErrorMalformedArguments, event.Err.Kind)
			sawMalformed = true
		}
	}
	assert.True(t, sawMalformed)

	// The transcript keeps the raw buffer so the error result references a
	// call the model recognizes.
	calls := conversation.All()[1].ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, `{"a":1`, string(calls[0].Arguments))

	part := conversation.All()[2].Parts[0].ToolResult
	require.NotNil(t, part)
	assert.True(t, part.IsError)
	assert.Contains(t, part.Content, "not valid JSON")
}

func TestRun_TransportErrorEndsRun(t *testing.T) {
	model := &scriptModel{err: errors.New("connection refused")}
	runner := NewRunner(model, NewRegistry())

	conversation := NewConversation(UserMessage("hello"))
	events, result, err := collectRun(runner.Run(context.Background(), conversation, RunOptions{}))
	require.Error(t, err)

	assert.Equal(t, FinishError, result.Reason)
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, ErrorTransport, events[0].Err.Kind)
}

func TestRun_StreamEndingWithoutFinishIsTransportError(t *testing.T) {
	model := &scriptModel{turns: [][]Chunk{{
		{Kind: ChunkText, Text: "half an ans"},
	}}}
	runner := NewRunner(model, NewRegistry())

	conversation := NewConversation(UserMessage("hello"))
	events, result, err := collectRun(runner.Run(context.Background(), conversation, RunOptions{}))
	require.Error(t, err)
	assert.Equal(t, FinishError, result.Reason)
	assert.Equal(t, EventError, events[len(events)-1].Kind)
}

func TestRun_CancellationSkipsDispatch(t *testing.T) {
	var invoked atomic.Bool
	def, err := NewServerTool("add", "", nil, nil,
		func(context.Context, json.RawMessage) (any, error) {
			invoked.Store(true)
			return "3", nil
		})
	require.NoError(t, err)
	reg := NewRegistry()
	require.NoError(t, reg.Register(def))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model := &scriptModel{
		turns: [][]Chunk{toolCallsTurn("c1")},
		afterChunk: func(_, pos int) {
			if pos == 2 {
				cancel()
			}
		},
	}
	runner := NewRunner(model, reg)

	conversation := NewConversation(UserMessage("Add 1 and 2."))
	_, result, err := collectRun(runner.Run(ctx, conversation, RunOptions{}))
	require.NoError(t, err)

	assert.Equal(t, FinishCancelled, result.Reason)
	assert.False(t, invoked.Load(), "no dispatch for calls still streaming")
	// No tool-result messages were appended.
	for _, role := range rolesOf(conversation) {
		assert.NotEqual(t, RoleTool, role)
	}
}

func TestRun_IndependentRunsGetDistinctIDs(t *testing.T) {
	model := &scriptModel{turns: [][]Chunk{
		{{Kind: ChunkFinish, Finish: FinishStop}},
		{{Kind: ChunkFinish, Finish: FinishStop}},
	}}
	runner := NewRunner(model, NewRegistry())

	first := runner.Run(context.Background(), NewConversation(), RunOptions{})
	_, _, err := collectRun(first)
	require.NoError(t, err)

	second := runner.Run(context.Background(), NewConversation(), RunOptions{})
	_, _, err = collectRun(second)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
}
