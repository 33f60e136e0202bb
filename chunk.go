package agentloop

// ChunkKind tags the variant of a canonical stream chunk.
type ChunkKind string

const (
	// ChunkText carries a fragment of assistant text.
	ChunkText ChunkKind = "text"

	// ChunkToolCallBegin announces a tool call: its id and function name.
	ChunkToolCallBegin ChunkKind = "tool_call_begin"

	// ChunkToolCallArgs appends a fragment to a call's argument buffer.
	ChunkToolCallArgs ChunkKind = "tool_call_args"

	// ChunkFinish signals the end of the turn with a reason code.
	ChunkFinish ChunkKind = "finish"

	// ChunkUsage carries token usage statistics.
	ChunkUsage ChunkKind = "usage"
)

// FinishReason is the provider's reason code for ending a turn, normalized
// to a fixed vocabulary. Run-level terminal reasons extend it.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"

	// FinishTurnLimit terminates a run whose model kept requesting tools
	// past the turn budget. Distinct from a normal stop.
	FinishTurnLimit FinishReason = "turn_limit_exceeded"

	// FinishCancelled terminates a run whose context was cancelled.
	FinishCancelled FinishReason = "cancelled"
)

// Chunk is the provider-agnostic unit the stream processor consumes.
// Providers translate their native stream chunks into zero or more of
// these, preserving arrival order. The core never inspects vendor wire
// formats; all provider framing stops at this boundary.
type Chunk struct {
	Kind ChunkKind

	// Text is set for ChunkText.
	Text string

	// CallID and ToolName are set for ChunkToolCallBegin; CallID alone
	// routes ChunkToolCallArgs fragments. Chunks for different call ids
	// may interleave, but chunks for one id must arrive in order.
	CallID   string
	ToolName string

	// ArgsFragment is set for ChunkToolCallArgs.
	ArgsFragment string

	// Finish is set for ChunkFinish.
	Finish FinishReason

	// Usage is set for ChunkUsage.
	Usage *Usage
}

// ChunkStream yields canonical chunks from one model turn. Next returns
// io.EOF after the final chunk. Implementations adapt a provider's wire
// stream (SSE, vendor SDK iterators) into canonical chunks; exactly one
// goroutine may drive a stream.
//
// Close must be called when done, even if iteration ended early.
type ChunkStream interface {
	Next() (Chunk, error)
	Close() error
}
