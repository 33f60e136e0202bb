// Package agentloop is a provider-agnostic client layer for streaming LLM
// chat completion with tool use.
//
// # Overview
//
// Given a conversation and a set of registered tools, a [Runner] drives a
// multi-turn agent loop against a streaming model backend: it consumes
// provider chunks through the canonical [ChunkStream] boundary, incrementally
// parses tool-call arguments as they arrive token by token, dispatches
// completed tool calls, feeds results back into the conversation, and emits a
// uniform ordered stream of [StreamEvent] values regardless of vendor.
//
// Pipeline: provider chunks → [ChunkStream] → [StreamProcessor] (using
// [ParsePartial] for argument buffers) → events → [Runner], which folds
// completed tool calls into [Registry.Dispatch] and loops until the model
// stops, the turn budget runs out, or the context is cancelled.
//
// # Key concepts
//
//   - Canonical chunks: providers are normalized into a small tagged variant
//     ([Chunk]) before the core ever sees them; the core never inspects
//     vendor wire formats. [OpenAIModel] is the built-in adapter for the
//     OpenAI Chat Completions wire format.
//   - Partial values: argument buffers are re-parsed on every fragment, so
//     consumers can render live partial UI long before a call completes.
//   - Error containment: anything that breaks a single tool call (malformed
//     arguments, unknown tool, validation failure, handler error) becomes a
//     tool-result message the model can react to; only budget exhaustion and
//     cancellation terminate a run.
//
// # Example
//
//	reg := agentloop.NewRegistry()
//	add, _ := agentloop.NewServerTool("add", "Add two numbers", in, out,
//	    func(ctx context.Context, args json.RawMessage) (any, error) { ... })
//	_ = reg.Register(add)
//
//	runner := agentloop.NewRunner(model, reg)
//	run := runner.Run(ctx, conv, agentloop.RunOptions{MaxTurns: 4})
//	for event := range run.Events() {
//	    // render event
//	}
//	result, err := run.Result()
package agentloop
