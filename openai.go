package agentloop

import (
	"context"
	"fmt"
	"io"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// ContextKey namespaces request metadata carried through context.
type ContextKey string

// OpenAIModel implements ModelStreamer for the OpenAI Chat Completions API,
// and for anything speaking the same wire format behind a custom base URL
// (Azure OpenAI, OpenRouter, vLLM, Ollama).
type OpenAIModel struct {
	client openai.Client
	model  string
}

// NewOpenAIModel builds a streamer for one model name. An empty baseURL uses
// the public OpenAI endpoint.
func NewOpenAIModel(apiKey, baseURL, model string) *OpenAIModel {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIModel{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (m *OpenAIModel) Model() string { return m.model }

// requestOptions forwards caller metadata from the context onto the request
// body, for gateways that attribute usage per session or customer.
func requestOptions(ctx context.Context) []option.RequestOption {
	var opts []option.RequestOption
	if sessionID, ok := ctx.Value(ContextKey("sessionID")).(string); ok {
		opts = append(opts, option.WithJSONSet("custom_identifier", sessionID))
	}
	if customerID, ok := ctx.Value(ContextKey("customerID")).(string); ok {
		opts = append(opts, option.WithJSONSet("customer_identifier", customerID))
	}
	if extra, ok := ctx.Value(ContextKey("extra")).(map[string]string); ok {
		for key, value := range extra {
			opts = append(opts, option.WithJSONSet(key, value))
		}
	}
	return opts
}

// StreamTurn sends the conversation and tool declarations and returns the
// response as a canonical chunk stream. Usage reporting is always requested
// so runs can account tokens per turn.
func (m *OpenAIModel) StreamTurn(ctx context.Context, conversation *Conversation, tools []*ToolDefinition) (ChunkStream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(m.model),
		Messages: buildMessages(conversation),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	for _, def := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name(),
				Description: openai.String(def.Description()),
				Parameters:  openai.FunctionParameters(def.InputSchema()),
			},
		})
	}

	stream := m.client.Chat.Completions.NewStreaming(ctx, params, requestOptions(ctx)...)
	return &openaiChunkStream{
		inner: stream,
		calls: make(map[int64]*indexedCall),
	}, nil
}

// buildMessages converts the conversation to the Chat Completions message
// unions.
func buildMessages(conversation *Conversation) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, message := range conversation.All() {
		switch message.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(message.Text()))

		case RoleUser:
			out = append(out, buildUserMessage(message))

		case RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if text := message.Text(); text != "" {
				assistant.Content.OfString = openai.String(text)
			}
			for _, call := range message.ToolCalls() {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case RoleTool:
			for _, part := range message.Parts {
				if part.Kind == PartToolResult && part.ToolResult != nil {
					out = append(out, openai.ToolMessage(part.ToolResult.Content, part.ToolResult.CallID))
				}
			}
		}
	}
	return out
}

// buildUserMessage renders a user message, switching to content parts only
// when the message carries images.
func buildUserMessage(message Message) openai.ChatCompletionMessageParamUnion {
	hasImage := false
	for _, part := range message.Parts {
		if part.Kind == PartImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.UserMessage(message.Text())
	}

	var parts []openai.ChatCompletionContentPartUnionParam
	for _, part := range message.Parts {
		switch part.Kind {
		case PartText:
			parts = append(parts, openai.TextContentPart(part.Text))
		case PartImage:
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: part.ImageURL,
			}))
		}
	}
	return openai.UserMessage(parts)
}

// indexedCall tracks the call id assigned to one tool-call index, since
// later fragments carry only the index.
type indexedCall struct {
	id    string
	named bool
}

// openaiChunkStream adapts the SDK's SSE stream to canonical chunks. One
// wire chunk can yield several canonical chunks, so translated output queues
// in pending. The finish chunk is held back until the trailing usage chunk
// arrives (or the stream ends) so usage always precedes finish.
type openaiChunkStream struct {
	inner   *ssestream.Stream[openai.ChatCompletionChunk]
	pending []Chunk
	calls   map[int64]*indexedCall
	finish  *Chunk
}

func (s *openaiChunkStream) Next() (Chunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		if !s.inner.Next() {
			if err := s.inner.Err(); err != nil {
				return Chunk{}, fmt.Errorf("openai stream: %w", err)
			}
			if s.finish != nil {
				chunk := *s.finish
				s.finish = nil
				return chunk, nil
			}
			return Chunk{}, io.EOF
		}
		s.translate(s.inner.Current())
	}
}

func (s *openaiChunkStream) Close() error {
	return s.inner.Close()
}

func (s *openaiChunkStream) translate(chunk openai.ChatCompletionChunk) {
	// With stream_options.include_usage the usage arrives on a final chunk
	// with an empty choices array, after finish_reason.
	if chunk.Usage.TotalTokens > 0 {
		usage := Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
		s.pending = append(s.pending, Chunk{Kind: ChunkUsage, Usage: &usage})
		if s.finish != nil {
			s.pending = append(s.pending, *s.finish)
			s.finish = nil
		}
	}

	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		s.pending = append(s.pending, Chunk{Kind: ChunkText, Text: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		call, ok := s.calls[tc.Index]
		if !ok {
			id := tc.ID
			if id == "" {
				// Some gateways omit ids entirely; synthesize one so
				// fragments for this index stay routable.
				id = gonanoid.Must()
			}
			call = &indexedCall{id: id, named: tc.Function.Name != ""}
			s.calls[tc.Index] = call
			s.pending = append(s.pending, Chunk{
				Kind:     ChunkToolCallBegin,
				CallID:   id,
				ToolName: tc.Function.Name,
			})
		} else if !call.named && tc.Function.Name != "" {
			call.named = true
			s.pending = append(s.pending, Chunk{
				Kind:     ChunkToolCallBegin,
				CallID:   call.id,
				ToolName: tc.Function.Name,
			})
		}
		if tc.Function.Arguments != "" {
			s.pending = append(s.pending, Chunk{
				Kind:         ChunkToolCallArgs,
				CallID:       call.id,
				ArgsFragment: tc.Function.Arguments,
			})
		}
	}

	if choice.FinishReason != "" {
		finish := Chunk{Kind: ChunkFinish, Finish: mapFinishReason(choice.FinishReason)}
		s.finish = &finish
	}
}

func mapFinishReason(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	case "content_filter":
		return FinishContentFilter
	default:
		return FinishStop
	}
}
