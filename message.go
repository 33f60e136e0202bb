package agentloop

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind tags the variant of a message content part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
	PartImage      PartKind = "image"
)

// ToolCallPart is a completed tool invocation recorded in an assistant
// message. Arguments hold the raw JSON exactly as the model produced it.
type ToolCallPart struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultPart carries a tool's output (or its failure) back to the model,
// keyed by the originating call id.
type ToolResultPart struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Part is one element of a message's content sequence. Exactly one of the
// variant fields is populated, selected by Kind.
type Part struct {
	Kind       PartKind        `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCallPart   `json:"tool_call,omitempty"`
	ToolResult *ToolResultPart `json:"tool_result,omitempty"`
	ImageURL   string          `json:"image_url,omitempty"`
}

// Message is one entry in a conversation: a role and an ordered sequence of
// content parts. Messages are immutable once appended to a Conversation.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, part := range m.Parts {
		if part.Kind == PartText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the message's tool-call parts in order.
func (m Message) ToolCalls() []ToolCallPart {
	var calls []ToolCallPart
	for _, part := range m.Parts {
		if part.Kind == PartToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{{Kind: PartText, Text: text}}}
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Kind: PartText, Text: text}}}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Kind: PartText, Text: text}}}
}

// ToolResultMessage builds a role:tool message answering the given call id.
func ToolResultMessage(callID, content string, isError bool) Message {
	return Message{Role: RoleTool, Parts: []Part{{
		Kind:       PartToolResult,
		ToolResult: &ToolResultPart{CallID: callID, Content: content, IsError: isError},
	}}}
}

// Conversation holds an ordered message history. It is owned by the caller
// of the agent loop and mutated only by appending; the loop never edits
// earlier messages in place.
type Conversation struct {
	Messages []Message
}

func NewConversation(msgs ...Message) *Conversation {
	return &Conversation{Messages: msgs}
}

func (c *Conversation) Len() int {
	return len(c.Messages)
}

// Add appends one or more messages in order.
func (c *Conversation) Add(msgs ...Message) {
	c.Messages = append(c.Messages, msgs...)
}

// All returns the underlying message slice. Callers must not mutate
// existing entries.
func (c *Conversation) All() []Message {
	return c.Messages
}

// Last returns the most recent message, or a zero Message when empty.
func (c *Conversation) Last() Message {
	if len(c.Messages) == 0 {
		return Message{}
	}
	return c.Messages[len(c.Messages)-1]
}

// Clone returns a shallow copy with an independent message slice, so the
// copy can be appended to without affecting the original.
func (c *Conversation) Clone() *Conversation {
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return &Conversation{Messages: msgs}
}

// LastUserText returns the text of the most recent user message, or "".
func (c *Conversation) LastUserText() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i].Text()
		}
	}
	return ""
}
