package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
)

// Capability says where a tool's body executes. It is resolved once at
// construction, never by runtime duck-typing.
type Capability string

const (
	// CapabilityUnbound marks a definition declared to the model for
	// schema advertisement only; dispatching it fails.
	CapabilityUnbound Capability = "unbound"

	// CapabilityServer runs the tool in-process, inside the loop's
	// execution context.
	CapabilityServer Capability = "server"

	// CapabilityClient marks a tool resolved by an external caller (for
	// example a UI); the dispatcher never invokes it directly.
	CapabilityClient Capability = "client"
)

// ServerHandler is the body of a server-capability tool. It receives the
// raw argument JSON, already validated against the input contract, and
// returns a value validated against the output contract before use.
type ServerHandler func(ctx context.Context, args json.RawMessage) (any, error)

// ToolDefinition declares one callable tool: a unique name, input and
// output contracts, and exactly one bound execution capability.
type ToolDefinition struct {
	name        string
	description string
	input       Contract
	output      Contract
	capability  Capability
	handler     ServerHandler
}

// NewServerTool binds an in-process handler to a tool definition.
func NewServerTool(name, description string, input, output Contract, handler ServerHandler) (*ToolDefinition, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name must not be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("tool %s: server tool requires a handler", name)
	}
	return &ToolDefinition{
		name:        name,
		description: description,
		input:       input,
		output:      output,
		capability:  CapabilityServer,
		handler:     handler,
	}, nil
}

// NewClientTool declares a tool whose execution is resolved externally.
// Dispatching it yields ErrAwaitingClient; the caller supplies the result
// keyed by call id.
func NewClientTool(name, description string, input, output Contract) (*ToolDefinition, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name must not be empty")
	}
	return &ToolDefinition{
		name:        name,
		description: description,
		input:       input,
		output:      output,
		capability:  CapabilityClient,
	}, nil
}

// NewDeclaredTool declares a tool for schema advertisement only, with no
// execution capability. The model may see it, but dispatch fails with
// ErrUnboundCapability if it is ever invoked.
func NewDeclaredTool(name, description string, input Contract) (*ToolDefinition, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name must not be empty")
	}
	return &ToolDefinition{
		name:        name,
		description: description,
		input:       input,
		capability:  CapabilityUnbound,
	}, nil
}

func (t *ToolDefinition) Name() string           { return t.name }
func (t *ToolDefinition) Description() string    { return t.description }
func (t *ToolDefinition) Capability() Capability { return t.capability }

// InputSchema returns the input contract's schema document for model
// advertisement, or a permissive empty-object schema when no contract is
// attached.
func (t *ToolDefinition) InputSchema() map[string]any {
	if t.input == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.input.Definition()
}
