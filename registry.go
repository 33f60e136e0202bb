package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// CompletedCall is a tool call whose argument buffer parsed as complete
// JSON, ready for dispatch.
type CompletedCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Registry holds tool definitions and dispatches completed calls to their
// execution capability. The map is read-mostly after setup and must not be
// mutated during an active run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDefinition
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolDefinition)}
}

// Register adds a definition. Names are unique within a registry: a second
// registration of the same name fails with ErrDuplicateTool.
func (r *Registry) Register(def *ToolDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.name)
	}
	r.tools[def.name] = def
	return nil
}

// Lookup returns the definition for name, or (nil, false).
func (r *Registry) Lookup(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Definitions returns all registered definitions sorted by name, for
// deterministic advertisement to the model.
func (r *Registry) Definitions() []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	defs := make([]*ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name])
	}
	return defs
}

// Dispatch routes a completed call to its tool's execution capability and
// returns the tool-result part for the conversation.
//
// Failure modes, all local to the one call:
//   - ErrUnknownTool: no definition matches the call's function name
//   - ErrUnboundCapability: the definition has no execution capability
//   - ErrArgumentValidation: parsed arguments fail the input contract
//   - ErrOutputValidation: the handler's return fails the output contract
//     (the violating value is never fabricated into a result)
//   - ErrAwaitingClient: the tool runs client-side; the caller must supply
//     the result keyed by call id
//
// Handler errors are returned as-is so the caller can encode them into a
// tool-result error message for the model.
func (r *Registry) Dispatch(ctx context.Context, call CompletedCall) (ToolResultPart, error) {
	def, ok := r.Lookup(call.Name)
	if !ok {
		return ToolResultPart{}, &DispatchError{Tool: call.Name, CallID: call.ID, Err: ErrUnknownTool}
	}

	switch def.capability {
	case CapabilityUnbound:
		return ToolResultPart{}, &DispatchError{Tool: call.Name, CallID: call.ID, Err: ErrUnboundCapability}
	case CapabilityClient:
		return ToolResultPart{}, ErrAwaitingClient
	}

	if def.input != nil {
		var parsed any
		if err := json.Unmarshal(call.Args, &parsed); err != nil {
			return ToolResultPart{}, &DispatchError{
				Tool: call.Name, CallID: call.ID,
				Reason: err.Error(), Err: ErrArgumentValidation,
			}
		}
		if err := def.input.Validate(parsed); err != nil {
			return ToolResultPart{}, &DispatchError{
				Tool: call.Name, CallID: call.ID,
				Reason: err.Error(), Err: ErrArgumentValidation,
			}
		}
	}

	output, err := def.handler(ctx, call.Args)
	if err != nil {
		return ToolResultPart{}, fmt.Errorf("tool %s: %w", call.Name, err)
	}

	if def.output != nil {
		if err := def.output.Validate(output); err != nil {
			return ToolResultPart{}, &DispatchError{
				Tool: call.Name, CallID: call.ID,
				Reason: err.Error(), Err: ErrOutputValidation,
			}
		}
	}

	content, err := encodeToolOutput(output)
	if err != nil {
		return ToolResultPart{}, fmt.Errorf("tool %s: encoding output: %w", call.Name, err)
	}
	return ToolResultPart{CallID: call.ID, Content: content}, nil
}

// encodeToolOutput renders a handler's return value as message content.
// Strings pass through untouched; everything else is JSON-encoded.
func encodeToolOutput(output any) (string, error) {
	switch v := output.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
