package agentloop

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	tekuri "github.com/santhosh-tekuri/jsonschema/v6"
)

// Contract is an opaque runtime validation capability for tool inputs and
// outputs. Any schema system can implement it; the core only ever calls
// Validate and, when advertising tools to a model, Definition.
type Contract interface {
	// Validate checks a decoded JSON value against the contract.
	Validate(v any) error

	// Definition returns the contract as a JSON Schema document for
	// advertisement to the model.
	Definition() map[string]any
}

// SchemaContract implements Contract with a compiled JSON Schema.
type SchemaContract struct {
	raw      map[string]any
	compiled *tekuri.Schema
}

// NewSchemaContract compiles a JSON Schema document into a contract.
func NewSchemaContract(schema map[string]any) (*SchemaContract, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshaling schema: %w", err)
	}
	doc, err := tekuri.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	compiler := tekuri.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &SchemaContract{raw: schema, compiled: compiled}, nil
}

// ContractFor reflects a JSON Schema from the Go type T and compiles it.
// Struct tags (json, jsonschema) drive the schema, so one definition serves
// both the model-facing advertisement and runtime validation.
func ContractFor[T any]() (*SchemaContract, error) {
	return NewSchemaContract(GenerateSchema[T]())
}

// Validate checks v against the compiled schema. v is round-tripped through
// JSON so plain Go structs and decoded map values are both accepted.
func (c *SchemaContract) Validate(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling value: %w", err)
	}
	decoded, err := tekuri.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decoding value: %w", err)
	}
	return c.compiled.Validate(decoded)
}

// Definition returns the schema document. Callers must not mutate it.
func (c *SchemaContract) Definition() map[string]any {
	return c.raw
}

// GenerateSchema reflects a JSON Schema document from T. Additional
// properties are disallowed and definitions are inlined, which matches what
// chat-completion tool declarations expect.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		// The reflector produces marshalable output for any struct type;
		// failure here means T itself cannot be represented.
		panic(fmt.Sprintf("agentloop: reflecting schema for %T: %v", v, err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("agentloop: decoding reflected schema for %T: %v", v, err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
