package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type weatherArgs struct {
	Location string `json:"location" jsonschema:"description=City name"`
	Days     int    `json:"days"`
}

func TestGenerateSchema_ReflectsStructTags(t *testing.T) {
	schema := GenerateSchema[weatherArgs]()

	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "$schema")
	assert.NotContains(t, schema, "$id")

	properties, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, properties, "location")
	assert.Contains(t, properties, "days")

	// Extraneous keys are rejected, as chat-completion tool declarations
	// expect.
	assert.Equal(t, false, schema["additionalProperties"])
}

func TestSchemaContract_Validate(t *testing.T) {
	contract, err := ContractFor[weatherArgs]()
	require.NoError(t, err)

	assert.NoError(t, contract.Validate(map[string]any{
		"location": "Paris",
		"days":     3,
	}))
	assert.NoError(t, contract.Validate(weatherArgs{Location: "Paris", Days: 3}))

	assert.Error(t, contract.Validate(map[string]any{
		"location": 42,
		"days":     3,
	}))
	assert.Error(t, contract.Validate(map[string]any{
		"location": "Paris",
		"days":     3,
		"extra":    true,
	}))
}

func TestNewSchemaContract_HandwrittenSchema(t *testing.T) {
	contract, err := NewSchemaContract(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_query": map[string]any{
				"type":        "string",
				"description": "Query from the user",
			},
		},
		"required": []string{"user_query"},
	})
	require.NoError(t, err)

	assert.NoError(t, contract.Validate(map[string]any{"user_query": "hi"}))
	assert.Error(t, contract.Validate(map[string]any{}))

	def := contract.Definition()
	assert.Equal(t, "object", def["type"])
}

func TestNewSchemaContract_RejectsInvalidSchema(t *testing.T) {
	_, err := NewSchemaContract(map[string]any{
		"type": 12345,
	})
	assert.Error(t, err)
}
