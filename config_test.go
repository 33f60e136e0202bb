package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("AGENTLOOP_MODEL", "")
	t.Setenv("AGENTLOOP_MAX_TURNS", "")

	config := LoadConfig()
	assert.Equal(t, "sk-test", config.OpenAIAPIKey)
	assert.Equal(t, DefaultMaxTurns, config.MaxTurns)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("AGENTLOOP_MODEL", "gpt-4o")
	t.Setenv("AGENTLOOP_MAX_TURNS", "3")

	config := LoadConfig()
	assert.Equal(t, "gpt-4o", config.Model)
	assert.Equal(t, 3, config.MaxTurns)
}

func TestLoadConfig_InvalidMaxTurnsFallsBack(t *testing.T) {
	t.Setenv("AGENTLOOP_MAX_TURNS", "not-a-number")
	config := LoadConfig()
	assert.Equal(t, DefaultMaxTurns, config.MaxTurns)
}
