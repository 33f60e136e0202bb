package agentloop

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config carries deployment settings loaded from the environment.
type Config struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
	MaxTurns      int
	PostgresDSN   string
	SQLitePath    string
}

// LoadConfig reads settings from a .env file when present, falling back to
// process environment variables.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, using environment variables")
	}

	return &Config{
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		Model:         getEnv("AGENTLOOP_MODEL", "gpt-4o-mini"),
		MaxTurns:      getEnvInt("AGENTLOOP_MAX_TURNS", DefaultMaxTurns),
		PostgresDSN:   getEnv("AGENTLOOP_POSTGRES_DSN", ""),
		SQLitePath:    getEnv("AGENTLOOP_SQLITE_PATH", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("invalid integer in environment", "key", key, "value", value)
		return fallback
	}
	return n
}
