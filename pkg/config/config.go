package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the process-level runtime configuration, parsed from the
// environment. Per-world and per-agent settings stored on disk override the
// defaults here; provider credentials only come from the environment.
type Config struct {
	// DataPath is the root of the world storage tree.
	DataPath string `env:"AGENT_WORLD_DATA_PATH" envDefault:"./data/worlds"`

	// Storage selects the persistence back-end: "file" or "memory".
	Storage string `env:"AGENT_WORLD_STORAGE" envDefault:"file"`

	LogLevel string `env:"AGENT_WORLD_LOG_LEVEL" envDefault:"info"`

	// HTTPAddr is the listen address for the HTTP/SSE/WebSocket surface.
	// Empty disables the server.
	HTTPAddr string `env:"AGENT_WORLD_HTTP_ADDR"`

	Providers ProvidersConfig
}

// ProvidersConfig holds credentials and endpoints per LLM provider.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `envPrefix:"ANTHROPIC_"`
	OpenAI     ProviderConfig `envPrefix:"OPENAI_"`
	Azure      AzureConfig    `envPrefix:"AZURE_OPENAI_"`
	Ollama     ProviderConfig `envPrefix:"OLLAMA_"`
	Google     ProviderConfig `envPrefix:"GOOGLE_"`
	XAI        ProviderConfig `envPrefix:"XAI_"`
	OpenRouter ProviderConfig `envPrefix:"OPENROUTER_"`
}

type ProviderConfig struct {
	APIKey  string `env:"API_KEY"`
	BaseURL string `env:"BASE_URL"`
}

// AzureConfig carries the Azure-specific endpoint triple.
type AzureConfig struct {
	APIKey     string `env:"API_KEY"`
	Endpoint   string `env:"ENDPOINT"`
	Deployment string `env:"DEPLOYMENT"`
	APIVersion string `env:"API_VERSION" envDefault:"2024-10-21"`
}

// MCPServerConfig describes one MCP server process a world may launch.
// Stored as part of the world config.
type MCPServerConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled bool              `json:"enabled"`
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment config: %w", err)
	}
	if cfg.Storage != "file" && cfg.Storage != "memory" {
		return nil, fmt.Errorf("AGENT_WORLD_STORAGE must be \"file\" or \"memory\", got %q", cfg.Storage)
	}
	return cfg, nil
}
