package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// Config holds application configuration
type Config struct {
	Backend    string `env:"STREAMCHAT_BACKEND" envDefault:"openai"`
	Model      string `env:"STREAMCHAT_MODEL" envDefault:"gpt-4o-mini"`
	// Any OpenAI-compatible endpoint (OpenAI, Grok, a LiteLLM proxy).
	// Provider-prefixed model names like gemini/gemini-2.0-flash-lite need a LiteLLM proxy here.
	BaseURL    string `env:"OPENAI_BASE_URL"`
	APIKey     string `env:"OPENAI_API_KEY"`
	OllamaHost string `env:"OLLAMA_HOST" envDefault:"http://localhost:11434"`

	// Sampling policy applied to every completion request
	Temperature    float64       `env:"STREAMCHAT_TEMPERATURE" envDefault:"0.01"`
	MaxTokens      int           `env:"STREAMCHAT_MAX_TOKENS" envDefault:"512"`
	RequestTimeout time.Duration `env:"STREAMCHAT_REQUEST_TIMEOUT" envDefault:"0s"` // 0 disables the timeout

	LogDir      string `env:"STREAMCHAT_LOG_DIR" envDefault:"logs"`
	JournalPath string `env:"STREAMCHAT_JOURNAL"` // Empty disables the exchange journal
	Listen      string `env:"STREAMCHAT_LISTEN"`  // Serve websocket renderers instead of the terminal REPL
	Debug       bool   `env:"STREAMCHAT_DEBUG" envDefault:"false"`
}

// Load reads .env files if present, then parses environment variables into Config
func Load() (*Config, error) {
	loadEnvFiles(".env")

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Validate checks the configuration for values no backend can serve
func (c *Config) Validate() error {
	c.normalize()
	switch c.Backend {
	case BackendOpenAI, BackendOllama:
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	// OpenAI-compatible requests drop a zero temperature, so 0 cannot be honoured
	if c.Temperature <= 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be within (0, 2], got %v", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", c.MaxTokens)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative, got %s", c.RequestTimeout)
	}
	return nil
}

func (c *Config) normalize() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	c.Model = strings.TrimSpace(c.Model)
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.OllamaHost = strings.TrimRight(strings.TrimSpace(c.OllamaHost), "/")
}

func loadEnvFiles(paths ...string) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
		}
	}
}
