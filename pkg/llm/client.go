// Package llm wraps the language model provider behind a small completion
// interface so agents stay testable without network access.
package llm

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// Completion is one model response with token accounting.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// TotalTokens is the combined prompt and completion spend.
func (c *Completion) TotalTokens() int {
	return c.InputTokens + c.OutputTokens
}

// Client issues completions against a language model.
type Client interface {
	Complete(ctx context.Context, system, prompt string) (*Completion, error)
}

// Config holds provider settings.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// LoadConfigFromEnv loads LM configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		APIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		Model:     os.Getenv("LLM_MODEL"),
		MaxTokens: 1024,
	}
	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if v := os.Getenv("LLM_MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid LLM_MAX_TOKENS %q", v)
		}
		cfg.MaxTokens = n
	}
	return cfg, nil
}
