package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/bitop-dev/agentcore/pkg/ai"
)

// FileConfig is the YAML structure of the agent config file.
type FileConfig struct {
	// Provider: "openai" | "anthropic" | "bedrock" (or any
	// openai-compatible endpoint via BaseURL).
	Provider string `yaml:"provider"`

	// Model ID, e.g. "claude-opus-4-5".
	Model string `yaml:"model"`

	// BaseURL overrides the default provider endpoint (OpenRouter, local
	// gateways, etc.). Used by the HTTP providers.
	BaseURL string `yaml:"base_url"`

	// APIKey is a literal key or "${ENV_VAR}" expanded from the environment.
	APIKey string `yaml:"api_key"`

	// SystemPrompt sent with every call.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps the response length (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls randomness (nil = provider default).
	Temperature *float64 `yaml:"temperature"`

	// ThinkingLevel: "off" | "minimal" | "low" | "medium" | "high" | "xhigh".
	// Empty = provider default.
	ThinkingLevel string `yaml:"thinking_level"`

	// CacheRetention: "none" | "short" | "long".
	CacheRetention string `yaml:"cache_retention"`

	// Region / Profile are used by Amazon Bedrock.
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`

	// MaxTurns caps LLM calls per prompt (0 = unlimited).
	MaxTurns int `yaml:"max_turns"`

	// MaxRetries caps retry attempts on transient provider errors.
	MaxRetries int `yaml:"max_retries"`

	// MaxRetryDelayMs caps any backoff sleep, including server-requested
	// waits. 0 = default (60000), negative = uncapped.
	MaxRetryDelayMs int `yaml:"max_retry_delay_ms"`

	// SteeringMode / FollowUpMode: "one-at-a-time" (default) | "all".
	SteeringMode string `yaml:"steering_mode"`
	FollowUpMode string `yaml:"follow_up_mode"`

	// ContextWindow overrides the model catalog's context window.
	ContextWindow int `yaml:"context_window"`

	// ExactTokenizer switches context estimation from the chars/4 heuristic
	// to tiktoken counts when the model has a known encoding.
	ExactTokenizer bool `yaml:"exact_tokenizer"`

	// Compaction controls automatic context compaction.
	Compaction CompactionFileConfig `yaml:"compaction"`

	// Tools configures the built-in tool set.
	Tools ToolsConfig `yaml:"tools"`
}

// CompactionFileConfig mirrors CompactionConfig with YAML tags. Enabled
// defaults to true; set "enabled: false" to opt out.
type CompactionFileConfig struct {
	Enabled          *bool `yaml:"enabled"`
	ContextWindow    int   `yaml:"context_window"`
	ReserveTokens    int   `yaml:"reserve_tokens"`
	KeepRecentTokens int   `yaml:"keep_recent_tokens"`
}

// ToolsConfig controls the built-in file/shell tools.
type ToolsConfig struct {
	// Disabled skips registering the built-in tools.
	Disabled bool `yaml:"disabled"`

	// WorkDir is the working directory for file tools. Defaults to the
	// process working directory.
	WorkDir string `yaml:"work_dir"`
}

// LoadFileConfig reads and parses a YAML config file, expanding ${ENV_VAR}
// references before parsing.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validateFileConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateFileConfig(cfg *FileConfig) error {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		return fmt.Errorf("config: provider is required")
	}
	if cfg.Model == "" {
		return fmt.Errorf("config: model is required")
	}
	if _, err := ai.ParseThinkingLevel(cfg.ThinkingLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch QueueMode(cfg.SteeringMode) {
	case "", QueueOneAtATime, QueueAll:
	default:
		return fmt.Errorf("config: unknown steering_mode %q", cfg.SteeringMode)
	}
	switch QueueMode(cfg.FollowUpMode) {
	case "", QueueOneAtATime, QueueAll:
	default:
		return fmt.Errorf("config: unknown follow_up_mode %q", cfg.FollowUpMode)
	}
	return nil
}

// StreamOptions builds the provider options the config describes.
func (c *FileConfig) StreamOptions() ai.StreamOptions {
	return ai.StreamOptions{
		APIKey:          c.APIKey,
		MaxTokens:       c.MaxTokens,
		Temperature:     c.Temperature,
		ThinkingLevel:   ai.ThinkingLevel(c.ThinkingLevel),
		CacheRetention:  ai.CacheRetention(c.CacheRetention),
		MaxRetryDelayMs: c.MaxRetryDelayMs,
	}
}

// CompactionConfig resolves the compaction section, defaulting Enabled to
// true and the context window to the given fallback (usually from the model
// catalog).
func (c *FileConfig) CompactionConfig(fallbackWindow int) CompactionConfig {
	out := CompactionConfig{
		Enabled:          true,
		ContextWindow:    c.Compaction.ContextWindow,
		ReserveTokens:    c.Compaction.ReserveTokens,
		KeepRecentTokens: c.Compaction.KeepRecentTokens,
	}
	if c.Compaction.Enabled != nil {
		out.Enabled = *c.Compaction.Enabled
	}
	if out.ContextWindow == 0 {
		out.ContextWindow = c.ContextWindow
	}
	if out.ContextWindow == 0 {
		out.ContextWindow = fallbackWindow
	}
	return out
}
