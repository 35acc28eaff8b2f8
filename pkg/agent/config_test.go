package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitop-dev/agentcore/pkg/ai"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileConfig(t *testing.T) {
	path := writeConfig(t, `
provider: anthropic
model: claude-opus-4-5
system_prompt: "You are helpful."
max_tokens: 8192
thinking_level: high
max_turns: 50
max_retries: 3
max_retry_delay_ms: 30000
steering_mode: all
context_window: 200000
exact_tokenizer: true
compaction:
  reserve_tokens: 8192
  keep_recent_tokens: 10000
tools:
  work_dir: /tmp/work
`)

	cfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider != "anthropic" || cfg.Model != "claude-opus-4-5" {
		t.Errorf("provider/model = %q/%q", cfg.Provider, cfg.Model)
	}
	if cfg.MaxTurns != 50 || cfg.MaxRetries != 3 || cfg.MaxRetryDelayMs != 30000 {
		t.Errorf("limits = %d/%d/%d", cfg.MaxTurns, cfg.MaxRetries, cfg.MaxRetryDelayMs)
	}
	if cfg.SteeringMode != "all" {
		t.Errorf("steering_mode = %q", cfg.SteeringMode)
	}
	if cfg.Tools.WorkDir != "/tmp/work" {
		t.Errorf("tools.work_dir = %q", cfg.Tools.WorkDir)
	}
	if !cfg.ExactTokenizer {
		t.Error("exact_tokenizer not parsed")
	}

	opts := cfg.StreamOptions()
	if opts.MaxTokens != 8192 || opts.ThinkingLevel != ai.ThinkingHigh || opts.MaxRetryDelayMs != 30000 {
		t.Errorf("stream options = %+v", opts)
	}
}

func TestLoadFileConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_AGENT_KEY", "sk-secret")
	path := writeConfig(t, `
provider: openai
model: gpt-5.2
api_key: ${TEST_AGENT_KEY}
`)

	cfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIKey != "sk-secret" {
		t.Errorf("api_key = %q, want expanded env value", cfg.APIKey)
	}
}

func TestLoadFileConfig_RequiresProviderAndModel(t *testing.T) {
	for name, content := range map[string]string{
		"missing provider": "model: claude-opus-4-5\n",
		"missing model":    "provider: anthropic\n",
	} {
		path := writeConfig(t, content)
		if _, err := LoadFileConfig(path); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestLoadFileConfig_RejectsUnknownModes(t *testing.T) {
	path := writeConfig(t, `
provider: anthropic
model: m
steering_mode: sometimes
`)
	if _, err := LoadFileConfig(path); err == nil || !strings.Contains(err.Error(), "steering_mode") {
		t.Errorf("err = %v, want unknown steering_mode", err)
	}

	path = writeConfig(t, `
provider: anthropic
model: m
thinking_level: extreme
`)
	if _, err := LoadFileConfig(path); err == nil {
		t.Error("expected an error for an unknown thinking_level")
	}
}

func TestLoadFileConfig_MissingFile(t *testing.T) {
	if _, err := LoadFileConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestConfig_MaxRetryDelaySemantics(t *testing.T) {
	// Zero takes the 60s default; only a negative value lifts the cap.
	if got := (Config{}).maxRetryDelay(); got != 60*time.Second {
		t.Errorf("zero MaxRetryDelay = %s, want 60s default", got)
	}
	if got := (Config{MaxRetryDelay: -1}).maxRetryDelay(); got >= 0 {
		t.Errorf("negative MaxRetryDelay = %s, want negative (uncapped)", got)
	}
	if got := (Config{MaxRetryDelay: 5 * time.Second}).maxRetryDelay(); got != 5*time.Second {
		t.Errorf("explicit MaxRetryDelay = %s, want 5s", got)
	}
}

func TestCompactionConfig_Defaults(t *testing.T) {
	cfg := &FileConfig{Provider: "anthropic", Model: "m"}

	cc := cfg.CompactionConfig(200000)
	if !cc.Enabled {
		t.Error("compaction should default to enabled")
	}
	if cc.ContextWindow != 200000 {
		t.Errorf("context window = %d, want the fallback", cc.ContextWindow)
	}
}

func TestCompactionConfig_ExplicitDisable(t *testing.T) {
	path := writeConfig(t, `
provider: anthropic
model: m
compaction:
  enabled: false
`)
	cfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CompactionConfig(0).Enabled {
		t.Error("enabled: false should disable compaction")
	}
}

func TestCompactionConfig_WindowFallbackChain(t *testing.T) {
	cfg := &FileConfig{
		Provider:      "anthropic",
		Model:         "m",
		ContextWindow: 128000,
	}
	if got := cfg.CompactionConfig(200000).ContextWindow; got != 128000 {
		t.Errorf("top-level context_window should win over fallback, got %d", got)
	}

	cfg.Compaction.ContextWindow = 64000
	if got := cfg.CompactionConfig(200000).ContextWindow; got != 64000 {
		t.Errorf("compaction.context_window should win over everything, got %d", got)
	}
}
