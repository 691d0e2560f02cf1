package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != "openai" || cfg.Store != "sqlite" || cfg.Addr != ":8080" {
		t.Errorf("cfg = %+v", cfg)
	}
	mc := cfg.ModelConfig()
	if mc.BaseURL != model.DefaultBaseURL || mc.Temperature != 0.7 || mc.MaxTokens != 2000 || mc.Timeout != 30*time.Second {
		t.Errorf("model config = %+v", mc)
	}
	if !cfg.Streaming || cfg.TitleLength != 20 {
		t.Errorf("streaming=%v titleLength=%d", cfg.Streaming, cfg.TitleLength)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DEFAULT_MODEL", "deepseek-ai/DeepSeek-R1")
	t.Setenv("API_BASE_URL", "https://api.deepseek.com/v1")
	t.Setenv("CHATKEEP_STORE", "jsonl")
	t.Setenv("CHATKEEP_OPENAI_TEMPERATURE", "1.5")
	t.Setenv("CHATKEEP_OPENAI_TIMEOUT", "45s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	mc := cfg.ModelConfig()
	if mc.APIKey != "sk-test" || mc.Model != "deepseek-ai/DeepSeek-R1" || mc.BaseURL != "https://api.deepseek.com/v1" {
		t.Errorf("model config = %+v", mc)
	}
	if mc.Temperature != 1.5 || mc.Timeout != 45*time.Second {
		t.Errorf("temperature=%v timeout=%v", mc.Temperature, mc.Timeout)
	}
	if cfg.Store != "jsonl" {
		t.Errorf("store = %q", cfg.Store)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("level = %v", cfg.SlogLevel())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatkeep.yaml")
	data := []byte(`provider: gemini
store: memory
gemini:
  api_key: g-key
  model: gemini-2.0-flash
  enable_thinking: false
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GEMINI_API_KEY", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	mc := cfg.ModelConfig()
	if mc.APIKey != "from-env" {
		t.Errorf("env should override file, got %q", mc.APIKey)
	}
	if mc.Model != "gemini-2.0-flash" || mc.EnableThinking {
		t.Errorf("model config = %+v", mc)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Setenv("CHATKEEP_PROVIDER", "nope")
	if _, err := Load(""); !errors.Is(err, domain.ErrConfigInvalid) {
		t.Errorf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"trace": model.LevelTrace,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		c := Config{LogLevel: in}
		if got := c.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
