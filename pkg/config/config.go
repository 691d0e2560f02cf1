// Package config loads process configuration from an optional YAML file and
// the environment. The result is read-only after Load.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/model"
	"github.com/spf13/viper"
)

type Config struct {
	// Provider is one of openai, gemini, googleai or mock.
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Store is one of sqlite, jsonl or memory.
	Store       string `mapstructure:"store" yaml:"store"`
	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`
	Addr        string `mapstructure:"addr" yaml:"addr"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	Streaming   bool   `mapstructure:"streaming" yaml:"streaming"`
	TitleLength int    `mapstructure:"title_length" yaml:"title_length"`

	OpenAI ProviderConfig `mapstructure:"openai" yaml:"openai"`
	Gemini ProviderConfig `mapstructure:"gemini" yaml:"gemini"`
}

type ProviderConfig struct {
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	Model          string        `mapstructure:"model" yaml:"model"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	Temperature    float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	EnableThinking bool          `mapstructure:"enable_thinking" yaml:"enable_thinking"`
}

// env lists the well-known variable names for each key. Every key can also be
// set as CHATKEEP_<KEY> with dots replaced by underscores.
var env = map[string][]string{
	"provider":        {"CHATKEEP_PROVIDER"},
	"store":           {"CHATKEEP_STORE"},
	"data_dir":        {"CHATKEEP_DATA_DIR"},
	"addr":            {"CHATKEEP_ADDR"},
	"log_level":       {"CHATKEEP_LOG_LEVEL", "LOG_LEVEL"},
	"log_file":        {"CHATKEEP_LOG_FILE"},
	"openai.api_key":  {"CHATKEEP_OPENAI_API_KEY", "OPENAI_API_KEY"},
	"openai.base_url": {"CHATKEEP_OPENAI_BASE_URL", "API_BASE_URL"},
	"openai.model":    {"CHATKEEP_OPENAI_MODEL", "DEFAULT_MODEL"},
	"gemini.api_key":  {"CHATKEEP_GEMINI_API_KEY", "GEMINI_API_KEY"},
	"gemini.model":    {"CHATKEEP_GEMINI_MODEL", "GEMINI_MODEL"},
	"gemini.base_url": {"CHATKEEP_GEMINI_BASE_URL"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "openai")
	v.SetDefault("store", "sqlite")
	v.SetDefault("data_dir", ".chatkeep")
	v.SetDefault("addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("streaming", true)
	v.SetDefault("title_length", domain.TitleMaxLen)

	for _, p := range []string{"openai", "gemini"} {
		v.SetDefault(p+".api_key", "")
		v.SetDefault(p+".model", "")
		v.SetDefault(p+".base_url", "")
		v.SetDefault(p+".temperature", model.DefaultTemperature)
		v.SetDefault(p+".max_tokens", model.DefaultMaxTokens)
		v.SetDefault(p+".timeout", model.DefaultTimeout)
		v.SetDefault(p+".enable_thinking", true)
	}
	v.SetDefault("openai.base_url", model.DefaultBaseURL)
	v.SetDefault("gemini.model", "gemini-2.5-flash")
}

// Load reads path, when non-empty, then applies the environment on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHATKEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range env {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that select components. Provider credentials
// are checked by the provider itself.
func (c *Config) Validate() error {
	switch c.Provider {
	case "openai", "gemini", "googleai", "mock":
	default:
		return fmt.Errorf("%w: unknown provider %q", domain.ErrConfigInvalid, c.Provider)
	}
	switch c.Store {
	case "sqlite", "jsonl", "memory":
	default:
		return fmt.Errorf("%w: unknown store %q", domain.ErrConfigInvalid, c.Store)
	}
	if c.Store != "memory" && c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", domain.ErrConfigInvalid)
	}
	return nil
}

// ModelConfig returns the settings of the selected provider.
func (c *Config) ModelConfig() model.Config {
	p := c.OpenAI
	if c.Provider == "gemini" || c.Provider == "googleai" {
		p = c.Gemini
	}
	return model.Config{
		APIKey:         p.APIKey,
		Model:          p.Model,
		Temperature:    p.Temperature,
		MaxTokens:      p.MaxTokens,
		BaseURL:        p.BaseURL,
		Timeout:        p.Timeout,
		EnableThinking: p.EnableThinking,
	}
}

// SlogLevel parses LogLevel, defaulting to info. "trace" enables provider
// HTTP dumps.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "trace":
		return model.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
