// Package model defines the contract between the chat core and LLM providers.
package model

import (
	"context"
	"fmt"
	"time"

	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/stream"
)

// Defaults applied by WithDefaults.
const (
	DefaultBaseURL     = "https://api.siliconflow.cn/v1"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
	DefaultTimeout     = 30 * time.Second
)

// Config is the provider configuration. It is read-only once a provider has
// been built from it.
type Config struct {
	APIKey         string
	Model          string
	Temperature    float64
	MaxTokens      int
	BaseURL        string
	Timeout        time.Duration
	EnableThinking bool
}

// WithDefaults fills unset token, timeout and URL fields. Temperature is left
// alone since zero is a valid setting.
func (c Config) WithDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Validate reports whether the configuration can be used. Providers call it
// before any network activity.
func (c Config) Validate() error {
	switch {
	case c.APIKey == "":
		return fmt.Errorf("%w: api key is required", domain.ErrConfigInvalid)
	case c.Model == "":
		return fmt.Errorf("%w: model is required", domain.ErrConfigInvalid)
	case c.Temperature < 0 || c.Temperature > 2:
		return fmt.Errorf("%w: temperature %v outside [0,2]", domain.ErrConfigInvalid, c.Temperature)
	case c.MaxTokens <= 0:
		return fmt.Errorf("%w: max tokens must be positive", domain.ErrConfigInvalid)
	case c.Timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// Message is the provider-facing view of a chat turn.
type Message struct {
	Role    domain.Role
	Content string
}

// FromMessages converts a session history to provider messages. Messages that
// failed or carry no content are skipped.
func FromMessages(msgs []domain.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Status == domain.StatusError || m.Content == "" {
			continue
		}
		out = append(out, Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// Completion is a one-shot response.
type Completion struct {
	Content   string
	Reasoning string
}

// Provider is a service that provides LLM completions (e.g. OpenAI, Gemini).
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Complete returns the whole response in one call.
	Complete(ctx context.Context, msgs []Message) (Completion, error)

	// Stream starts a streaming response. Configuration errors are returned
	// directly; transport errors surface through the sequence.
	Stream(ctx context.Context, msgs []Message) (stream.Seq, error)
}

// Lister is implemented by providers that can enumerate their models.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}
