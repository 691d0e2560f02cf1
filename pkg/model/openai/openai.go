// Package openai implements model.Provider for OpenAI-compatible chat APIs
// such as DeepSeek and SiliconFlow.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/model"
	"github.com/nstogner/chatkeep/pkg/stream"
	goopenai "github.com/sashabaranov/go-openai"
)

// Provider implements model.Provider using go-openai.
type Provider struct {
	cfg    model.Config
	client *goopenai.Client
}

// Verify interface compliance.
var (
	_ model.Provider = (*Provider)(nil)
	_ model.Lister   = (*Provider)(nil)
)

// New validates cfg and creates a provider. No request is made.
func New(cfg model.Config) (*Provider, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.HTTPClient = model.HTTPClient(cfg.Timeout, "openai", "", cfg.APIKey)

	return &Provider{cfg: cfg, client: goopenai.NewClientWithConfig(clientCfg)}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "openai" }

// List returns the model IDs the endpoint advertises.
func (p *Provider) List(ctx context.Context) ([]string, error) {
	resp, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list models: %w", domain.ErrTransport, err)
	}
	ids := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (p *Provider) request(msgs []model.Message, streaming bool) goopenai.ChatCompletionRequest {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, goopenai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return goopenai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    out,
		Temperature: float32(p.cfg.Temperature),
		MaxTokens:   p.cfg.MaxTokens,
		Stream:      streaming,
	}
}

// Complete performs a single blocking chat completion.
func (p *Provider) Complete(ctx context.Context, msgs []model.Message) (model.Completion, error) {
	if err := p.cfg.Validate(); err != nil {
		return model.Completion{}, err
	}
	slog.Debug("OpenAI.Complete", "model", p.cfg.Model, "messageCount", len(msgs))

	resp, err := p.client.CreateChatCompletion(ctx, p.request(msgs, false))
	if err != nil {
		return model.Completion{}, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	if len(resp.Choices) == 0 {
		return model.Completion{}, fmt.Errorf("%w: response has no choices", domain.ErrTransport)
	}

	msg := resp.Choices[0].Message
	c := model.Completion{
		Content:   stream.StripThinking(msg.Content),
		Reasoning: msg.ReasoningContent,
	}
	if c.Reasoning == "" {
		c.Reasoning = stream.ExtractThinking(msg.Content)
	}
	if !p.cfg.EnableThinking {
		c.Reasoning = ""
	}
	return c, nil
}

// Stream opens a server-sent-events completion.
func (p *Provider) Stream(ctx context.Context, msgs []model.Message) (stream.Seq, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("OpenAI.Stream", "model", p.cfg.Model, "messageCount", len(msgs))

	st, err := p.client.CreateChatCompletionStream(ctx, p.request(msgs, true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}

	return func(yield func(stream.Fragment, error) bool) {
		defer st.Close()
		for {
			resp, err := st.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(stream.Fragment{}, fmt.Errorf("%w: %w", domain.ErrTransport, err))
				return
			}

			var frag stream.Fragment
			for _, choice := range resp.Choices {
				frag.Content += choice.Delta.Content
				if p.cfg.EnableThinking {
					frag.Reasoning += choice.Delta.ReasoningContent
				}
			}
			if !yield(frag, nil) {
				return
			}
		}
	}, nil
}
