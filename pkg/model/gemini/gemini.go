// Package gemini implements model.Provider using the Google Gen AI SDK.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/model"
	"github.com/nstogner/chatkeep/pkg/stream"
	"google.golang.org/genai"
)

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	cfg    model.Config
	client *genai.Client
}

// Verify interface compliance.
var (
	_ model.Provider = (*Provider)(nil)
	_ model.Lister   = (*Provider)(nil)
)

// New creates a new Gemini provider. cfg.BaseURL is only honored when it is
// not the OpenAI-compatible default.
func New(ctx context.Context, cfg model.Config) (*Provider, error) {
	baseURL := cfg.BaseURL
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: model.HTTPClient(cfg.Timeout, "gemini", "x-goog-api-key", cfg.APIKey),
	}
	if baseURL != "" && baseURL != model.DefaultBaseURL {
		cc.HTTPOptions.BaseURL = baseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{cfg: cfg, client: client}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// List returns Gemini models that support generateContent.
func (p *Provider) List(ctx context.Context) ([]string, error) {
	var names []string
	for m, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("%w: list models: %w", domain.ErrTransport, err)
		}
		for _, action := range m.SupportedActions {
			if action == "generateContent" {
				names = append(names, m.Name)
				break
			}
		}
	}
	return names, nil
}

// Complete performs a single blocking generateContent call.
func (p *Provider) Complete(ctx context.Context, msgs []model.Message) (model.Completion, error) {
	if err := p.cfg.Validate(); err != nil {
		return model.Completion{}, err
	}
	slog.Debug("Gemini.Complete", "model", p.cfg.Model, "messageCount", len(msgs))

	contents, config := p.build(msgs)
	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, config)
	if err != nil {
		return model.Completion{}, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	frag := toFragment(resp)
	return model.Completion{
		Content:   stream.StripThinking(frag.Content),
		Reasoning: frag.Reasoning,
	}, nil
}

// Stream starts a streaming generateContent call.
func (p *Provider) Stream(ctx context.Context, msgs []model.Message) (stream.Seq, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("Gemini.Stream", "model", p.cfg.Model, "messageCount", len(msgs))

	contents, config := p.build(msgs)
	return func(yield func(stream.Fragment, error) bool) {
		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		for resp, err := range p.client.Models.GenerateContentStream(streamCtx, p.cfg.Model, contents, config) {
			if err != nil {
				yield(stream.Fragment{}, fmt.Errorf("%w: %w", domain.ErrTransport, err))
				return
			}
			if !yield(toFragment(resp), nil) {
				return
			}
		}
	}, nil
}

func (p *Provider) build(msgs []model.Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents, system := toContents(msgs)
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(p.cfg.Temperature)),
		MaxOutputTokens:   int32(p.cfg.MaxTokens),
		SystemInstruction: system,
	}
	if p.cfg.EnableThinking {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	return contents, config
}

// toContents converts chat messages to genai contents. System messages are
// joined into the system instruction.
func toContents(msgs []model.Message) ([]*genai.Content, *genai.Content) {
	var (
		contents []*genai.Content
		system   []string
	)
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
			continue
		case domain.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(system) == 0 {
		return contents, nil
	}
	return contents, &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
}

// toFragment flattens a response. Thought parts go to the reasoning channel.
func toFragment(resp *genai.GenerateContentResponse) stream.Fragment {
	var frag stream.Fragment
	if resp == nil {
		return frag
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.Text == "" {
				continue
			}
			if part.Thought {
				frag.Reasoning += part.Text
			} else {
				frag.Content += part.Text
			}
		}
	}
	return frag
}
