// Package googleai implements model.Provider on the legacy Google AI Go SDK.
package googleai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/model"
	"github.com/nstogner/chatkeep/pkg/stream"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Provider implements model.Provider using github.com/google/generative-ai-go.
type Provider struct {
	cfg    model.Config
	client *genai.Client
}

var (
	_ model.Provider = (*Provider)(nil)
	_ model.Lister   = (*Provider)(nil)
)

// New creates a new Provider.
func New(ctx context.Context, cfg model.Config) (*Provider, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	httpClient := model.HTTPClient(cfg.Timeout, "googleai", "x-goog-api-key", cfg.APIKey)
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{cfg: cfg, client: client}, nil
}

// Close releases resources.
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) Name() string { return "googleai" }

// List returns available models.
func (p *Provider) List(ctx context.Context) ([]string, error) {
	it := p.client.ListModels(ctx)
	var names []string
	for {
		m, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list models: %w", domain.ErrTransport, err)
		}
		names = append(names, m.Name)
	}
	return names, nil
}

func (p *Provider) Complete(ctx context.Context, msgs []model.Message) (model.Completion, error) {
	if err := p.cfg.Validate(); err != nil {
		return model.Completion{}, err
	}
	cs, last, err := p.chat(msgs)
	if err != nil {
		return model.Completion{}, err
	}
	slog.Debug("GoogleAI.Complete", "model", p.cfg.Model, "messageCount", len(msgs))

	resp, err := cs.SendMessage(ctx, last...)
	if err != nil {
		return model.Completion{}, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	text := responseText(resp)
	return model.Completion{
		Content:   stream.StripThinking(text),
		Reasoning: stream.ExtractThinking(text),
	}, nil
}

func (p *Provider) Stream(ctx context.Context, msgs []model.Message) (stream.Seq, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	cs, last, err := p.chat(msgs)
	if err != nil {
		return nil, err
	}
	slog.Debug("GoogleAI.Stream", "model", p.cfg.Model, "messageCount", len(msgs))

	return func(yield func(stream.Fragment, error) bool) {
		it := cs.SendMessageStream(ctx, last...)
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(stream.Fragment{}, fmt.Errorf("%w: %w", domain.ErrTransport, err))
				return
			}
			if !yield(stream.Fragment{Content: responseText(resp)}, nil) {
				return
			}
		}
	}, nil
}

// chat builds a chat session holding every message but the last, which is
// returned as the parts to send.
func (p *Provider) chat(msgs []model.Message) (*genai.ChatSession, []genai.Part, error) {
	gm := p.client.GenerativeModel(p.cfg.Model)
	gm.SetTemperature(float32(p.cfg.Temperature))
	gm.SetMaxOutputTokens(int32(p.cfg.MaxTokens))

	history, system := toHistory(msgs)
	if system != nil {
		gm.SystemInstruction = system
	}
	if len(history) == 0 {
		return nil, nil, fmt.Errorf("%w: no messages to send", domain.ErrInvalidArgument)
	}

	cs := gm.StartChat()
	cs.History = history[:len(history)-1]
	return cs, history[len(history)-1].Parts, nil
}

func toHistory(msgs []model.Message) ([]*genai.Content, *genai.Content) {
	var (
		history []*genai.Content
		system  []string
	)
	for _, m := range msgs {
		role := "user"
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
			continue
		case domain.RoleAssistant:
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	if len(system) == 0 {
		return history, nil
	}
	return history, &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))}}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				b.WriteString(string(txt))
			}
		}
	}
	return b.String()
}
