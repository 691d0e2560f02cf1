// Package mock provides a scripted model.Provider for tests and offline use.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/nstogner/chatkeep/pkg/model"
	"github.com/nstogner/chatkeep/pkg/stream"
)

// Provider replays Fragments for every request.
type Provider struct {
	Fragments []stream.Fragment
	// Err, when set, is yielded after the fragments.
	Err error
	// ConfigErr, when set, is returned before anything is streamed.
	ConfigErr error

	mu       sync.Mutex
	requests [][]model.Message
}

var _ model.Provider = (*Provider)(nil)

// Echo returns a Provider that answers with the given words, one per fragment.
func Echo(words ...string) *Provider {
	frags := make([]stream.Fragment, len(words))
	for i, w := range words {
		frags[i] = stream.Fragment{Content: w}
	}
	return &Provider{Fragments: frags}
}

func (p *Provider) Name() string { return "mock" }

// Requests returns the message lists the provider has received.
func (p *Provider) Requests() [][]model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]model.Message(nil), p.requests...)
}

func (p *Provider) record(msgs []model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, append([]model.Message(nil), msgs...))
}

func (p *Provider) Complete(ctx context.Context, msgs []model.Message) (model.Completion, error) {
	if p.ConfigErr != nil {
		return model.Completion{}, p.ConfigErr
	}
	p.record(msgs)
	if p.Err != nil {
		return model.Completion{}, p.Err
	}
	var content, reasoning strings.Builder
	for _, f := range p.Fragments {
		content.WriteString(f.Content)
		reasoning.WriteString(f.Reasoning)
	}
	return model.Completion{Content: content.String(), Reasoning: reasoning.String()}, nil
}

func (p *Provider) Stream(ctx context.Context, msgs []model.Message) (stream.Seq, error) {
	if p.ConfigErr != nil {
		return nil, p.ConfigErr
	}
	p.record(msgs)
	return stream.FromSlice(p.Fragments, p.Err), nil
}
