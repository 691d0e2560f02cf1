// Package runner drives one chat turn: it records the user's message, asks
// the provider for a reply and merges the reply into the session store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nstogner/chatkeep/pkg/chat"
	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/metrics"
	"github.com/nstogner/chatkeep/pkg/model"
	"github.com/nstogner/chatkeep/pkg/stream"
)

// ErrBusy is returned by Send while another turn is in flight.
var ErrBusy = errors.New("a reply is already being generated")

// UpdateKind distinguishes the two side channels of a streamed reply.
type UpdateKind string

const (
	UpdateFragment  UpdateKind = "fragment"
	UpdateReasoning UpdateKind = "reasoning"
)

// Update is emitted for every fragment and every reasoning change.
type Update struct {
	Kind      UpdateKind
	SessionID string
	MessageID string
	// Delta is the visible text added by this fragment. Empty for reasoning.
	Delta string
	// Content and Reasoning are the accumulated values so far.
	Content   string
	Reasoning string
}

// Reply describes a finished turn.
type Reply struct {
	SessionID          string
	UserMessageID      string
	AssistantMessageID string
	Content            string
	Reasoning          string
}

// Runner coordinates a provider and a session store.
type Runner struct {
	store     *chat.Store
	provider  model.Provider
	metrics   *metrics.Metrics
	streaming bool

	mu   sync.Mutex
	busy bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics records response latency and fragment counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithStreaming selects between Provider.Stream (the default) and
// Provider.Complete.
func WithStreaming(enabled bool) Option {
	return func(r *Runner) { r.streaming = enabled }
}

func New(store *chat.Store, provider model.Provider, opts ...Option) *Runner {
	r := &Runner{store: store, provider: provider, streaming: true}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Provider returns the provider replies come from.
func (r *Runner) Provider() model.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider
}

// SetProvider swaps the provider used by later turns and returns the old
// one. It fails with ErrBusy while a turn is in flight.
func (r *Runner) SetProvider(p model.Provider) (model.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return nil, ErrBusy
	}
	old := r.provider
	r.provider = p
	return old, nil
}

// acquire marks the runner busy and returns the provider for the turn.
func (r *Runner) acquire() (model.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return nil, false
	}
	r.busy = true
	return r.provider, true
}

func (r *Runner) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = false
}

// Send runs one turn in the current session. onUpdate may be nil.
//
// On failure both messages of the turn are marked as errors, the assistant
// message keeps whatever text had arrived, and the store's error slot is set.
// The session is saved either way.
func (r *Runner) Send(ctx context.Context, text string, onUpdate func(Update)) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, fmt.Errorf("%w: empty message", domain.ErrInvalidArgument)
	}
	provider, ok := r.acquire()
	if !ok {
		return Reply{}, ErrBusy
	}
	defer r.release()

	r.store.SetLoading(true)
	defer r.store.SetLoading(false)
	r.store.SetError(nil)

	turn := r.store.BeginTurn(text)
	userID, assistantID := turn.UserMessageID, turn.AssistantMessageID
	history := model.FromMessages(turn.History)
	reply := Reply{
		SessionID:          turn.SessionID,
		UserMessageID:      userID,
		AssistantMessageID: assistantID,
	}
	log := slog.With("session", reply.SessionID, "provider", provider.Name())
	log.Debug("Sending message", "messageCount", len(history), "streaming", r.streaming)

	mode := "complete"
	if r.streaming {
		mode = "stream"
	}
	start := time.Now()
	var (
		res stream.Result
		err error
	)
	if r.streaming {
		res, err = r.stream(ctx, provider, history, reply, onUpdate)
	} else {
		res, err = r.complete(ctx, provider, history, reply, onUpdate)
	}
	r.metrics.RecordResponse(provider.Name(), mode, start, err)

	// The turn is saved even if the caller gave up.
	saveCtx := context.WithoutCancel(ctx)

	if err != nil {
		log.Error("Failed to get reply", "error", err)
		r.store.UpdateMessageStatus(userID, domain.StatusError, err.Error(), false)
		r.store.UpdateMessageStatus(assistantID, domain.StatusError, err.Error(), false)
		r.store.SetError(err)
		if serr := r.store.FinishStreamAndSave(saveCtx); serr != nil {
			log.Warn("Failed to save session after error", "error", serr)
		}
		return reply, err
	}

	reply.Content = res.Content
	reply.Reasoning = res.Reasoning
	r.store.UpdateMessageContent(assistantID, res.Content, false)
	if res.Reasoning != "" {
		r.store.UpdateMessageReasoning(assistantID, res.Reasoning, false)
	}
	r.store.UpdateMessageStatus(userID, domain.StatusSent, "", false)
	if serr := r.store.FinishStreamAndSave(saveCtx); serr != nil {
		// Persistence failures never fail a chat turn.
		log.Warn("Failed to save session", "error", serr)
	}
	log.Debug("Reply complete", "length", len(res.Content), "duration", time.Since(start))
	return reply, nil
}

func (r *Runner) stream(ctx context.Context, provider model.Provider, history []model.Message, reply Reply, onUpdate func(Update)) (stream.Result, error) {
	seq, err := provider.Stream(ctx, history)
	if err != nil {
		return stream.Result{}, err
	}

	var content strings.Builder
	var reasoning string
	return stream.Merge(ctx, seq,
		func(delta string) {
			r.metrics.RecordFragment()
			content.WriteString(delta)
			r.store.UpdateMessageContent(reply.AssistantMessageID, content.String(), false)
			if onUpdate != nil {
				onUpdate(Update{
					Kind:      UpdateFragment,
					SessionID: reply.SessionID,
					MessageID: reply.AssistantMessageID,
					Delta:     delta,
					Content:   content.String(),
					Reasoning: reasoning,
				})
			}
		},
		func(cumulative string) {
			reasoning = cumulative
			r.store.UpdateMessageReasoning(reply.AssistantMessageID, cumulative, false)
			if onUpdate != nil {
				onUpdate(Update{
					Kind:      UpdateReasoning,
					SessionID: reply.SessionID,
					MessageID: reply.AssistantMessageID,
					Content:   content.String(),
					Reasoning: cumulative,
				})
			}
		},
	)
}

func (r *Runner) complete(ctx context.Context, provider model.Provider, history []model.Message, reply Reply, onUpdate func(Update)) (stream.Result, error) {
	c, err := provider.Complete(ctx, history)
	if err != nil {
		return stream.Result{}, err
	}
	content := stream.StripThinking(c.Content)
	if onUpdate != nil {
		if c.Reasoning != "" {
			onUpdate(Update{Kind: UpdateReasoning, SessionID: reply.SessionID, MessageID: reply.AssistantMessageID, Reasoning: c.Reasoning})
		}
		onUpdate(Update{Kind: UpdateFragment, SessionID: reply.SessionID, MessageID: reply.AssistantMessageID, Delta: content, Content: content, Reasoning: c.Reasoning})
	}
	return stream.Result{Content: content, Reasoning: c.Reasoning}, nil
}
