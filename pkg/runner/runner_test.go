package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nstogner/chatkeep/pkg/chat"
	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/metrics"
	"github.com/nstogner/chatkeep/pkg/model"
	"github.com/nstogner/chatkeep/pkg/model/mock"
	"github.com/nstogner/chatkeep/pkg/store/memory"
	"github.com/nstogner/chatkeep/pkg/stream"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func setup(t *testing.T) (*chat.Store, *memory.Store) {
	t.Helper()
	persist := memory.New()
	s := chat.New(persist)
	t.Cleanup(func() { s.Close() })
	s.LoadFromPersistence(context.Background())
	return s, persist
}

func TestSendStreaming(t *testing.T) {
	s, persist := setup(t)
	provider := &mock.Provider{Fragments: []stream.Fragment{
		{Reasoning: "thinking"},
		{Content: "Hel"},
		{Content: "lo"},
	}}
	m := metrics.New()
	r := New(s, provider, WithMetrics(m))

	var updates []Update
	reply, err := r.Send(context.Background(), "  hi there ", func(u Update) { updates = append(updates, u) })
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Content != "Hello" || reply.Reasoning != "thinking" {
		t.Errorf("reply = %+v", reply)
	}

	var kinds []UpdateKind
	for _, u := range updates {
		kinds = append(kinds, u.Kind)
	}
	wantKinds := []UpdateKind{UpdateReasoning, UpdateFragment, UpdateFragment, UpdateFragment}
	if diff := cmp.Diff(wantKinds, kinds); diff != "" {
		t.Errorf("update kinds (-want +got):\n%s", diff)
	}
	if last := updates[len(updates)-1]; last.Content != "Hello" || last.Delta != "lo" {
		t.Errorf("last update = %+v", last)
	}

	msgs := s.CurrentMessages()
	if len(msgs) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "hi there" || msgs[0].Status != domain.StatusSent {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Content != "Hello" || msgs[1].ReasoningContent != "thinking" || msgs[1].Status != domain.StatusSent {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if s.IsLoading() {
		t.Error("loading flag left set")
	}

	// The provider saw the user message only.
	reqs := provider.Requests()
	want := []model.Message{{Role: domain.RoleUser, Content: "hi there"}}
	if diff := cmp.Diff(want, reqs[0]); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}

	got, _, _ := persist.Get(context.Background(), reply.SessionID)
	if len(got.Messages) != 2 || got.Messages[1].Content != "Hello" {
		t.Errorf("persisted = %+v", got)
	}
	if n := testutil.ToFloat64(m.StreamFragmentsTotal); n != 3 {
		t.Errorf("fragments metric = %v, want 3", n)
	}
}

func TestSendStripsThinkMarkup(t *testing.T) {
	s, _ := setup(t)
	r := New(s, mock.Echo("<think>internal</think>visible"))

	reply, err := r.Send(context.Background(), "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != "visible" || reply.Reasoning != "internal" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestSendTransportFailure(t *testing.T) {
	s, persist := setup(t)
	provider := &mock.Provider{
		Fragments: []stream.Fragment{{Content: "partial"}},
		Err:       domain.ErrTransport,
	}
	r := New(s, provider)

	reply, err := r.Send(context.Background(), "hello", nil)
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}

	msgs := s.CurrentMessages()
	if msgs[0].Status != domain.StatusError {
		t.Errorf("user status = %s", msgs[0].Status)
	}
	if msgs[1].Status != domain.StatusError || msgs[1].Error == "" {
		t.Errorf("assistant = %+v", msgs[1])
	}
	if msgs[1].Content != "partial" {
		t.Errorf("partial content lost: %q", msgs[1].Content)
	}
	if !errors.Is(s.Err(), domain.ErrTransport) {
		t.Errorf("store Err = %v", s.Err())
	}

	got, _, _ := persist.Get(context.Background(), reply.SessionID)
	if len(got.Messages) != 2 || got.Messages[1].Status != domain.StatusError {
		t.Errorf("persisted = %+v", got)
	}
}

func TestSendConfigInvalid(t *testing.T) {
	s, _ := setup(t)
	r := New(s, &mock.Provider{ConfigErr: domain.ErrConfigInvalid})

	_, err := r.Send(context.Background(), "hello", nil)
	if !errors.Is(err, domain.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestSendNonStreaming(t *testing.T) {
	s, _ := setup(t)
	provider := &mock.Provider{Fragments: []stream.Fragment{
		{Content: "<think>hmm</think> one"},
		{Content: " two ", Reasoning: "why"},
	}}
	r := New(s, provider, WithStreaming(false))

	var updates []Update
	reply, err := r.Send(context.Background(), "q", func(u Update) { updates = append(updates, u) })
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != "one two" {
		t.Errorf("Content = %q", reply.Content)
	}
	if len(updates) != 2 {
		t.Errorf("len(updates) = %d, want 2", len(updates))
	}
}

func TestSendEmpty(t *testing.T) {
	s, _ := setup(t)
	r := New(s, mock.Echo("x"))
	if _, err := r.Send(context.Background(), "   ", nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("err = %v", err)
	}
	if len(s.CurrentMessages()) != 0 {
		t.Error("empty send added messages")
	}
}

func TestSendBusy(t *testing.T) {
	s, _ := setup(t)
	release := make(chan struct{})
	started := make(chan struct{})
	provider := &blockingProvider{started: started, release: release}
	r := New(s, provider)

	done := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), "first", nil)
		done <- err
	}()
	<-started

	if _, err := r.Send(context.Background(), "second", nil); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	if _, err := r.SetProvider(mock.Echo("x")); !errors.Is(err, ErrBusy) {
		t.Errorf("SetProvider while busy = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first send: %v", err)
	}

	next := mock.Echo("x")
	old, err := r.SetProvider(next)
	if err != nil || old != provider {
		t.Errorf("SetProvider = %v, %v", old, err)
	}
	if r.Provider() != next {
		t.Error("provider not replaced")
	}
}

func TestSendCancelled(t *testing.T) {
	s, persist := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(s, mock.Echo("a", "b"))

	reply, err := r.Send(ctx, "hello", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	// Still saved with a cancelled context.
	got, found, _ := persist.Get(context.Background(), reply.SessionID)
	if !found || len(got.Messages) != 2 {
		t.Errorf("persisted = %+v", got)
	}
}

func TestSendSwitchDuringStream(t *testing.T) {
	s, persist := setup(t)
	origin := s.CurrentSessionID()
	var other string
	provider := &switchingProvider{onStream: func() { other = s.CreateSession("other") }}
	r := New(s, provider)

	reply, err := r.Send(context.Background(), "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.SessionID != origin {
		t.Errorf("reply session = %q, want %q", reply.SessionID, origin)
	}
	if s.CurrentSessionID() != other {
		t.Errorf("current = %q, want the switched-to session", s.CurrentSessionID())
	}

	got, _, _ := persist.Get(context.Background(), origin)
	if len(got.Messages) != 2 || got.Messages[1].Content != "reply" || got.Messages[0].Status != domain.StatusSent {
		t.Errorf("origin session = %+v", got.Messages)
	}
	if sess, _ := s.Session(other); len(sess.Messages) != 0 {
		t.Errorf("switched-to session got messages: %+v", sess.Messages)
	}
}

type switchingProvider struct {
	onStream func()
}

func (p *switchingProvider) Name() string { return "switching" }

func (p *switchingProvider) Complete(ctx context.Context, msgs []model.Message) (model.Completion, error) {
	return model.Completion{}, nil
}

func (p *switchingProvider) Stream(ctx context.Context, msgs []model.Message) (stream.Seq, error) {
	p.onStream()
	return stream.FromSlice([]stream.Fragment{{Content: "reply"}}, nil), nil
}

type blockingProvider struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Complete(ctx context.Context, msgs []model.Message) (model.Completion, error) {
	return model.Completion{}, nil
}

func (p *blockingProvider) Stream(ctx context.Context, msgs []model.Message) (stream.Seq, error) {
	close(p.started)
	return func(yield func(stream.Fragment, error) bool) {
		<-p.release
		yield(stream.Fragment{Content: "done"}, nil)
	}, nil
}
