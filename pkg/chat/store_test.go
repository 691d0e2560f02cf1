package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/store/memory"
	"github.com/nstogner/chatkeep/pkg/store/storetest"
)

// fakeClock advances one millisecond per call so ordering by UpdatedAt is
// deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestStore(t *testing.T, persist *memory.Store, opts ...Option) *Store {
	t.Helper()
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	s := New(persist, append([]Option{WithClock(clock.Now)}, opts...)...)
	t.Cleanup(func() { s.Close() })
	return s
}

func flush(t *testing.T, s *Store) {
	t.Helper()
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestLoadFromEmptyPersistence(t *testing.T) {
	s := newTestStore(t, memory.New())
	s.LoadFromPersistence(context.Background())

	sessions := s.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
	if sessions[0].Title != domain.WelcomeTitle {
		t.Errorf("title = %q, want %q", sessions[0].Title, domain.WelcomeTitle)
	}
	if s.CurrentSessionID() != sessions[0].ID {
		t.Errorf("current = %q, want %q", s.CurrentSessionID(), sessions[0].ID)
	}
}

func TestLoadFailureFallsBackToWelcome(t *testing.T) {
	persist := memory.New()
	persist.FailGetAll = domain.ErrStorageRead
	s := newTestStore(t, persist)
	s.LoadFromPersistence(context.Background())

	sessions := s.Sessions()
	if len(sessions) != 1 || sessions[0].Title != domain.WelcomeTitle {
		t.Fatalf("sessions = %+v, want one welcome session", sessions)
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v, want nil", s.Err())
	}
}

func TestLoadPicksMostRecent(t *testing.T) {
	persist := memory.New()
	ctx := context.Background()
	persist.Put(ctx, storetest.Sample("old", 2000))
	persist.Put(ctx, storetest.Sample("new", 5000))
	persist.Put(ctx, storetest.Sample("mid", 3000))

	s := newTestStore(t, persist)
	s.LoadFromPersistence(ctx)

	if got := s.CurrentSessionID(); got != "new" {
		t.Errorf("current = %q, want new", got)
	}
	var ids []string
	for _, sess := range s.Sessions() {
		ids = append(ids, sess.ID)
	}
	if diff := cmp.Diff([]string{"new", "mid", "old"}, ids); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	if len(s.CurrentMessages()) != 2 {
		t.Errorf("len(CurrentMessages) = %d, want 2", len(s.CurrentMessages()))
	}
}

func TestCreateSessionUniqueAndCurrent(t *testing.T) {
	persist := memory.New()
	s := newTestStore(t, persist)

	seen := map[string]bool{}
	var last string
	for i := 0; i < 10; i++ {
		last = s.CreateSession("")
		if seen[last] {
			t.Fatalf("duplicate id %s", last)
		}
		seen[last] = true
		if s.CurrentSessionID() != last {
			t.Fatalf("current = %s, want %s", s.CurrentSessionID(), last)
		}
	}
	cur, ok := s.CurrentSession()
	if !ok || cur.Title != domain.DefaultTitle {
		t.Errorf("current = %+v, want default title", cur)
	}

	flush(t, s)
	all, _ := persist.GetAll(context.Background())
	if len(all) != 10 {
		t.Errorf("persisted %d sessions, want 10", len(all))
	}
}

func TestSwitchSession(t *testing.T) {
	s := newTestStore(t, memory.New())
	a := s.CreateSession("a")
	b := s.CreateSession("b")

	before := s.Sessions()
	if !s.SwitchSession(b) {
		t.Error("switching to current should succeed")
	}
	if diff := cmp.Diff(before, s.Sessions()); diff != "" {
		t.Errorf("switch to self changed state:\n%s", diff)
	}
	if s.CurrentSessionID() != b {
		t.Errorf("current = %s, want %s", s.CurrentSessionID(), b)
	}

	if s.SwitchSession("missing") {
		t.Error("switching to unknown id should report false")
	}
	if s.CurrentSessionID() != b {
		t.Errorf("current changed on unknown switch")
	}

	s.SwitchSession(a)
	if s.CurrentSessionID() != a {
		t.Errorf("current = %s, want %s", s.CurrentSessionID(), a)
	}
}

func TestDeleteSession(t *testing.T) {
	persist := memory.New()
	s := newTestStore(t, persist)
	a := s.CreateSession("a")
	b := s.CreateSession("b")
	c := s.CreateSession("c")

	if !s.DeleteSession(c) {
		t.Fatal("DeleteSession returned false")
	}
	cur := s.CurrentSessionID()
	if cur != a && cur != b {
		t.Errorf("current %s not among remaining", cur)
	}
	if cur != b {
		t.Errorf("current = %s, want first remaining %s", cur, b)
	}

	// Deleting a non-current session keeps current.
	s.DeleteSession(a)
	if s.CurrentSessionID() != b {
		t.Errorf("current = %s, want %s", s.CurrentSessionID(), b)
	}

	s.DeleteSession(b)
	if s.CurrentSessionID() != "" {
		t.Errorf("current = %q, want unset", s.CurrentSessionID())
	}
	if len(s.Sessions()) != 0 {
		t.Errorf("sessions remain: %d", len(s.Sessions()))
	}

	flush(t, s)
	all, _ := persist.GetAll(context.Background())
	if len(all) != 0 {
		t.Errorf("persisted %d sessions after deleting all", len(all))
	}
}

func TestDeleteUnknownSessionIsNoop(t *testing.T) {
	s := newTestStore(t, memory.New())
	s.CreateSession("a")
	before := s.Sessions()
	cur := s.CurrentSessionID()

	if s.DeleteSession("missing") {
		t.Error("DeleteSession(missing) = true")
	}
	if diff := cmp.Diff(before, s.Sessions()); diff != "" {
		t.Errorf("sessions changed:\n%s", diff)
	}
	if s.CurrentSessionID() != cur {
		t.Errorf("current changed")
	}
}

func TestRenameSession(t *testing.T) {
	persist := memory.New()
	s := newTestStore(t, persist)
	id := s.CreateSession("")
	before, _ := s.CurrentSession()

	if err := s.RenameSession(id, "  renamed "); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	after, _ := s.CurrentSession()
	if after.Title != "renamed" {
		t.Errorf("title = %q", after.Title)
	}
	if after.UpdatedAt <= before.UpdatedAt {
		t.Errorf("UpdatedAt not bumped: %d <= %d", after.UpdatedAt, before.UpdatedAt)
	}

	if err := s.RenameSession("missing", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("rename missing: %v", err)
	}
	if err := s.RenameSession(id, "  "); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("rename empty: %v", err)
	}

	flush(t, s)
	got, _, _ := persist.Get(context.Background(), id)
	if got.Title != "renamed" {
		t.Errorf("persisted title = %q", got.Title)
	}
}

func TestAddMessageTitleDerivation(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"hello", "hello"},
		{strings.Repeat("a", 20), strings.Repeat("a", 20)},
		{strings.Repeat("a", 21), strings.Repeat("a", 20) + "..."},
		{"你好你好你好你好你好你好你好你好你好你好你好", "你好你好你好你好你好你好你好你好你好你好..."},
	}
	for _, tt := range tests {
		s := newTestStore(t, memory.New())
		s.CreateSession("")
		if _, err := s.AddMessage(tt.content, domain.RoleUser, true); err != nil {
			t.Fatal(err)
		}
		cur, _ := s.CurrentSession()
		if cur.Title != tt.want {
			t.Errorf("title for %q = %q, want %q", tt.content, cur.Title, tt.want)
		}
	}
}

func TestAddMessageScenario(t *testing.T) {
	persist := memory.New()
	s := newTestStore(t, persist)
	s.LoadFromPersistence(context.Background())

	id, err := s.AddMessage("hello", domain.RoleUser, true)
	if err != nil {
		t.Fatal(err)
	}
	msgs := s.CurrentMessages()
	if len(msgs) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(msgs))
	}
	if msgs[0].ID != id || msgs[0].Status != domain.StatusSending {
		t.Errorf("message = %+v", msgs[0])
	}
	cur, _ := s.CurrentSession()
	if cur.Title != "hello" {
		t.Errorf("title = %q, want hello", cur.Title)
	}

	// Later user messages leave the title alone.
	s.AddMessage("second question", domain.RoleUser, true)
	if cur, _ := s.CurrentSession(); cur.Title != "hello" {
		t.Errorf("title changed to %q", cur.Title)
	}

	flush(t, s)
	got, _, _ := persist.Get(context.Background(), cur.ID)
	if len(got.Messages) != 2 {
		t.Errorf("persisted %d messages, want 2", len(got.Messages))
	}
}

func TestAddMessageAssistantDoesNotRetitle(t *testing.T) {
	s := newTestStore(t, memory.New())
	s.CreateSession("")
	id, _ := s.AddMessage("I am the assistant", domain.RoleAssistant, false)

	msgs := s.CurrentMessages()
	if msgs[0].ID != id || msgs[0].Status != domain.StatusSent {
		t.Errorf("message = %+v", msgs[0])
	}
	if cur, _ := s.CurrentSession(); cur.Title != domain.DefaultTitle {
		t.Errorf("title = %q", cur.Title)
	}
}

func TestAddMessageCreatesSession(t *testing.T) {
	s := newTestStore(t, memory.New())
	if s.CurrentSessionID() != "" {
		t.Fatal("expected no current session")
	}
	if _, err := s.AddMessage("hi", domain.RoleUser, true); err != nil {
		t.Fatal(err)
	}
	if len(s.Sessions()) != 1 || s.CurrentSessionID() == "" {
		t.Errorf("expected a session to be created")
	}
}

func TestAddMessageInvalidRole(t *testing.T) {
	s := newTestStore(t, memory.New())
	if _, err := s.AddMessage("x", domain.Role("robot"), true); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
	if len(s.Sessions()) != 0 {
		t.Error("invalid add should not create a session")
	}
}

func TestAddMessageWithoutPersistIsDeferred(t *testing.T) {
	persist := memory.New()
	s := newTestStore(t, persist)
	sid := s.CreateSession("")
	flush(t, s)
	puts := persist.Puts()

	s.AddMessage("", domain.RoleAssistant, false)
	flush(t, s)
	if persist.Puts() != puts {
		t.Errorf("unexpected write for deferred message")
	}

	if err := s.FinishStreamAndSave(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _, _ := persist.Get(context.Background(), sid)
	if len(got.Messages) != 1 {
		t.Errorf("persisted %d messages, want 1", len(got.Messages))
	}
}

func TestBeginTurn(t *testing.T) {
	persist := memory.New()
	s := newTestStore(t, persist)
	sid := s.CreateSession("")
	s.AddMessage("earlier", domain.RoleSystem, true)

	turn := s.BeginTurn("question")
	if turn.SessionID != sid {
		t.Errorf("SessionID = %q, want %q", turn.SessionID, sid)
	}
	var roles []domain.Role
	for _, m := range turn.History {
		roles = append(roles, m.Role)
	}
	if diff := cmp.Diff([]domain.Role{domain.RoleSystem, domain.RoleUser}, roles); diff != "" {
		t.Errorf("history roles (-want +got):\n%s", diff)
	}
	if turn.History[1].ID != turn.UserMessageID {
		t.Errorf("history ends with %q, want user message %q", turn.History[1].ID, turn.UserMessageID)
	}

	// Both messages live in the turn's session even after a switch.
	s.CreateSession("other")
	sess, _ := s.Session(turn.SessionID)
	if len(sess.Messages) != 3 || sess.Messages[2].ID != turn.AssistantMessageID {
		t.Fatalf("turn session messages = %+v", sess.Messages)
	}
	if sess.Messages[1].Status != domain.StatusSending || sess.Messages[2].Content != "" {
		t.Errorf("unexpected turn messages %+v", sess.Messages[1:])
	}

	// The user message is written at once; the placeholder waits.
	flush(t, s)
	got, _, _ := persist.Get(context.Background(), sid)
	if len(got.Messages) != 2 {
		t.Errorf("persisted %d messages, want 2", len(got.Messages))
	}
}

func TestUpdateMessageStatus(t *testing.T) {
	s := newTestStore(t, memory.New())
	id, _ := s.AddMessage("hi", domain.RoleUser, true)

	s.UpdateMessageStatus(id, domain.StatusError, "network down", false)
	msg := s.CurrentMessages()[0]
	if msg.Status != domain.StatusError || msg.Error != "network down" {
		t.Errorf("message = %+v", msg)
	}

	// Unknown ids are ignored.
	s.UpdateMessageStatus("missing", domain.StatusSent, "", false)
	if s.CurrentMessages()[0].Status != domain.StatusError {
		t.Error("unknown id update changed state")
	}
}

func TestUpdateMessageStatusClearsErrorText(t *testing.T) {
	s := newTestStore(t, memory.New())
	id, _ := s.AddMessage("hi", domain.RoleUser, true)
	s.UpdateMessageStatus(id, domain.StatusSent, "ignored", false)
	if msg := s.CurrentMessages()[0]; msg.Error != "" {
		t.Errorf("Error = %q, want empty for sent", msg.Error)
	}
}

func TestUpdateMessageReasoningReplaces(t *testing.T) {
	s := newTestStore(t, memory.New())
	id, _ := s.AddMessage("", domain.RoleAssistant, false)

	s.UpdateMessageReasoning(id, "step one", false)
	s.UpdateMessageReasoning(id, "step one, step two", false)
	s.UpdateMessageContent(id, "answer", false)

	msg := s.CurrentMessages()[0]
	if msg.ReasoningContent != "step one, step two" {
		t.Errorf("ReasoningContent = %q", msg.ReasoningContent)
	}
	if msg.Content != "answer" {
		t.Errorf("Content = %q", msg.Content)
	}
}

func TestUpdateAfterSwitchTargetsOwningSession(t *testing.T) {
	persist := memory.New()
	s := newTestStore(t, persist)
	first := s.CreateSession("first")
	id, _ := s.AddMessage("", domain.RoleAssistant, false)
	s.CreateSession("second")

	s.UpdateMessageContent(id, "streamed", false)
	if err := s.FinishStreamAndSave(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, _, _ := persist.Get(context.Background(), first)
	if len(got.Messages) != 1 || got.Messages[0].Content != "streamed" {
		t.Errorf("persisted first session = %+v", got)
	}
}

func TestDeleteMessage(t *testing.T) {
	s := newTestStore(t, memory.New())
	a, _ := s.AddMessage("a", domain.RoleUser, true)
	b, _ := s.AddMessage("b", domain.RoleAssistant, true)

	if !s.DeleteMessage(a) {
		t.Fatal("DeleteMessage returned false")
	}
	msgs := s.CurrentMessages()
	if len(msgs) != 1 || msgs[0].ID != b {
		t.Errorf("messages = %+v", msgs)
	}
	if s.DeleteMessage("missing") {
		t.Error("DeleteMessage(missing) = true")
	}
}

func TestClearSession(t *testing.T) {
	persist := memory.New()
	s := newTestStore(t, persist)
	s.AddMessage("a", domain.RoleUser, true)
	s.AddMessage("b", domain.RoleAssistant, true)
	before, _ := s.CurrentSession()

	s.ClearSession()
	after, _ := s.CurrentSession()
	if len(after.Messages) != 0 {
		t.Errorf("messages remain: %d", len(after.Messages))
	}
	if after.Title != before.Title {
		t.Errorf("title changed to %q", after.Title)
	}
	if after.UpdatedAt <= before.UpdatedAt {
		t.Error("UpdatedAt not bumped")
	}

	flush(t, s)
	got, _, _ := persist.Get(context.Background(), after.ID)
	if len(got.Messages) != 0 {
		t.Errorf("persisted %d messages", len(got.Messages))
	}
}

func TestWriteFailureKeepsMemoryState(t *testing.T) {
	persist := memory.New()
	s := newTestStore(t, persist)
	s.CreateSession("")
	flush(t, s)

	persist.SetFailPut(domain.ErrStorageWrite)
	s.AddMessage("still here", domain.RoleUser, true)
	flush(t, s)

	if !errors.Is(s.Err(), domain.ErrStorageWrite) {
		t.Errorf("Err() = %v, want ErrStorageWrite", s.Err())
	}
	if msgs := s.CurrentMessages(); len(msgs) != 1 || msgs[0].Content != "still here" {
		t.Errorf("in-memory message lost: %+v", msgs)
	}
	if err := s.FinishStreamAndSave(context.Background()); !errors.Is(err, domain.ErrStorageWrite) {
		t.Errorf("FinishStreamAndSave = %v, want ErrStorageWrite", err)
	}
}

func TestWritesApplyInOrder(t *testing.T) {
	persist := memory.New()
	s := newTestStore(t, persist)
	id := s.CreateSession("")
	for i := 0; i < 50; i++ {
		s.RenameSession(id, strings.Repeat("x", i+1))
	}
	flush(t, s)

	got, _, _ := persist.Get(context.Background(), id)
	if got.Title != strings.Repeat("x", 50) {
		t.Errorf("persisted title has len %d, want 50", len(got.Title))
	}
}

func TestConcurrentMutations(t *testing.T) {
	s := newTestStore(t, memory.New())
	s.CreateSession("")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				s.AddMessage("m", domain.RoleUser, j%2 == 0)
			}
		}()
	}
	wg.Wait()
	if n := len(s.CurrentMessages()); n != 200 {
		t.Errorf("len(messages) = %d, want 200", n)
	}
}

func TestUpdatedAtNeverBeforeCreatedAt(t *testing.T) {
	now := time.UnixMilli(5000)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(-time.Millisecond)
		return now
	}
	s := New(memory.New(), WithClock(clock))
	defer s.Close()
	s.CreateSession("")
	s.AddMessage("x", domain.RoleUser, false)
	cur, _ := s.CurrentSession()
	if cur.UpdatedAt < cur.CreatedAt {
		t.Errorf("UpdatedAt %d < CreatedAt %d", cur.UpdatedAt, cur.CreatedAt)
	}
}

func TestWithTitleLength(t *testing.T) {
	s := newTestStore(t, memory.New(), WithTitleLength(5))
	s.AddMessage("abcdefgh", domain.RoleUser, false)
	if cur, _ := s.CurrentSession(); cur.Title != "abcde..." {
		t.Errorf("title = %q", cur.Title)
	}
}

func TestLoadingAndErrorSlots(t *testing.T) {
	s := newTestStore(t, memory.New())
	s.SetLoading(true)
	if !s.IsLoading() {
		t.Error("IsLoading = false")
	}
	boom := errors.New("boom")
	s.SetError(boom)
	if !errors.Is(s.Err(), boom) {
		t.Errorf("Err = %v", s.Err())
	}
	s.SetError(nil)
	if s.Err() != nil {
		t.Error("Err not cleared")
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	s := newTestStore(t, memory.New())
	s.AddMessage("original", domain.RoleUser, false)

	msgs := s.CurrentMessages()
	msgs[0].Content = "mutated"
	if s.CurrentMessages()[0].Content != "original" {
		t.Error("CurrentMessages aliases store state")
	}
}

func TestCloseDrainsWrites(t *testing.T) {
	persist := memory.New()
	s := New(persist)
	id := s.CreateSession("")
	s.AddMessage("x", domain.RoleUser, true)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	got, found, _ := persist.Get(context.Background(), id)
	if !found || len(got.Messages) != 1 {
		t.Errorf("write lost on close: %+v", got)
	}
	// Writes after close are dropped, not blocking.
	s.CreateSession("late")
	if err := s.Flush(context.Background()); err == nil {
		t.Error("Flush after Close should fail")
	}
}
