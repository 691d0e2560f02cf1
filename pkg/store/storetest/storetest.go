// Package storetest holds a conformance suite shared by every
// store.SessionStore backend.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.SessionStore

// Sample returns a session with two messages for round-trip tests.
func Sample(id string, updated int64) domain.Session {
	return domain.Session{
		ID:        id,
		Title:     "sample " + id,
		CreatedAt: 1000,
		UpdatedAt: updated,
		Messages: []domain.Message{
			{ID: id + "-m1", Content: "hello", Role: domain.RoleUser, Timestamp: 1000, Status: domain.StatusSent},
			{ID: id + "-m2", Content: "hi there", ReasoningContent: "thinking", Role: domain.RoleAssistant, Timestamp: 1001, Status: domain.StatusError, Error: "network down"},
		},
	}
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		want := Sample("s1", 2000)
		if err := s.Put(ctx, want); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, found, err := s.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !found {
			t.Fatal("expected session to be found")
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("PutGetNilMessages", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		want := domain.Session{ID: "bare", Title: "bare", CreatedAt: 1000, UpdatedAt: 1000}
		if err := s.Put(ctx, want); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, found, err := s.Get(ctx, "bare")
		if err != nil || !found {
			t.Fatalf("Get: found=%v err=%v", found, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("GetMissingIsNotAnError", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, found, err := s.Get(context.Background(), "nope")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if found {
			t.Error("expected found=false for missing id")
		}
	})

	t.Run("PutOverwritesWholeRecord", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		if err := s.Put(ctx, Sample("s1", 2000)); err != nil {
			t.Fatal(err)
		}
		next := domain.Session{ID: "s1", Title: "renamed", CreatedAt: 1000, UpdatedAt: 3000, Messages: []domain.Message{}}
		if err := s.Put(ctx, next); err != nil {
			t.Fatal(err)
		}
		got, _, err := s.Get(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(next, got); diff != "" {
			t.Errorf("overwrite mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("GetAllDeleteClear", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		for i, id := range []string{"a", "b", "c"} {
			if err := s.Put(ctx, Sample(id, int64(2000+i))); err != nil {
				t.Fatal(err)
			}
		}
		all, err := s.GetAll(ctx)
		if err != nil {
			t.Fatalf("GetAll: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("GetAll len = %d, want 3", len(all))
		}

		if err := s.Delete(ctx, "b"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := s.Delete(ctx, "does-not-exist"); err != nil {
			t.Fatalf("Delete missing: %v", err)
		}
		all, _ = s.GetAll(ctx)
		if len(all) != 2 {
			t.Errorf("after delete len = %d, want 2", len(all))
		}
		if _, found, _ := s.Get(ctx, "b"); found {
			t.Error("deleted session still found")
		}

		if err := s.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		all, _ = s.GetAll(ctx)
		if len(all) != 0 {
			t.Errorf("after clear len = %d, want 0", len(all))
		}
	})

	t.Run("ReopenAfterClose", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.Put(ctx, Sample("s1", 2000)); err != nil {
			t.Fatal(err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		_, found, err := s.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("Get after close: %v", err)
		}
		if !found {
			t.Error("expected session to survive close/reopen")
		}
		s.Close()
	})

	t.Run("ConcurrentOpen", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Open(context.Background())
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("Open: %v", err)
			}
		}
	})
}
