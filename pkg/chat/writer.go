package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/store"
)

var errWriterClosed = fmt.Errorf("%w: store closed", domain.ErrStorageUnavailable)

type jobKind int

const (
	jobPut jobKind = iota
	jobDelete
	jobBarrier
)

type job struct {
	kind    jobKind
	session domain.Session
	id      string
	done    chan error
}

// writer applies persistence jobs one at a time in the order they were
// queued. The queue is unbounded so enqueue never blocks a mutation.
type writer struct {
	persist store.SessionStore
	log     *slog.Logger
	onError func(error)

	mu     sync.Mutex
	queue  []job
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newWriter(persist store.SessionStore, log *slog.Logger, onError func(error)) *writer {
	w := &writer{
		persist: persist,
		log:     log,
		onError: onError,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) enqueue(j job) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.log.Warn("Dropping write after close", "session", j.id)
		if j.done != nil {
			j.done <- errWriterClosed
		}
		return
	}
	w.queue = append(w.queue, j)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) put(s domain.Session, done chan error) {
	w.enqueue(job{kind: jobPut, session: s, id: s.ID, done: done})
}

func (w *writer) delete(id string) {
	w.enqueue(job{kind: jobDelete, id: id})
}

// barrier returns a channel that receives once every job queued before it
// has been applied.
func (w *writer) barrier() chan error {
	done := make(chan error, 1)
	w.enqueue(job{kind: jobBarrier, done: done})
	return done
}

func (w *writer) take() []job {
	w.mu.Lock()
	defer w.mu.Unlock()
	jobs := w.queue
	w.queue = nil
	return jobs
}

func (w *writer) run() {
	defer close(w.done)
	for {
		jobs := w.take()
		if len(jobs) == 0 {
			select {
			case <-w.wake:
				continue
			case <-w.stop:
				for _, j := range w.take() {
					w.apply(j)
				}
				return
			}
		}
		for _, j := range jobs {
			w.apply(j)
		}
	}
}

func (w *writer) apply(j job) {
	ctx := context.Background()
	var err error
	switch j.kind {
	case jobPut:
		err = w.persist.Put(ctx, j.session)
	case jobDelete:
		err = w.persist.Delete(ctx, j.id)
	case jobBarrier:
	}
	if err != nil {
		w.log.Error("Failed to persist session", "session", j.id, "error", err)
		if w.onError != nil {
			w.onError(err)
		}
	}
	if j.done != nil {
		j.done <- err
	}
}

// close drains outstanding jobs and stops the goroutine.
func (w *writer) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	<-w.done
}

// wait blocks until done fires or ctx ends.
func wait(ctx context.Context, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
