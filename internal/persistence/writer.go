package persistence

import (
	"context"
	"log/slog"
	"time"
)

const defaultWriterCapacity = 256

type writeJob struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue serializes journal writes onto a single goroutine so hub
// event handlers never block on the database.
type WriterQueue struct {
	logger *slog.Logger
	queue  chan writeJob
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = defaultWriterCapacity
	}
	return &WriterQueue{
		logger: logger,
		queue:  make(chan writeJob, capacity),
	}
}

func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	job := writeJob{name: name, fn: fn}
	select {
	case w.queue <- job:
	default:
		go func() { w.queue <- job }()
	}
}

// Flush blocks until every write enqueued before the call has run, so
// short-lived commands do not exit with journal entries still queued.
func (w *WriterQueue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	w.Enqueue("flush", func(context.Context) error {
		close(done)

		return nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-w.queue:
				w.runWithRetry(ctx, job)
			}
		}
	}()
}

func (w *WriterQueue) runWithRetry(ctx context.Context, job writeJob) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := job.fn(ctx); err != nil {
			w.logger.Error("db write failed", "op", job.name, "attempt", attempt, "error", err)
			if attempt == maxAttempts {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
			continue
		}
		return
	}
}
