package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Background runs fire-and-forget tasks detached from the request that started them.
// Failures and panics are routed to a NoticeReporter instead of a caller.
type Background struct {
	reporter NoticeReporter
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// BackgroundOption configures a Background runner
type BackgroundOption func(*Background)

// WithTaskTimeout bounds how long a single background task may run
func WithTaskTimeout(d time.Duration) BackgroundOption {
	return func(b *Background) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewBackground creates a runner that reports task failures to reporter
func NewBackground(reporter NoticeReporter, opts ...BackgroundOption) *Background {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Background{
		reporter: reporter,
		timeout:  5 * time.Minute,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Go starts task for userID. It returns false when the runner is shutting down.
func (b *Background) Go(userID, kind string, task func(ctx context.Context) error) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		slog.Warn("Background runner is shutting down, dropping task", "user", userID, "kind", kind)
		return false
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
		defer cancel()

		if err := safely(func() error { return task(ctx) }); err != nil {
			b.reporter.Report(userID, Notice{Kind: kind, Level: LevelError, Message: err.Error()})
		}
	}()
	return true
}

// errPanicked marks an error recovered from a panic
var errPanicked = errors.New("task panicked")

// safely calls fn and turns a panic into an error.
// Every goroutine started on behalf of a background task runs through it.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Background task panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", errPanicked, r)
		}
	}()
	return fn()
}

// Wait blocks until every started task has finished
func (b *Background) Wait() {
	b.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones.
// If ctx ends first, running tasks are cancelled and ctx's error is returned.
func (b *Background) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.wg.Wait()
	}()

	select {
	case <-done:
		b.cancel()
		slog.Info("Background tasks drained")
		return nil
	case <-ctx.Done():
		b.cancel()
		slog.Warn("Background shutdown interrupted, cancelling tasks")
		return ctx.Err()
	}
}
