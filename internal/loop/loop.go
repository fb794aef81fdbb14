// Package loop provides the single logical thread that owns session state.
//
// Every mutation of session state runs as a closure on the loop goroutine, one
// at a time and in posting order. Blocking work (network, media, signaling)
// runs off-loop via Spawn and posts its continuation back with Post, so no
// state is ever touched concurrently and no locks are needed around it.
package loop

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("loop stopped")

// Loop is a single goroutine executing posted closures in order.
type Loop struct {
	queue  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	tasks  sync.WaitGroup
	logger *zap.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithQueueSize sets the mailbox buffer size.
func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.queue = make(chan func(), n)
		}
	}
}

// New creates a loop. Call Start before posting work.
func New(logger *zap.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		queue:  make(chan func(), 256),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the loop goroutine. Idempotent.
func (l *Loop) Start() {
	l.once.Do(func() { go l.run() })
}

// Stop cancels the loop and waits for it and all spawned tasks to exit.
func (l *Loop) Stop() {
	l.cancel()
	l.once.Do(func() { close(l.done) })
	<-l.done
	l.tasks.Wait()
}

// Context is canceled when the loop stops.
func (l *Loop) Context() context.Context { return l.ctx }

// Post enqueues fn. It blocks while the mailbox is full and returns false
// once the loop is stopped. Must not be called from the loop goroutine when
// the mailbox may be full.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.ctx.Done():
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// Do runs fn on the loop and waits for it to finish. Calling Do from the
// loop goroutine deadlocks.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrStopped
	}
}

// Call runs fn on the loop and returns its result.
func Call[T any](ctx context.Context, l *Loop, fn func() T) (T, error) {
	var out T
	err := l.Do(ctx, func() { out = fn() })
	return out, err
}

// Spawn runs fn off-loop as a tracked background task. The context passed to
// fn is canceled when the loop stops.
func (l *Loop) Spawn(fn func(ctx context.Context)) {
	select {
	case <-l.ctx.Done():
		return
	default:
	}
	l.tasks.Add(1)
	go func() {
		defer l.tasks.Done()
		fn(l.ctx)
	}()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
