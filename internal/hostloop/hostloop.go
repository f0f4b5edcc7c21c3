// Package hostloop runs posted functions one at a time, in posting order, on a
// single dedicated goroutine. Export work that must not run concurrently with
// itself is funneled through a Loop.
package hostloop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
)

// ErrStopped is returned by Post once Stop has been called.
var ErrStopped = ferrors.RuntimeError("host loop stopped").Build()

// Loop is a single-consumer FIFO of funcs. Post never blocks, so a func may
// post its own continuation.
type Loop struct {
	logger *slog.Logger

	mu       sync.Mutex
	queue    []func()
	started  bool
	stopping bool

	wake chan struct{}
	done chan struct{}
}

// New creates a loop. Call Start before posting work that must run.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine. It returns when ctx is canceled or Stop
// has been called and the queue is empty. Calling Start twice is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.run(ctx)
}

// Post appends fn to the queue.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return ferrors.ValidationError("nil func posted to host loop").Build()
	}
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	l.signal()
	return nil
}

// Pending returns the number of queued funcs.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Stop rejects further posts, lets already queued funcs finish and waits for the
// loop goroutine to exit, bounded by ctx.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopping = true
	started := l.started
	l.mu.Unlock()
	if !started {
		return nil
	}
	l.signal()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		fn, stop := l.next()
		if fn != nil {
			l.invoke(fn)
			continue
		}
		if stop {
			return
		}
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopping = true
			dropped := len(l.queue)
			l.queue = nil
			l.mu.Unlock()
			if dropped > 0 {
				l.logger.Warn("Host loop canceled with queued work", slog.Int("dropped", dropped))
			}
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, l.stopping
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, false
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered panic in host loop",
				slog.String("panic", fmt.Sprint(r)), slog.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
