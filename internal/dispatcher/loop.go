// Package dispatcher implements the single-threaded event loop (spec.md §5,
// §3 C8) that owns the Tracker, Downstream Registry, and Main State Machine.
// Every mutation of that state happens as a closure run on one goroutine, so
// none of C2/C4/C6 need their own locking. The shape generalizes
// x-network/internal/netlink/watcher.go:Run's `select { case <-stopCh:
// ...; case msg := <-msgs: ... }` loop and
// x-network/internal/traffic/monitor.go:Run's ticker loop into one loop that
// serializes arbitrary posted work instead of just netlink/ticker events.
package dispatcher

import (
	"context"
	"log/slog"
	"time"
)

// job is one unit of serialized work.
type job struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Loop serializes all posted work onto a single goroutine.
type Loop struct {
	jobs    chan job
	stop    chan struct{}
	stopped chan struct{}
	log     *slog.Logger

	onRetryUpstream func()
}

// New constructs a Loop with the given queue depth. A depth of 0 makes Post
// synchronous with the caller blocking until the loop goroutine accepts the
// job (not until it runs); callers that need the result should use
// PostAndWait.
func New(queueDepth int, log *slog.Logger) *Loop {
	return &Loop{
		jobs:    make(chan job, queueDepth),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log,
	}
}

// Run drives the loop until Stop is called or ctx is cancelled. It is meant
// to be started as one goroutine in an errgroup.Group alongside the netlink
// watcher (cmd/tetherd/main.go).
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case j := <-l.jobs:
			l.runJob(ctx, j)
		}
	}
}

// Stop asks Run to return. Safe to call at most once.
func (l *Loop) Stop() {
	close(l.stop)
}

func (l *Loop) runJob(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("dispatcher job panicked", "panic", r)
		}
		if j.done != nil {
			close(j.done)
		}
	}()
	j.fn(ctx)
}

// Post enqueues fn to run on the loop goroutine and returns immediately
// without waiting for it to execute.
func (l *Loop) Post(fn func(ctx context.Context)) {
	select {
	case l.jobs <- job{fn: fn}:
	case <-l.stopped:
		l.log.Warn("dropped job posted after dispatcher stopped")
	}
}

// PostAndWait enqueues fn and blocks until it has finished running, for
// callers (the D-Bus front door) that need the result of a mutation before
// replying to their own caller.
func (l *Loop) PostAndWait(ctx context.Context, fn func(ctx context.Context)) {
	done := make(chan struct{})
	select {
	case l.jobs <- job{fn: fn, done: done}:
	case <-l.stopped:
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// ScheduleRetryUpstream implements mainsm.RetryScheduler: post a
// RetryUpstream delivery after d, cancelled implicitly if the loop stops
// first. Each call starts its own timer; earlier timers are not cancelled,
// so several can be outstanding at once.
func (l *Loop) ScheduleRetryUpstream(d time.Duration) {
	retry := l.onRetryUpstream
	if retry == nil {
		return
	}
	time.AfterFunc(d, func() {
		l.Post(func(ctx context.Context) {
			retry()
		})
	})
}

// onRetryUpstream is set once by SetRetryUpstreamHandler during wiring
// (cmd/tetherd/main.go), after the Main State Machine itself is constructed
// — avoiding an import cycle between dispatcher and mainsm.
func (l *Loop) SetRetryUpstreamHandler(fn func()) {
	l.onRetryUpstream = fn
}
