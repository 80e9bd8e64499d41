// Package loop provides the single-threaded execution contexts that host the
// application side and the engine side of a call.
package loop

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when posting to a loop that has been closed.
var ErrClosed = errors.New("loop closed")

// Poster schedules a task on an execution context. Tasks posted to the same
// Poster run one at a time, in the order they were posted.
type Poster interface {
	Post(fn func()) bool
}

// Loop is a goroutine draining a FIFO of tasks.
type Loop struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool

	done chan struct{}
}

// New starts a loop. The name is only used for logging.
func New(name string) *Loop {
	l := &Loop{
		name: name,
		done: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Post appends fn to the task queue. It never runs fn on the caller's stack,
// even when called from a task running on this loop. Returns false once the
// loop is closed.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.cond.Signal()
	return true
}

// Call posts fn and blocks until it has run. It must not be called from a
// task running on the same loop.
func (l *Loop) Call(fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrClosed
	}
	<-ran
	return nil
}

// Close stops accepting tasks. Tasks already queued still run; wait on Done
// for the loop goroutine to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.cond.Signal()
	}
	l.mu.Unlock()
}

// Done is closed after the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

func (l *Loop) run() {
	defer close(l.done)
	slog.Debug("[Loop] Started", "loop", l.name)
	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.tasks) == 0 && l.closed {
			l.mu.Unlock()
			slog.Debug("[Loop] Stopped", "loop", l.name)
			return
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.runTask(fn)
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Loop] Task panicked", "loop", l.name, "panic", r)
		}
	}()
	fn()
}
