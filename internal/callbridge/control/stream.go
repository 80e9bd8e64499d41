package control

import (
	"sync"
	"sync/atomic"

	"github.com/sebas/callbridge/internal/callbridge/loop"
	"github.com/sebas/callbridge/internal/callbridge/queue"
)

// subscribers is a set of callbacks keyed by registration order.
type subscribers[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
	ids  []uint64
}

// add registers fn and returns its id and the resulting count.
func (s *subscribers[T]) add(fn func(T)) (id uint64, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(T))
	}
	s.next++
	s.fns[s.next] = fn
	s.ids = append(s.ids, s.next)
	return s.next, len(s.ids)
}

// remove drops id and returns the remaining count and whether id was present.
func (s *subscribers[T]) remove(id uint64) (count int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok = s.fns[id]; !ok {
		return len(s.ids), false
	}
	delete(s.fns, id)
	for i, v := range s.ids {
		if v == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			break
		}
	}
	return len(s.ids), true
}

func (s *subscribers[T]) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// snapshot returns the callbacks in registration order. Callbacks are never
// run while the lock is held.
func (s *subscribers[T]) snapshot() []func(T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]func(T), 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.fns[id])
	}
	return out
}

// subscribe registers fn and returns an idempotent cancel.
func (s *subscribers[T]) subscribe(fn func(T)) func() {
	id, _ := s.add(fn)
	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

// stream carries values from engine goroutines to subscribers on the
// application loop through a bounded drop-oldest queue.
type stream[T any] struct {
	name   string
	q      *queue.Queue[T]
	signal *loop.Signal
	subs   subscribers[T]
	closed atomic.Bool
}

func newStream[T any](name string, app loop.Poster, bound int) *stream[T] {
	s := &stream[T]{name: name, q: queue.New[T](bound)}
	s.signal = loop.NewSignal(app, s.drain)
	return s
}

// push queues v and schedules a drain. Safe from any goroutine.
func (s *stream[T]) push(v T) {
	if s.closed.Load() {
		return
	}
	s.q.Push(v)
	s.signal.Raise()
}

func (s *stream[T]) drain() {
	for !s.closed.Load() {
		v, ok := s.q.Pop()
		if !ok {
			return
		}
		for _, fn := range s.subs.snapshot() {
			fn(v)
		}
	}
}

// close discards queued values and refuses new ones.
func (s *stream[T]) close() int {
	s.closed.Store(true)
	return s.q.Clear()
}
