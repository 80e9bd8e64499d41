package loop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := New("test")
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Call(func() {}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	if len(got) != 100 {
		t.Fatalf("len(got) = %d, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestPostFromTaskIsDeferred(t *testing.T) {
	l := New("test")
	defer l.Close()

	var order []string
	err := l.Call(func() {
		l.Post(func() { order = append(order, "inner") })
		order = append(order, "outer")
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	_ = l.Call(func() {})

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("order = %v, want [outer inner]", order)
	}
}

func TestPostAfterClose(t *testing.T) {
	l := New("test")
	l.Close()
	<-l.Done()

	if l.Post(func() {}) {
		t.Error("Post() after Close = true, want false")
	}
	if err := l.Call(func() {}); err != ErrClosed {
		t.Errorf("Call() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestCloseRunsQueuedTasks(t *testing.T) {
	l := New("test")
	block := make(chan struct{})
	var ran atomic.Int32
	l.Post(func() { <-block })
	for i := 0; i < 5; i++ {
		l.Post(func() { ran.Add(1) })
	}
	l.Close()
	close(block)
	<-l.Done()

	if got := ran.Load(); got != 5 {
		t.Errorf("ran = %d, want 5", got)
	}
}

func TestPanicDoesNotStopLoop(t *testing.T) {
	l := New("test")
	defer l.Close()

	l.Post(func() { panic("boom") })
	ok := false
	if err := l.Call(func() { ok = true }); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !ok {
		t.Error("task after panic did not run")
	}
}

func TestSignalCoalesces(t *testing.T) {
	l := New("test")
	defer l.Close()

	var runs atomic.Int32
	s := NewSignal(l, func() { runs.Add(1) })

	block := make(chan struct{})
	l.Post(func() { <-block })
	for i := 0; i < 10; i++ {
		s.Raise()
	}
	if !s.Pending() {
		t.Error("Pending() = false, want true")
	}
	close(block)
	_ = l.Call(func() {})

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestSignalRaiseDuringRun(t *testing.T) {
	l := New("test")
	defer l.Close()

	var (
		mu   sync.Mutex
		runs int
		s    *Signal
	)
	done := make(chan struct{})
	s = NewSignal(l, func() {
		mu.Lock()
		runs++
		n := runs
		mu.Unlock()
		if n == 1 {
			s.Raise()
			return
		}
		close(done)
	})
	s.Raise()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second run never happened")
	}
}
