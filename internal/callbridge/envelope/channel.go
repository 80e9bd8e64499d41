package envelope

import (
	"log/slog"
	"sync"

	"github.com/sebas/callbridge/internal/callbridge/loop"
)

// Handler processes one envelope on the receiving context.
type Handler func(*Envelope)

// Channel is an inbox owned by a receiving context. Post may be called from
// any goroutine; the handler only ever runs on the receiver's loop, from a
// deferred drain.
type Channel struct {
	name    string
	handler Handler
	signal  *loop.Signal

	mu     sync.Mutex
	inbox  []*Envelope
	closed bool
}

// NewChannel creates an inbox draining into h on receiver.
func NewChannel(name string, receiver loop.Poster, h Handler) *Channel {
	c := &Channel{name: name, handler: h}
	c.signal = loop.NewSignal(receiver, c.drain)
	return c
}

// Post appends e and schedules a drain if none is pending. Returns false if
// the channel is closed or e is malformed.
func (c *Channel) Post(e *Envelope) bool {
	if e == nil {
		return false
	}
	if err := e.Validate(); err != nil {
		slog.Warn("[Envelope] Rejected malformed envelope", "channel", c.name, "error", err)
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.inbox = append(c.inbox, e)
	c.mu.Unlock()

	c.signal.Raise()
	return true
}

// Len returns the number of undelivered envelopes.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbox)
}

// Close refuses further posts and discards undelivered envelopes. Returns
// how many were discarded.
func (c *Channel) Close() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	n := len(c.inbox)
	c.inbox = nil
	if n > 0 {
		slog.Debug("[Envelope] Discarded in-flight envelopes", "channel", c.name, "count", n)
	}
	return n
}

func (c *Channel) pop() (*Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.inbox) == 0 {
		return nil, false
	}
	e := c.inbox[0]
	c.inbox[0] = nil
	c.inbox = c.inbox[1:]
	return e, true
}

func (c *Channel) drain() {
	for {
		e, ok := c.pop()
		if !ok {
			return
		}
		c.handler(e)
	}
}
