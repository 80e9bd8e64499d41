package control

import (
	"sync"
	"sync/atomic"

	"github.com/sebas/callbridge/internal/callbridge/loop"
	"github.com/sebas/callbridge/internal/callbridge/media"
	"github.com/sebas/callbridge/internal/callbridge/queue"
)

// RTPChannel exposes the outgoing packets of one media kind. Packet
// production is enabled while at least one ready-read listener is attached.
type RTPChannel struct {
	kind   media.Kind
	owner  *Local
	q      *queue.Queue[media.Packet]
	signal *loop.Signal
	closed atomic.Bool

	// listenMu orders enable/disable requests with listener changes.
	listenMu  sync.Mutex
	listeners subscribers[struct{}]
}

func newRTPChannel(kind media.Kind, owner *Local, app loop.Poster, bound int) *RTPChannel {
	c := &RTPChannel{
		kind:  kind,
		owner: owner,
		q:     queue.New[media.Packet](bound),
	}
	c.signal = loop.NewSignal(app, c.notify)
	return c
}

// Kind returns the media kind of the channel.
func (c *RTPChannel) Kind() media.Kind {
	return c.kind
}

// PacketsAvailable returns the number of unread packets.
func (c *RTPChannel) PacketsAvailable() int {
	return c.q.Len()
}

// Read pops the oldest unread packet.
func (c *RTPChannel) Read() (media.Packet, bool) {
	return c.q.Pop()
}

// Dropped returns how many packets were evicted unread.
func (c *RTPChannel) Dropped() uint64 {
	return c.q.Dropped()
}

// Write feeds a packet received from the remote peer into the engine. Safe
// from any goroutine; a no-op after the owner is destroyed.
func (c *RTPChannel) Write(p media.Packet) {
	c.owner.rtpIn(c.kind, p)
}

// OnReadyRead registers fn to run on the application loop whenever packets
// become available. The first listener enables packet production for the
// channel and the last cancel disables it.
func (c *RTPChannel) OnReadyRead(fn func()) (cancel func()) {
	c.listenMu.Lock()
	id, n := c.listeners.add(func(struct{}) { fn() })
	if n == 1 {
		c.owner.setOutput(c.kind, true)
	}
	c.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenMu.Lock()
			defer c.listenMu.Unlock()
			if n, ok := c.listeners.remove(id); ok && n == 0 {
				c.owner.setOutput(c.kind, false)
			}
		})
	}
}

// Listeners returns the number of attached ready-read listeners.
func (c *RTPChannel) Listeners() int {
	return c.listeners.size()
}

// push queues a packet produced by the engine. Safe from any goroutine.
func (c *RTPChannel) push(p media.Packet) {
	if c.closed.Load() {
		return
	}
	c.q.Push(p)
	c.signal.Raise()
}

func (c *RTPChannel) notify() {
	if c.closed.Load() || c.q.Len() == 0 {
		return
	}
	for _, fn := range c.listeners.snapshot() {
		fn(struct{}{})
	}
}

func (c *RTPChannel) close() int {
	c.closed.Store(true)
	return c.q.Clear()
}
