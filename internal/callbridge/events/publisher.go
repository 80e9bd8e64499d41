package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Publisher is the interface for publishing session events.
type Publisher interface {
	// Publish sends an event. Returns error only for transport failures.
	Publish(ctx context.Context, event Event) error

	// PublishAsync sends an event without waiting for confirmation.
	PublishAsync(event Event)

	// Flush ensures all pending async events are published.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that silently discards events.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Publish(ctx context.Context, event Event) error {
	return nil
}

func (p *NoopPublisher) PublishAsync(event Event) {}

func (p *NoopPublisher) Flush(ctx context.Context) error {
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}

// LoggingPublisher logs events. Useful for development.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs events.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, event Event) error {
	p.log(event)
	return nil
}

func (p *LoggingPublisher) PublishAsync(event Event) {
	p.log(event)
}

func (p *LoggingPublisher) log(event Event) {
	attrs := []any{
		"subject", event.Subject(),
		"type", event.Type(),
		"session_id", event.SessionID,
		"can_transmit_audio", event.CanTransmitAudio,
		"can_transmit_video", event.CanTransmitVideo,
	}
	if event.ErrorCode != "" {
		p.logger.Warn("[Events] Session error", append(attrs, "code", event.ErrorCode, "message", event.Message)...)
		return
	}
	p.logger.Info("[Events] Session event", attrs...)
}

func (p *LoggingPublisher) Flush(ctx context.Context) error {
	return nil
}

func (p *LoggingPublisher) Close() error {
	return nil
}

// WriterPublisher appends each event as one JSON line to a writer.
type WriterPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterPublisher creates a publisher that writes JSON lines to w.
func NewWriterPublisher(w io.Writer) *WriterPublisher {
	return &WriterPublisher{w: w}
}

func (p *WriterPublisher) Publish(ctx context.Context, event Event) error {
	data, err := MarshalEvent(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type(), err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s event: %w", event.Type(), err)
	}
	return nil
}

func (p *WriterPublisher) PublishAsync(event Event) {
	if err := p.Publish(context.Background(), event); err != nil {
		slog.Warn("[Events] Failed to write event", "type", event.Type(), "error", err)
	}
}

func (p *WriterPublisher) Flush(ctx context.Context) error {
	return nil
}

// Close closes the writer when it is an io.Closer.
func (p *WriterPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ChannelPublisher publishes to an in-memory channel. Used by stream
// watchers and tests.
type ChannelPublisher struct {
	mu        sync.RWMutex
	ch        chan Event
	closed    bool
	dropCount atomic.Int64
}

// NewChannelPublisher creates a publisher backed by a buffered channel.
// Events are dropped if the buffer is full.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelPublisher{ch: make(chan Event, bufferSize)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}

	select {
	case p.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.drop(event)
		return nil
	}
}

func (p *ChannelPublisher) PublishAsync(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.ch <- event:
	default:
		p.drop(event)
	}
}

// drop is called with the read lock held.
func (p *ChannelPublisher) drop(event Event) {
	n := p.dropCount.Add(1)
	slog.Warn("[Events] Event dropped: buffer full",
		"type", event.Type(),
		"session_id", event.SessionID,
		"dropped", n,
	)
}

func (p *ChannelPublisher) Flush(ctx context.Context) error {
	return nil
}

// Close closes the events channel. Later publishes are discarded.
func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Events returns the channel for consuming events.
func (p *ChannelPublisher) Events() <-chan Event {
	return p.ch
}

// DroppedCount returns the number of events dropped due to buffer overflow.
func (p *ChannelPublisher) DroppedCount() int64 {
	return p.dropCount.Load()
}

// MultiPublisher fans out events to multiple publishers.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher creates a publisher that sends to all provided publishers.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (p *MultiPublisher) Publish(ctx context.Context, event Event) error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, event); err != nil {
			lastErr = err
			slog.Warn("[Events] Multi-publisher: one publisher failed",
				"error", err,
				"type", event.Type(),
			)
		}
	}
	return lastErr
}

func (p *MultiPublisher) PublishAsync(event Event) {
	for _, pub := range p.publishers {
		pub.PublishAsync(event)
	}
}

func (p *MultiPublisher) Flush(ctx context.Context) error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Flush(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (p *MultiPublisher) Close() error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
