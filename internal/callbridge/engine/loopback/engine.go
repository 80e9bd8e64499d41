// Package loopback is an in-process media engine. It synthesises audio from
// WAV input or a test tone, produces a moving video test pattern, packetizes
// both as RTP and consumes injected packets. It backs the demo binary and
// the control tests.
package loopback

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callbridge/internal/callbridge/engine"
	"github.com/sebas/callbridge/internal/callbridge/media"
)

// Options configures the engine.
type Options struct {
	// Known device ids. An empty list accepts any id.
	AudioInputs  []string
	AudioOutputs []string
	VideoInputs  []string

	// Tick overrides the audio packet interval. Zero uses the codec ptime.
	Tick time.Duration

	// RTCPInterval is the number of RTP packets between sender reports.
	RTCPInterval int

	// Fail* make sub-session construction fail, for tests.
	FailSend error
	FailRecv error
}

// Engine creates loopback sessions.
type Engine struct {
	opts Options

	mu       sync.Mutex
	sessions []*Session
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.RTCPInterval <= 0 {
		opts.RTCPInterval = 50
	}
	return &Engine{opts: opts}
}

// NewSession implements engine.Engine.
func (e *Engine) NewSession() (engine.Session, error) {
	s := &Session{
		id:   uuid.New().String(),
		opts: e.opts,
	}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	slog.Debug("[Loopback] Session created", "session_id", s.id)
	return s, nil
}

// Sessions returns every session created so far.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.sessions)
}

// Session is one loopback RTP session.
type Session struct {
	id   string
	opts Options

	mu   sync.Mutex
	sink engine.Sink
	send *sendSubsession
	recv *recvSubsession
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Attach implements engine.Session.
func (s *Session) Attach(sink engine.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// CreateSend implements engine.Session.
func (s *Session) CreateSend(devices media.Devices, codecs media.Codecs) (engine.SendSubsession, error) {
	if s.opts.FailSend != nil {
		return nil, s.opts.FailSend
	}
	if err := s.checkDevices(devices); err != nil {
		return nil, err
	}

	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()

	send, err := newSendSubsession(s, sink, devices, codecs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.send = send
	s.mu.Unlock()
	return send, nil
}

// CreateRecv implements engine.Session.
func (s *Session) CreateRecv(codecs media.Codecs) (engine.RecvSubsession, error) {
	if s.opts.FailRecv != nil {
		return nil, s.opts.FailRecv
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	recv := newRecvSubsession(s.id, s.sink, codecs)
	s.recv = recv
	return recv, nil
}

// Teardown implements engine.Session.
func (s *Session) Teardown() {
	s.mu.Lock()
	send, recv := s.send, s.recv
	s.send, s.recv = nil, nil
	s.mu.Unlock()

	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
	slog.Debug("[Loopback] Session torn down", "session_id", s.id)
}

// Fault reports an asynchronous engine failure to the attached sink.
func (s *Session) Fault(err error) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.Fault(err)
	}
}

// RecvStats returns receive statistics for kind, if receiving.
func (s *Session) RecvStats(kind media.Kind) (received, lost uint64, ok bool) {
	s.mu.Lock()
	recv := s.recv
	s.mu.Unlock()
	if recv == nil {
		return 0, 0, false
	}
	received, lost = recv.stats(kind)
	return received, lost, true
}

func (s *Session) checkDevices(d media.Devices) error {
	if !known(s.opts.AudioInputs, d.AudioInID) {
		return fmt.Errorf("audio input %q: %w", d.AudioInID, engine.ErrDevice)
	}
	if !known(s.opts.AudioOutputs, d.AudioOutID) {
		return fmt.Errorf("audio output %q: %w", d.AudioOutID, engine.ErrDevice)
	}
	if !known(s.opts.VideoInputs, d.VideoInID) {
		return fmt.Errorf("video input %q: %w", d.VideoInID, engine.ErrDevice)
	}
	return nil
}

func known(list []string, id string) bool {
	return id == "" || len(list) == 0 || slices.Contains(list, id)
}
