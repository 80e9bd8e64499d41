// Package control bridges the application and engine loops of a call. Local
// is the application-facing half; it creates a Remote on the engine loop,
// forwards commands to it as envelopes and delivers status, frames, packets
// and recorded audio back through deferred drains on the application loop.
package control

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sebas/callbridge/internal/callbridge/engine"
	"github.com/sebas/callbridge/internal/callbridge/envelope"
	"github.com/sebas/callbridge/internal/callbridge/loop"
	"github.com/sebas/callbridge/internal/callbridge/media"
)

// ErrDestroyed is returned by commands issued after Destroy.
var ErrDestroyed = errors.New("control destroyed")

// Default queue bounds.
const (
	DefaultPacketQueueSize = 25
	DefaultFrameQueueSize  = 4
	DefaultRecordQueueSize = 64
)

type options struct {
	packetQueue int
	frameQueue  int
	recordQueue int
	logger      *slog.Logger
}

// Option configures a Local.
type Option func(*options)

// WithPacketQueueSize bounds each RTP channel.
func WithPacketQueueSize(n int) Option {
	return func(o *options) { o.packetQueue = n }
}

// WithFrameQueueSize bounds the preview and output frame queues.
func WithFrameQueueSize(n int) Option {
	return func(o *options) { o.frameQueue = n }
}

// WithRecordQueueSize bounds the recorded audio queue.
func WithRecordQueueSize(n int) Option {
	return func(o *options) { o.recordQueue = n }
}

// WithLogger sets the logger of both halves.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Local is the application-side half of a control pair. Commands may be
// issued from any goroutine; notifications always run on the application
// loop.
type Local struct {
	id         string
	engineLoop *loop.Loop
	log        *slog.Logger

	// mu guards remote. Packet injection holds it shared so Destroy waits
	// for in-flight injections.
	mu        sync.RWMutex
	remote    *Remote
	destroyed bool

	inbox *envelope.Channel
	link  *link
	audio *RTPChannel
	video *RTPChannel

	status     subscribers[media.Status]
	lastMu     sync.Mutex
	lastStatus media.Status
	haveStatus bool
}

// New creates a Local on app and its Remote on engineLoop. It blocks until
// the Remote exists. It must not be called from a task running on
// engineLoop.
func New(engineLoop *loop.Loop, app loop.Poster, eng engine.Engine, opts ...Option) (*Local, error) {
	o := options{
		packetQueue: DefaultPacketQueueSize,
		frameQueue:  DefaultFrameQueueSize,
		recordQueue: DefaultRecordQueueSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	l := &Local{
		id:         uuid.New().String(),
		engineLoop: engineLoop,
		log:        o.logger,
	}
	l.inbox = envelope.NewChannel("local:"+l.id, app, l.handle)
	l.audio = newRTPChannel(media.Audio, l, app, o.packetQueue)
	l.video = newRTPChannel(media.Video, l, app, o.packetQueue)
	l.link = &link{
		status:  l.inbox,
		packets: map[media.Kind]*RTPChannel{media.Audio: l.audio, media.Video: l.video},
		preview: newStream[*media.Frame]("preview", app, o.frameQueue),
		output:  newStream[*media.Frame]("output", app, o.frameQueue),
		record:  newStream[[]byte]("record", app, o.recordQueue),
	}

	var (
		r   *Remote
		err error
	)
	if callErr := engineLoop.Call(func() {
		r, err = newRemote(l.id, engineLoop, eng, l.link, l.log)
	}); callErr != nil {
		return nil, fmt.Errorf("create remote: %w", callErr)
	}
	if err != nil {
		return nil, err
	}
	l.remote = r
	l.log.Info("[Local] Created", "session_id", l.id)
	return l, nil
}

// ID returns the session identifier shared by both halves.
func (l *Local) ID() string {
	return l.id
}

// Destroy tears down the Remote and blocks until it is gone. Undelivered
// envelopes, queued data and later statuses are discarded. It must not be
// called from a task running on the engine loop.
func (l *Local) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	r := l.remote
	l.remote = nil
	l.mu.Unlock()

	discarded := l.inbox.Close()
	if r != nil {
		if err := l.engineLoop.Call(r.destroy); err != nil {
			l.log.Warn("[Local] Engine loop closed before destroy", "session_id", l.id, "error", err)
		}
	}
	discarded += l.audio.close() + l.video.close()
	discarded += l.link.preview.close() + l.link.output.close() + l.link.record.close()
	l.log.Info("[Local] Destroyed", "session_id", l.id, "discarded", discarded)
}

// Destroyed reports whether Destroy has been called.
func (l *Local) Destroyed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.destroyed
}

func (l *Local) post(e *envelope.Envelope) error {
	l.mu.RLock()
	r := l.remote
	l.mu.RUnlock()
	if r == nil {
		return ErrDestroyed
	}
	if !r.post(e) {
		return ErrDestroyed
	}
	return nil
}

// Start requests a session. The outcome arrives as a status.
func (l *Local) Start(devices media.Devices, codecs media.Codecs) error {
	if err := devices.Validate(); err != nil {
		return err
	}
	if err := codecs.Validate(); err != nil {
		return err
	}
	return l.post(envelope.NewStart(devices, codecs))
}

// Stop requests teardown of the session.
func (l *Local) Stop() error {
	return l.post(envelope.NewStop())
}

// UpdateDevices replaces the device selection.
func (l *Local) UpdateDevices(devices media.Devices) error {
	if err := devices.Validate(); err != nil {
		return err
	}
	return l.post(envelope.NewUpdateDevices(devices))
}

// UpdateCodecs replaces the codec preferences and remote descriptors.
func (l *Local) UpdateCodecs(codecs media.Codecs) error {
	if err := codecs.Validate(); err != nil {
		return err
	}
	return l.post(envelope.NewUpdateCodecs(codecs))
}

// SetTransmit starts or pauses sending per media kind. Kinds without a
// negotiated send stream are ignored.
func (l *Local) SetTransmit(t media.Transmit) error {
	return l.post(envelope.NewTransmit(t))
}

// SetRecord toggles recording.
func (l *Local) SetRecord(r media.Record) error {
	return l.post(envelope.NewRecord(r))
}

// setOutput enables or disables packet production for kind.
func (l *Local) setOutput(kind media.Kind, enabled bool) {
	if err := l.post(envelope.NewOutput(kind, enabled)); err != nil {
		l.log.Debug("[Local] Output change dropped", "session_id", l.id, "kind", kind, "error", err)
	}
}

// RTPAudioIn feeds a received audio packet to the engine. Safe from any
// goroutine and a no-op after Destroy.
func (l *Local) RTPAudioIn(p media.Packet) {
	l.rtpIn(media.Audio, p)
}

// RTPVideoIn feeds a received video packet to the engine.
func (l *Local) RTPVideoIn(p media.Packet) {
	l.rtpIn(media.Video, p)
}

func (l *Local) rtpIn(kind media.Kind, p media.Packet) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.remote == nil {
		return
	}
	switch kind {
	case media.Audio:
		l.remote.injectAudio(p)
	case media.Video:
		l.remote.injectVideo(p)
	}
}

// Audio returns the audio RTP channel.
func (l *Local) Audio() *RTPChannel {
	return l.audio
}

// Video returns the video RTP channel.
func (l *Local) Video() *RTPChannel {
	return l.video
}

// Channel returns the RTP channel for kind, or nil.
func (l *Local) Channel(kind media.Kind) *RTPChannel {
	switch kind {
	case media.Audio:
		return l.audio
	case media.Video:
		return l.video
	}
	return nil
}

// OnStatus subscribes fn to status reports.
func (l *Local) OnStatus(fn func(media.Status)) (cancel func()) {
	return l.status.subscribe(fn)
}

// OnPreviewFrame subscribes fn to local capture frames.
func (l *Local) OnPreviewFrame(fn func(*media.Frame)) (cancel func()) {
	return l.link.preview.subs.subscribe(fn)
}

// OnOutputFrame subscribes fn to decoded remote frames.
func (l *Local) OnOutputFrame(fn func(*media.Frame)) (cancel func()) {
	return l.link.output.subs.subscribe(fn)
}

// OnRecordData subscribes fn to recorded audio chunks.
func (l *Local) OnRecordData(fn func([]byte)) (cancel func()) {
	return l.link.record.subs.subscribe(fn)
}

// Status returns the most recent Started or Updated report. It is cleared
// when the session stops or fails, not by a rejected request.
func (l *Local) Status() (media.Status, bool) {
	l.lastMu.Lock()
	defer l.lastMu.Unlock()
	return l.lastStatus.Clone(), l.haveStatus
}

// handle runs on the application loop.
func (l *Local) handle(e *envelope.Envelope) {
	if e.Kind != envelope.KindStatus {
		l.log.Warn("[Local] Unexpected envelope", "session_id", l.id, "kind", e.Kind)
		return
	}
	if l.Destroyed() {
		return
	}
	st := *e.Status

	l.lastMu.Lock()
	switch {
	case st.Event == media.EventStarted, st.Event == media.EventUpdated:
		l.lastStatus, l.haveStatus = st.Clone(), true
	case st.IsTerminal():
		l.lastStatus, l.haveStatus = media.Status{}, false
	}
	l.lastMu.Unlock()

	l.log.Debug("[Local] Status", "session_id", l.id, "status", st)
	for _, fn := range l.status.snapshot() {
		fn(st)
	}
}
