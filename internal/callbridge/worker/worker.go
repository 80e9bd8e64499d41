// Package worker runs one RTP session against an engine session: it owns the
// send and receive sub-sessions and drives them through the
// Idle -> Starting -> Running -> Stopping -> Idle lifecycle.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sebas/callbridge/internal/callbridge/engine"
	"github.com/sebas/callbridge/internal/callbridge/loop"
	"github.com/sebas/callbridge/internal/callbridge/media"
)

// Worker is owned by the engine context. Every method except InjectAudio,
// InjectVideo and ID must be called from tasks running on the engine loop.
type Worker struct {
	id       string
	loop     loop.Poster
	sess     engine.Session
	handlers Handlers

	state   State
	devices media.Devices
	codecs  media.Codecs
	send    engine.SendSubsession
	active  map[media.Kind]bool
	output  map[media.Kind]bool
	record  bool
	closed  bool

	// pending is a start that arrived while stopping. It runs once the
	// stop completes.
	pending *startRequest

	// recv is read from injecting goroutines.
	recvMu sync.RWMutex
	recv   engine.RecvSubsession

	// gen invalidates engine events and deferred tasks from earlier sessions.
	gen  atomic.Uint64
	live atomic.Bool
}

type startRequest struct {
	devices media.Devices
	codecs  media.Codecs
}

// New creates an idle worker and attaches it to sess.
func New(id string, l loop.Poster, sess engine.Session, h Handlers) *Worker {
	w := &Worker{
		id:       id,
		loop:     l,
		sess:     sess,
		handlers: h,
		devices:  media.DefaultDevices(),
		active:   make(map[media.Kind]bool),
		output:   make(map[media.Kind]bool),
	}
	sess.Attach(&sink{w: w})
	return w
}

// ID returns the worker identifier.
func (w *Worker) ID() string {
	return w.id
}

// State returns the current state.
func (w *Worker) State() State {
	return w.state
}

// Start records the configuration and schedules construction of the engine
// sub-sessions on the engine loop. The outcome is reported as a Started or
// Error status. A start issued while a stop is in flight runs after the
// Stopped status.
func (w *Worker) Start(devices media.Devices, codecs media.Codecs) {
	if w.closed {
		return
	}
	if !w.state.CanStart() && w.state != StateStopping {
		err := &StateTransitionError{ID: w.id, From: w.state, To: StateStarting, Message: "session already active"}
		slog.Warn("[Worker] Start rejected", "session_id", w.id, "error", err)
		w.emit(media.ErrorStatus(media.ErrorGeneric, err.Error()))
		return
	}
	if err := validate(devices, codecs); err != nil {
		slog.Warn("[Worker] Start rejected", "session_id", w.id, "error", err)
		w.emit(media.ErrorStatus(media.ErrorGeneric, err.Error()))
		return
	}
	if w.state == StateStopping {
		slog.Debug("[Worker] Start deferred until stopped", "session_id", w.id)
		w.pending = &startRequest{devices: devices.Clone(), codecs: codecs.Clone()}
		return
	}

	w.devices = devices.Clone()
	w.codecs = codecs.Clone()
	w.record = false
	w.setState(StateStarting)

	gen := w.gen.Add(1)
	if !w.loop.Post(func() { w.doStart(gen) }) {
		w.fail(ErrClosed, media.ErrorGeneric)
	}
}

func validate(devices media.Devices, codecs media.Codecs) error {
	if err := devices.Validate(); err != nil {
		return err
	}
	return codecs.Validate()
}

func (w *Worker) doStart(gen uint64) {
	if w.gen.Load() != gen || w.state != StateStarting {
		slog.Debug("[Worker] Start aborted", "session_id", w.id, "state", w.state)
		return
	}

	wantSend := w.devices.HasInput() && (w.codecs.HasLocal(media.Audio) || w.codecs.HasLocal(media.Video))
	recvCodecs := receiveCodecs(w.codecs)
	wantRecv := recvCodecs.HasRemote(media.Audio) || recvCodecs.HasRemote(media.Video)

	if !wantSend && !wantRecv {
		w.fail(ErrNothingToStart, media.ErrorGeneric)
		return
	}

	if wantSend {
		var send engine.SendSubsession
		err := guard("create send", func() (err error) {
			send, err = w.sess.CreateSend(w.devices.Clone(), w.codecs.Clone())
			return err
		})
		if err != nil {
			w.fail(err, engine.Code(err))
			return
		}
		w.send = send
	}

	if wantRecv {
		var recv engine.RecvSubsession
		err := guard("create recv", func() (err error) {
			recv, err = w.sess.CreateRecv(recvCodecs)
			return err
		})
		if err != nil {
			w.fail(err, engine.Code(err))
			return
		}
		w.setRecv(recv)
	}

	for _, kind := range media.Kinds {
		w.active[kind] = len(w.localPayloads(kind)) > 0 || len(w.remotePayloads(kind)) > 0
	}
	if !w.active[media.Audio] && !w.active[media.Video] {
		w.fail(ErrNoPayloads, media.ErrorCodec)
		return
	}
	for _, kind := range media.Kinds {
		if w.codecs.HasLocal(kind) && !w.active[kind] {
			slog.Info("[Worker] Media disabled after negotiation", "session_id", w.id, "kind", kind)
		}
	}

	if w.send != nil {
		for _, kind := range media.Kinds {
			w.send.SetTransmit(kind, false)
			w.send.SetOutput(kind, w.output[kind])
		}
	}

	w.setState(StateRunning)
	w.live.Store(true)

	st := w.snapshot(media.EventStarted)
	slog.Info("[Worker] Started",
		"session_id", w.id,
		"audio", st.CanTransmitAudio,
		"video", st.CanTransmitVideo,
		"send", w.send != nil,
		"recv", w.recv != nil,
	)
	w.emit(st)
}

// receiveCodecs keeps remote payloads only for kinds with a local preference.
func receiveCodecs(c media.Codecs) media.Codecs {
	rc := c.Clone()
	if !c.HasLocal(media.Audio) {
		rc.RemoteAudioPayloadInfo = nil
	}
	if !c.HasLocal(media.Video) {
		rc.RemoteVideoPayloadInfo = nil
	}
	return rc
}

// Stop schedules teardown. Stopping an idle worker is a no-op; stopping a
// worker in Error returns it to Idle.
func (w *Worker) Stop() {
	if w.closed {
		return
	}
	switch w.state {
	case StateIdle:
		return
	case StateStopping:
		w.pending = nil
		return
	case StateError:
		w.setState(StateIdle)
		w.emit(media.StoppedStatus())
		return
	}

	w.setState(StateStopping)
	w.live.Store(false)
	gen := w.gen.Add(1)
	if !w.loop.Post(func() { w.doStop(gen) }) {
		w.doStop(gen)
	}
}

func (w *Worker) doStop(gen uint64) {
	if w.gen.Load() != gen || w.state != StateStopping {
		return
	}
	w.teardown()
	w.setState(StateIdle)
	slog.Info("[Worker] Stopped", "session_id", w.id)
	w.emit(media.StoppedStatus())

	if p := w.pending; p != nil {
		w.pending = nil
		w.Start(p.devices, p.codecs)
	}
}

// Close tears down synchronously without reporting a status. The worker
// ignores every later call.
func (w *Worker) Close() {
	if w.closed {
		return
	}
	w.closed = true
	w.pending = nil
	w.gen.Add(1)
	w.live.Store(false)
	if w.state.IsActive() {
		w.teardown()
	}
	w.state = StateIdle
	slog.Debug("[Worker] Closed", "session_id", w.id)
}

// UpdateDevices applies new devices. While running the result is reported
// as an Updated or Error status; otherwise the devices are kept for the next
// start.
func (w *Worker) UpdateDevices(devices media.Devices) {
	if w.closed {
		return
	}
	if err := devices.Validate(); err != nil {
		w.rejectUpdate("devices", err)
		return
	}
	if w.state != StateRunning {
		w.devices = devices.Clone()
		return
	}

	if w.send != nil {
		err := guard("update devices", func() error { return w.send.UpdateDevices(devices.Clone()) })
		if err != nil {
			slog.Warn("[Worker] Device update failed", "session_id", w.id, "error", err)
			w.emit(media.ErrorStatus(engine.Code(err), err.Error()))
			return
		}
	}
	w.devices = devices.Clone()
	w.emit(w.snapshot(media.EventUpdated))
}

// UpdateCodecs applies new codec preferences. While running, an update that
// would add or remove a media kind is rejected and the session keeps running.
func (w *Worker) UpdateCodecs(codecs media.Codecs) {
	if w.closed {
		return
	}
	if err := codecs.Validate(); err != nil {
		w.rejectUpdate("codecs", err)
		return
	}
	if w.state != StateRunning {
		w.codecs = codecs.Clone()
		return
	}

	for _, kind := range media.Kinds {
		if w.codecs.HasLocal(kind) != codecs.HasLocal(kind) {
			err := &KindError{Kind: kind.String(), Op: "update codecs", Cause: ErrActiveKindsChanged}
			slog.Warn("[Worker] Codec update rejected", "session_id", w.id, "error", err)
			w.emit(media.ErrorStatus(media.ErrorGeneric, err.Error()))
			return
		}
	}

	if w.send != nil {
		err := guard("update send codecs", func() error { return w.send.UpdateCodecs(codecs.Clone()) })
		if err != nil {
			slog.Warn("[Worker] Codec update failed", "session_id", w.id, "error", err)
			w.emit(media.ErrorStatus(engine.Code(err), err.Error()))
			return
		}
	}

	rc := receiveCodecs(codecs)
	recv := w.currentRecv()
	switch {
	case recv != nil:
		err := guard("update recv codecs", func() error { return recv.UpdateCodecs(rc) })
		if err != nil {
			w.restoreSendCodecs(err)
			return
		}
	case rc.HasRemote(media.Audio) || rc.HasRemote(media.Video):
		err := guard("create recv", func() (err error) {
			recv, err = w.sess.CreateRecv(rc)
			return err
		})
		if err != nil {
			w.restoreSendCodecs(err)
			return
		}
		if w.record {
			recv.SetRecord(true)
		}
		w.setRecv(recv)
		slog.Info("[Worker] Receive direction added", "session_id", w.id)
	}

	w.codecs = codecs.Clone()
	for _, kind := range media.Kinds {
		w.active[kind] = len(w.localPayloads(kind)) > 0 || len(w.remotePayloads(kind)) > 0
	}
	w.emit(w.snapshot(media.EventUpdated))
}

// restoreSendCodecs puts the send direction back on the applied codecs after
// the receive direction refused an update. If the send direction cannot be
// restored the session fails.
func (w *Worker) restoreSendCodecs(cause error) {
	slog.Warn("[Worker] Codec update failed", "session_id", w.id, "error", cause)
	if w.send != nil {
		err := guard("restore send codecs", func() error { return w.send.UpdateCodecs(w.codecs.Clone()) })
		if err != nil {
			w.fail(errors.Join(cause, err), engine.Code(err))
			return
		}
	}
	w.emit(media.ErrorStatus(engine.Code(cause), cause.Error()))
}

func (w *Worker) rejectUpdate(what string, err error) {
	slog.Warn("[Worker] Update rejected", "session_id", w.id, "what", what, "error", err)
	if w.state == StateRunning {
		w.emit(media.ErrorStatus(media.ErrorGeneric, err.Error()))
	}
}

// SetTransmit starts or pauses sending of kind. Ignored unless running with
// a send direction that negotiated kind. No status is emitted.
func (w *Worker) SetTransmit(kind media.Kind, on bool) {
	if w.closed || w.state != StateRunning || w.send == nil {
		slog.Debug("[Worker] Transmit ignored", "session_id", w.id, "kind", kind, "state", w.state)
		return
	}
	if len(w.send.Negotiated(kind)) == 0 {
		slog.Debug("[Worker] Transmit ignored for inactive media", "session_id", w.id, "kind", kind)
		return
	}
	w.send.SetTransmit(kind, on)
}

// TransmitAudio starts sending audio.
func (w *Worker) TransmitAudio() { w.SetTransmit(media.Audio, true) }

// TransmitVideo starts sending video.
func (w *Worker) TransmitVideo() { w.SetTransmit(media.Video, true) }

// PauseAudio pauses sending audio.
func (w *Worker) PauseAudio() { w.SetTransmit(media.Audio, false) }

// PauseVideo pauses sending video.
func (w *Worker) PauseVideo() { w.SetTransmit(media.Video, false) }

// SetOutput enables delivery of produced packets for kind. The flag outlives
// sessions.
func (w *Worker) SetOutput(kind media.Kind, on bool) {
	if w.closed || !media.ValidKind(kind) {
		return
	}
	w.output[kind] = on
	if w.state == StateRunning && w.send != nil {
		w.send.SetOutput(kind, on)
	}
}

// Output reports whether packet delivery is enabled for kind.
func (w *Worker) Output(kind media.Kind) bool {
	return w.output[kind]
}

// RecordStart begins recording. Ignored unless running.
func (w *Worker) RecordStart() { w.setRecord(true) }

// RecordStop ends recording.
func (w *Worker) RecordStop() { w.setRecord(false) }

func (w *Worker) setRecord(on bool) {
	if w.closed || w.state != StateRunning {
		return
	}
	w.record = on
	if recv := w.currentRecv(); recv != nil {
		recv.SetRecord(on)
		return
	}
	if w.send != nil {
		w.send.SetRecord(on)
	}
}

// InjectAudio feeds a received audio packet. Safe from any goroutine; a
// no-op without a receive direction.
func (w *Worker) InjectAudio(p media.Packet) { w.inject(media.Audio, p) }

// InjectVideo feeds a received video packet.
func (w *Worker) InjectVideo(p media.Packet) { w.inject(media.Video, p) }

func (w *Worker) inject(kind media.Kind, p media.Packet) {
	w.recvMu.RLock()
	defer w.recvMu.RUnlock()
	if w.recv != nil {
		w.recv.Inject(kind, p)
	}
}

func (w *Worker) currentRecv() engine.RecvSubsession {
	w.recvMu.RLock()
	defer w.recvMu.RUnlock()
	return w.recv
}

func (w *Worker) setRecv(r engine.RecvSubsession) {
	w.recvMu.Lock()
	w.recv = r
	w.recvMu.Unlock()
}

func (w *Worker) localPayloads(kind media.Kind) []media.PayloadInfo {
	if w.send == nil {
		return nil
	}
	return w.send.Negotiated(kind)
}

func (w *Worker) remotePayloads(kind media.Kind) []media.PayloadInfo {
	if recv := w.currentRecv(); recv != nil {
		return recv.Negotiated(kind)
	}
	return nil
}

func (w *Worker) snapshot(event media.StatusEvent) media.Status {
	st := media.Status{
		Event:                  event,
		LocalAudioPayloadInfo:  media.ClonePayloadList(w.localPayloads(media.Audio)),
		LocalVideoPayloadInfo:  media.ClonePayloadList(w.localPayloads(media.Video)),
		RemoteAudioPayloadInfo: media.ClonePayloadList(w.remotePayloads(media.Audio)),
		RemoteVideoPayloadInfo: media.ClonePayloadList(w.remotePayloads(media.Video)),
	}
	if w.send != nil {
		st.LocalAudioParams = w.send.AudioParams()
		st.LocalVideoParams = w.send.VideoParams()
	}
	st.CanTransmitAudio = len(st.LocalAudioPayloadInfo) > 0
	st.CanTransmitVideo = len(st.LocalVideoPayloadInfo) > 0
	return st
}

// fail rolls back any partial construction and enters Error.
func (w *Worker) fail(err error, code media.ErrorCode) {
	w.live.Store(false)
	w.gen.Add(1)
	w.pending = nil
	w.teardown()
	w.setState(StateError)
	slog.Error("[Worker] Session failed", "session_id", w.id, "code", code, "error", err)
	w.emit(media.FatalStatus(code, err.Error()))
}

func (w *Worker) teardown() {
	w.recvMu.Lock()
	recv := w.recv
	w.recv = nil
	w.recvMu.Unlock()

	if recv != nil {
		logPanic(w.id, "close recv", recv.Close)
	}
	if w.send != nil {
		logPanic(w.id, "close send", w.send.Close)
		w.send = nil
	}
	logPanic(w.id, "teardown", w.sess.Teardown)
	for _, kind := range media.Kinds {
		w.active[kind] = false
	}
}

func (w *Worker) setState(next State) {
	if !w.state.CanTransitionTo(next) {
		slog.Warn("[Worker] Unexpected transition", "session_id", w.id,
			"error", &StateTransitionError{ID: w.id, From: w.state, To: next})
	}
	slog.Debug("[Worker] State", "session_id", w.id, "from", w.state, "to", next)
	w.state = next
}

func (w *Worker) emit(st media.Status) {
	if w.handlers.Status != nil {
		w.handlers.Status.OnStatus(st)
	}
}

// onFinished runs on the engine loop.
func (w *Worker) onFinished(gen uint64) {
	if w.closed || w.gen.Load() != gen || w.state != StateRunning {
		return
	}
	slog.Info("[Worker] Input finished", "session_id", w.id)
	w.emit(media.FinishedStatus())
}

// onFault runs on the engine loop.
func (w *Worker) onFault(gen uint64, err error) {
	if w.closed || w.gen.Load() != gen {
		return
	}
	if w.state != StateRunning && w.state != StateStarting {
		return
	}
	w.fail(err, engine.Code(err))
}

// guard runs an engine call, converting a panic into an error.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: engine panic: %v", op, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func logPanic(id, op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Worker] Engine panic", "session_id", id, "op", op, "panic", r)
		}
	}()
	fn()
}

// sink receives engine callbacks, possibly on engine goroutines.
type sink struct {
	w *Worker
}

func (s *sink) RTPOut(kind media.Kind, p media.Packet) {
	if s.w.live.Load() && s.w.handlers.Packets != nil {
		s.w.handlers.Packets.OnRTPOut(kind, p)
	}
}

func (s *sink) PreviewFrame(f *media.Frame) {
	if s.w.live.Load() && s.w.handlers.Frames != nil {
		s.w.handlers.Frames.OnPreviewFrame(f)
	}
}

func (s *sink) OutputFrame(f *media.Frame) {
	if s.w.live.Load() && s.w.handlers.Frames != nil {
		s.w.handlers.Frames.OnOutputFrame(f)
	}
}

func (s *sink) RecordData(b []byte) {
	if s.w.live.Load() && s.w.handlers.Record != nil {
		s.w.handlers.Record.OnRecordData(b)
	}
}

func (s *sink) Finished() {
	gen := s.w.gen.Load()
	s.w.loop.Post(func() { s.w.onFinished(gen) })
}

func (s *sink) Fault(err error) {
	if err == nil {
		err = errors.New("unknown engine fault")
	}
	gen := s.w.gen.Load()
	s.w.loop.Post(func() { s.w.onFault(gen, err) })
}
