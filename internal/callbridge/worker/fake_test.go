package worker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sebas/callbridge/internal/callbridge/engine"
	"github.com/sebas/callbridge/internal/callbridge/loop"
	"github.com/sebas/callbridge/internal/callbridge/media"
)

var (
	opus = media.PayloadInfo{ID: 96, Name: "OPUS", ClockRate: 48000, Channels: 2, Ptime: 20}
	vp8  = media.PayloadInfo{ID: 97, Name: "VP8", ClockRate: 90000}
	pcmu = media.PayloadInfo{ID: 0, Name: "PCMU", ClockRate: 8000, Channels: 1}
)

// fakeSession is an engine session whose negotiation results are scripted.
type fakeSession struct {
	mu sync.Mutex

	sink engine.Sink

	sendAudio, sendVideo []media.PayloadInfo
	sendErr, recvErr     error
	updateErr            error

	send *fakeSend
	recv *fakeRecv

	createSend, createRecv, teardowns int
}

func (s *fakeSession) Attach(sink engine.Sink) { s.sink = sink }

func (s *fakeSession) CreateSend(devices media.Devices, codecs media.Codecs) (engine.SendSubsession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createSend++
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	fs := &fakeSend{
		negotiated: map[media.Kind][]media.PayloadInfo{},
		transmit:   map[media.Kind]bool{},
		output:     map[media.Kind]bool{},
		updateErr:  s.updateErr,
		codecs:     codecs.Clone(),
	}
	if codecs.HasLocal(media.Audio) {
		fs.negotiated[media.Audio] = s.sendAudio
	}
	if codecs.HasLocal(media.Video) {
		fs.negotiated[media.Video] = s.sendVideo
	}
	s.send = fs
	return fs, nil
}

func (s *fakeSession) CreateRecv(codecs media.Codecs) (engine.RecvSubsession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createRecv++
	if s.recvErr != nil {
		return nil, s.recvErr
	}
	fr := &fakeRecv{negotiated: map[media.Kind][]media.PayloadInfo{
		media.Audio: codecs.RemoteAudioPayloadInfo,
		media.Video: codecs.RemoteVideoPayloadInfo,
	}}
	s.recv = fr
	return fr, nil
}

func (s *fakeSession) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardowns++
}

func (s *fakeSession) counts() (createSend, createRecv, teardowns int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSend, s.createRecv, s.teardowns
}

type fakeSend struct {
	negotiated map[media.Kind][]media.PayloadInfo
	transmit   map[media.Kind]bool
	output     map[media.Kind]bool
	record     bool
	closed     bool
	updateErr  error

	// codecs is the most recently applied codec configuration.
	codecs media.Codecs
	// codecErrs scripts the results of successive UpdateCodecs calls.
	codecErrs []error
}

func (f *fakeSend) Negotiated(kind media.Kind) []media.PayloadInfo { return f.negotiated[kind] }
func (f *fakeSend) AudioParams() media.AudioParams                 { return media.AudioParams{Codec: "opus"} }
func (f *fakeSend) VideoParams() media.VideoParams                 { return media.VideoParams{} }
func (f *fakeSend) SetTransmit(kind media.Kind, on bool)           { f.transmit[kind] = on }
func (f *fakeSend) SetOutput(kind media.Kind, on bool)             { f.output[kind] = on }
func (f *fakeSend) SetRecord(on bool)                              { f.record = on }
func (f *fakeSend) UpdateDevices(media.Devices) error              { return f.updateErr }
func (f *fakeSend) Close()                                         { f.closed = true }

func (f *fakeSend) UpdateCodecs(c media.Codecs) error {
	if len(f.codecErrs) > 0 {
		err := f.codecErrs[0]
		f.codecErrs = f.codecErrs[1:]
		if err != nil {
			return err
		}
	}
	if f.updateErr != nil {
		return f.updateErr
	}
	f.codecs = c.Clone()
	return nil
}

type fakeRecv struct {
	negotiated map[media.Kind][]media.PayloadInfo
	injected   atomic.Int64
	record     bool
	closed     atomic.Bool
	updateErr  error
}

func (f *fakeRecv) Negotiated(kind media.Kind) []media.PayloadInfo { return f.negotiated[kind] }
func (f *fakeRecv) Inject(media.Kind, media.Packet) {
	if f.closed.Load() {
		panic("inject after close")
	}
	f.injected.Add(1)
}
func (f *fakeRecv) UpdateCodecs(c media.Codecs) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.negotiated[media.Audio] = c.RemoteAudioPayloadInfo
	f.negotiated[media.Video] = c.RemoteVideoPayloadInfo
	return nil
}
func (f *fakeRecv) SetRecord(on bool) { f.record = on }
func (f *fakeRecv) Close()            { f.closed.Store(true) }

// statusLog records statuses in emission order.
type statusLog struct {
	mu   sync.Mutex
	list []media.Status
}

func (l *statusLog) OnStatus(s media.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, s)
}

func (l *statusLog) all() []media.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]media.Status(nil), l.list...)
}

type harness struct {
	t      *testing.T
	loop   *loop.Loop
	sess   *fakeSession
	log    *statusLog
	worker *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		loop: loop.New("engine"),
		sess: &fakeSession{sendAudio: []media.PayloadInfo{opus}, sendVideo: []media.PayloadInfo{vp8}},
		log:  &statusLog{},
	}
	h.worker = New("w1", h.loop, h.sess, Handlers{Status: h.log})
	t.Cleanup(h.loop.Close)
	return h
}

// do runs fn on the engine loop, then lets every task it posted run.
func (h *harness) do(fn func(w *Worker)) {
	h.t.Helper()
	if err := h.loop.Call(func() { fn(h.worker) }); err != nil {
		h.t.Fatalf("Call() error = %v", err)
	}
	h.settle()
}

func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 10; i++ {
		if err := h.loop.Call(func() {}); err != nil {
			h.t.Fatalf("Call() error = %v", err)
		}
		if h.loop.Pending() == 0 {
			return
		}
	}
}

func (h *harness) state() State {
	var s State
	_ = h.loop.Call(func() { s = h.worker.State() })
	return s
}

func audioDevices() media.Devices {
	d := media.DefaultDevices()
	d.AudioInID = "mic0"
	return d
}

func avDevices() media.Devices {
	d := audioDevices()
	d.VideoInID = "cam0"
	return d
}

func audioCodecs() media.Codecs {
	return media.Codecs{
		UseLocalAudioParams: true,
		LocalAudioParams:    []media.AudioParams{{Codec: "opus", SampleRate: 16000}},
	}
}

func avCodecs() media.Codecs {
	c := audioCodecs()
	c.UseLocalVideoParams = true
	c.LocalVideoParams = []media.VideoParams{{Codec: "vp8", Width: 320, Height: 240, FPS: 15}}
	return c
}
