package control

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/sebas/callbridge/internal/callbridge/engine/loopback"
	"github.com/sebas/callbridge/internal/callbridge/loop"
	"github.com/sebas/callbridge/internal/callbridge/media"
)

type pair struct {
	local      *Local
	engineLoop *loop.Loop
	appLoop    *loop.Loop

	mu       sync.Mutex
	statuses []media.Status
}

func newPair(t *testing.T, opts loopback.Options, copts ...Option) *pair {
	t.Helper()
	p := &pair{
		engineLoop: loop.New("engine"),
		appLoop:    loop.New("app"),
	}
	l, err := New(p.engineLoop, p.appLoop, loopback.New(opts), copts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.local = l
	l.OnStatus(func(s media.Status) {
		p.mu.Lock()
		p.statuses = append(p.statuses, s)
		p.mu.Unlock()
	})
	t.Cleanup(func() {
		l.Destroy()
		p.engineLoop.Close()
		p.appLoop.Close()
		<-p.engineLoop.Done()
		<-p.appLoop.Done()
	})
	return p
}

func (p *pair) events() []media.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]media.StatusEvent, len(p.statuses))
	for i, s := range p.statuses {
		out[i] = s.Event
	}
	return out
}

func (p *pair) waitEvent(t *testing.T, ev media.StatusEvent) media.Status {
	t.Helper()
	var st media.Status
	waitFor(t, ev.String(), func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, s := range p.statuses {
			if s.Event == ev {
				st = s
				return true
			}
		}
		return false
	})
	return st
}

// settle waits until both loops have drained everything queued so far.
func (p *pair) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 3; i++ {
		if err := p.engineLoop.Call(func() {}); err != nil {
			t.Fatalf("engine Call() error = %v", err)
		}
		if err := p.appLoop.Call(func() {}); err != nil {
			t.Fatalf("app Call() error = %v", err)
		}
	}
}

// hold blocks the engine loop until the returned func is called.
func (p *pair) hold() (release func()) {
	gate := make(chan struct{})
	p.engineLoop.Post(func() { <-gate })
	return func() { close(gate) }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var (
	mic0 = media.Devices{AudioInID: "mic0", AudioInVolume: 100, AudioOutVolume: 100}
	av   = media.Devices{AudioInID: "mic0", VideoInID: "cam0", AudioInVolume: 100, AudioOutVolume: 100}
)

func opus16k() media.Codecs {
	return media.Codecs{
		UseLocalAudioParams: true,
		LocalAudioParams:    []media.AudioParams{{Codec: "opus", SampleRate: 16000}},
	}
}

func opusVP8() media.Codecs {
	c := opus16k()
	c.UseLocalVideoParams = true
	c.LocalVideoParams = []media.VideoParams{{Codec: "vp8", FPS: 50}}
	return c
}

func rtpPacket(t *testing.T, pt uint8, seq uint16, marker bool, payload []byte) media.Packet {
	t.Helper()
	raw, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: pt, SequenceNumber: seq, SSRC: 7, Marker: marker},
		Payload: payload,
	}).Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return media.NewPacket(raw, media.PortPrimary)
}

func TestStartSendOnlyAudio(t *testing.T) {
	p := newPair(t, loopback.Options{})

	var returned, inline atomic.Bool
	p.local.OnStatus(func(media.Status) {
		if !returned.Load() {
			inline.Store(true)
		}
	})

	release := p.hold()
	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	returned.Store(true)
	release()

	st := p.waitEvent(t, media.EventStarted)
	if inline.Load() {
		t.Error("status delivered before Start returned")
	}
	if !st.CanTransmitAudio || st.CanTransmitVideo {
		t.Errorf("CanTransmit audio/video = %v/%v, want true/false", st.CanTransmitAudio, st.CanTransmitVideo)
	}
	if len(st.LocalAudioPayloadInfo) == 0 || st.LocalAudioPayloadInfo[0].Name != "OPUS" {
		t.Errorf("LocalAudioPayloadInfo = %v, want OPUS first", st.LocalAudioPayloadInfo)
	}

	got, ok := p.local.Status()
	if !ok || !got.CanTransmitAudio {
		t.Errorf("Status() = %v, %v, want started status", got, ok)
	}
}

func TestStopImmediatelyAfterStart(t *testing.T) {
	p := newPair(t, loopback.Options{})

	release := p.hold()
	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.local.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	release()

	p.waitEvent(t, media.EventStopped)
	p.settle(t)

	events := p.events()
	if len(events) != 1 || events[0] != media.EventStopped {
		t.Errorf("events = %v, want [Stopped]", events)
	}
	if _, ok := p.local.Status(); ok {
		t.Error("Status() reports a session after stop")
	}
}

func TestSecondStartRejected(t *testing.T) {
	p := newPair(t, loopback.Options{})

	release := p.hold()
	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	release()

	p.waitEvent(t, media.EventStarted)
	p.settle(t)

	events := p.events()
	if len(events) != 2 || events[0] != media.EventError || events[1] != media.EventStarted {
		t.Fatalf("events = %v, want [Error Started]", events)
	}
	p.mu.Lock()
	code := p.statuses[0].ErrorCode
	p.mu.Unlock()
	if code != media.ErrorGeneric {
		t.Errorf("ErrorCode = %s, want Generic", code)
	}
}

func TestRestartAfterStop(t *testing.T) {
	p := newPair(t, loopback.Options{})

	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.waitEvent(t, media.EventStarted)

	if err := p.local.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "restart", func() bool { return len(p.events()) >= 3 })
	p.settle(t)

	want := []media.StatusEvent{media.EventStarted, media.EventStopped, media.EventStarted}
	events := p.events()
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
	if st, ok := p.local.Status(); !ok || !st.CanTransmitAudio {
		t.Errorf("Status() = %v, %v, want running audio session", st, ok)
	}
}

func TestStatusSurvivesRejectedRequests(t *testing.T) {
	p := newPair(t, loopback.Options{})

	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.waitEvent(t, media.EventStarted)

	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// adding video while running is refused
	if err := p.local.UpdateCodecs(opusVP8()); err != nil {
		t.Fatalf("UpdateCodecs() error = %v", err)
	}
	waitFor(t, "rejections", func() bool { return len(p.events()) >= 3 })
	p.settle(t)

	p.mu.Lock()
	rejected := append([]media.Status(nil), p.statuses[1:]...)
	p.mu.Unlock()
	for _, st := range rejected {
		if !st.Error || st.Fatal {
			t.Errorf("status = %v fatal=%v, want non-fatal error", st, st.Fatal)
		}
	}
	st, ok := p.local.Status()
	if !ok || !st.CanTransmitAudio || len(st.LocalAudioPayloadInfo) == 0 {
		t.Errorf("Status() = %v, %v, want the running session", st, ok)
	}
}

func TestStartValidation(t *testing.T) {
	p := newPair(t, loopback.Options{})

	codecs := opus16k()
	codecs.UseLocalAudioPayloadInfo = true
	if err := p.local.Start(mic0, codecs); !errors.Is(err, media.ErrConflictingCodecs) {
		t.Errorf("Start() error = %v, want %v", err, media.ErrConflictingCodecs)
	}

	devices := mic0
	devices.AudioInVolume = 101
	if err := p.local.UpdateDevices(devices); !errors.Is(err, media.ErrInvalidVolume) {
		t.Errorf("UpdateDevices() error = %v, want %v", err, media.ErrInvalidVolume)
	}

	p.settle(t)
	if events := p.events(); len(events) != 0 {
		t.Errorf("events = %v, want none", events)
	}
}

func TestEngineFailureReportsError(t *testing.T) {
	p := newPair(t, loopback.Options{AudioInputs: []string{"mic1"}})

	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st := p.waitEvent(t, media.EventError)
	if st.ErrorCode != media.ErrorSystem || !st.Fatal {
		t.Errorf("status = %v fatal=%v, want fatal System error", st, st.Fatal)
	}
	p.settle(t)
	if _, ok := p.local.Status(); ok {
		t.Error("Status() reports a session after it failed")
	}

	if err := p.local.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	p.waitEvent(t, media.EventStopped)
}

func TestPacketQueueKeepsNewest(t *testing.T) {
	p := newPair(t, loopback.Options{})
	ch := p.local.Audio()

	for i := 0; i < 40; i++ {
		ch.push(rtpPacket(t, 0, uint16(i), false, []byte{byte(i)}))
	}

	if n := ch.PacketsAvailable(); n != DefaultPacketQueueSize {
		t.Fatalf("PacketsAvailable() = %d, want %d", n, DefaultPacketQueueSize)
	}
	if d := ch.Dropped(); d != 15 {
		t.Errorf("Dropped() = %d, want 15", d)
	}
	for want := uint16(15); want < 40; want++ {
		pkt, ok := ch.Read()
		if !ok {
			t.Fatalf("Read() ran out at %d", want)
		}
		h, err := pkt.Header()
		if err != nil {
			t.Fatalf("Header() error = %v", err)
		}
		if h.SequenceNumber != want {
			t.Errorf("SequenceNumber = %d, want %d", h.SequenceNumber, want)
		}
	}
	if _, ok := ch.Read(); ok {
		t.Error("Read() returned a packet from an empty channel")
	}
}

func TestPacketQueueSizeOption(t *testing.T) {
	p := newPair(t, loopback.Options{}, WithPacketQueueSize(3))
	for i := 0; i < 5; i++ {
		p.local.Video().push(rtpPacket(t, 96, uint16(i), true, nil))
	}
	if n := p.local.Video().PacketsAvailable(); n != 3 {
		t.Errorf("PacketsAvailable() = %d, want 3", n)
	}
	if n := p.local.Audio().PacketsAvailable(); n != 0 {
		t.Errorf("audio PacketsAvailable() = %d, want 0", n)
	}
}

func TestDemandDrivenPackets(t *testing.T) {
	p := newPair(t, loopback.Options{Tick: 2 * time.Millisecond})
	ch := p.local.Audio()

	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.waitEvent(t, media.EventStarted)
	if err := p.local.SetTransmit(media.Transmit{Audio: true}); err != nil {
		t.Fatalf("SetTransmit() error = %v", err)
	}
	p.settle(t)

	time.Sleep(30 * time.Millisecond)
	if n := ch.PacketsAvailable(); n != 0 {
		t.Fatalf("PacketsAvailable() without listeners = %d, want 0", n)
	}

	var read atomic.Int64
	cancel := ch.OnReadyRead(func() {
		for {
			if _, ok := ch.Read(); !ok {
				return
			}
			read.Add(1)
		}
	})
	if ch.Listeners() != 1 {
		t.Errorf("Listeners() = %d, want 1", ch.Listeners())
	}
	waitFor(t, "packets", func() bool { return read.Load() >= 5 })

	cancel()
	cancel()
	p.settle(t)
	time.Sleep(20 * time.Millisecond)
	p.settle(t)
	for {
		if _, ok := ch.Read(); !ok {
			break
		}
	}

	time.Sleep(30 * time.Millisecond)
	if n := ch.PacketsAvailable(); n != 0 {
		t.Errorf("PacketsAvailable() after last cancel = %d, want 0", n)
	}
	if ch.Listeners() != 0 {
		t.Errorf("Listeners() = %d, want 0", ch.Listeners())
	}
}

func TestTransmitVideoWithoutVideo(t *testing.T) {
	p := newPair(t, loopback.Options{})

	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.waitEvent(t, media.EventStarted)

	if err := p.local.SetTransmit(media.Transmit{Video: true}); err != nil {
		t.Errorf("SetTransmit() error = %v", err)
	}
	p.settle(t)
	if events := p.events(); len(events) != 1 {
		t.Errorf("events = %v, want only Started", events)
	}

	if err := p.local.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	p.waitEvent(t, media.EventStopped)

	p.mu.Lock()
	p.statuses = nil
	p.mu.Unlock()

	if err := p.local.Start(av, opusVP8()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st := p.waitEvent(t, media.EventStarted)
	if !st.CanTransmitAudio || !st.CanTransmitVideo {
		t.Errorf("CanTransmit audio/video = %v/%v, want true/true", st.CanTransmitAudio, st.CanTransmitVideo)
	}
}

func TestReceiveDeliversRecordAndFrames(t *testing.T) {
	p := newPair(t, loopback.Options{})

	var records, outputs, previews atomic.Int64
	var recordLen atomic.Int64
	p.local.OnRecordData(func(b []byte) {
		records.Add(1)
		recordLen.Store(int64(len(b)))
	})
	p.local.OnOutputFrame(func(*media.Frame) { outputs.Add(1) })
	cancelPreview := p.local.OnPreviewFrame(func(*media.Frame) { previews.Add(1) })

	codecs := opusVP8()
	codecs.RemoteAudioPayloadInfo = []media.PayloadInfo{{ID: 0, Name: "PCMU", ClockRate: 8000, Channels: 1}}
	codecs.RemoteVideoPayloadInfo = []media.PayloadInfo{{ID: 100, Name: "VP8", ClockRate: 90000}}
	if err := p.local.Start(av, codecs); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st := p.waitEvent(t, media.EventStarted)
	if len(st.RemoteAudioPayloadInfo) != 1 || len(st.RemoteVideoPayloadInfo) != 1 {
		t.Fatalf("remote payloads = %v / %v", st.RemoteAudioPayloadInfo, st.RemoteVideoPayloadInfo)
	}
	if err := p.local.SetRecord(media.Record{Enabled: true}); err != nil {
		t.Fatalf("SetRecord() error = %v", err)
	}
	p.settle(t)

	p.local.RTPAudioIn(rtpPacket(t, 0, 1, false, make([]byte, 160)))
	p.local.Video().Write(rtpPacket(t, 100, 1, true, []byte{0x80}))

	waitFor(t, "record data", func() bool { return records.Load() > 0 })
	waitFor(t, "output frame", func() bool { return outputs.Load() > 0 })
	waitFor(t, "preview frame", func() bool { return previews.Load() > 0 })
	if n := recordLen.Load(); n != 320 {
		t.Errorf("record chunk = %d bytes, want 320", n)
	}

	cancelPreview()
	p.settle(t)
	before := previews.Load()
	time.Sleep(50 * time.Millisecond)
	p.settle(t)
	if after := previews.Load(); after != before {
		t.Errorf("previews after unsubscribe grew from %d to %d", before, after)
	}
}

func TestUnsubscribeStatus(t *testing.T) {
	p := newPair(t, loopback.Options{})

	var calls atomic.Int64
	cancel := p.local.OnStatus(func(media.Status) { calls.Add(1) })
	cancel()

	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.waitEvent(t, media.EventStarted)
	if n := calls.Load(); n != 0 {
		t.Errorf("cancelled subscriber called %d times", n)
	}
}

func TestDestroyDiscards(t *testing.T) {
	p := newPair(t, loopback.Options{})

	for i := 0; i < 5; i++ {
		p.local.Audio().push(rtpPacket(t, 0, uint16(i), false, nil))
	}

	release := p.hold()
	if err := p.local.Start(mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()
	p.local.Destroy()
	p.local.Destroy()

	if !p.local.Destroyed() {
		t.Error("Destroyed() = false")
	}
	if n := p.local.Audio().PacketsAvailable(); n != 0 {
		t.Errorf("PacketsAvailable() after destroy = %d, want 0", n)
	}
	if err := p.local.Start(mic0, opus16k()); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Start() error = %v, want %v", err, ErrDestroyed)
	}
	if err := p.local.Stop(); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Stop() error = %v, want %v", err, ErrDestroyed)
	}

	p.local.RTPAudioIn(rtpPacket(t, 0, 1, false, nil))
	p.local.Audio().push(rtpPacket(t, 0, 9, false, nil))
	if n := p.local.Audio().PacketsAvailable(); n != 0 {
		t.Errorf("PacketsAvailable() after push = %d, want 0", n)
	}

	p.settle(t)
	if events := p.events(); len(events) != 0 {
		t.Errorf("events after destroy = %v, want none", events)
	}
}

func TestInjectDuringDestroy(t *testing.T) {
	p := newPair(t, loopback.Options{})

	codecs := opus16k()
	codecs.RemoteAudioPayloadInfo = []media.PayloadInfo{{ID: 0, Name: "PCMU", ClockRate: 8000, Channels: 1}}
	if err := p.local.Start(mic0, codecs); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.waitEvent(t, media.EventStarted)

	pkt := rtpPacket(t, 0, 1, false, make([]byte, 160))
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p.local.RTPAudioIn(pkt)
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	p.local.Destroy()
	close(stop)
	wg.Wait()
}

func TestNewOnClosedEngineLoop(t *testing.T) {
	engineLoop := loop.New("engine")
	appLoop := loop.New("app")
	engineLoop.Close()
	t.Cleanup(appLoop.Close)

	_, err := New(engineLoop, appLoop, loopback.New(loopback.Options{}))
	if !errors.Is(err, loop.ErrClosed) {
		t.Errorf("New() error = %v, want %v", err, loop.ErrClosed)
	}
}
