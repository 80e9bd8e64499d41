package controlsvc

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sebas/callbridge/internal/callbridge/control"
	"github.com/sebas/callbridge/internal/callbridge/engine/loopback"
	"github.com/sebas/callbridge/internal/callbridge/events"
	"github.com/sebas/callbridge/internal/callbridge/loop"
	"github.com/sebas/callbridge/internal/callbridge/media"
)

type harness struct {
	local  *control.Local
	client *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	engineLoop := loop.New("engine")
	appLoop := loop.New("app")
	local, err := control.New(engineLoop, appLoop, loopback.New(loopback.Options{}))
	if err != nil {
		t.Fatalf("control.New() error = %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterSessionControlServer(srv, NewServer(local, Config{
		AdvertiseAddr: "192.0.2.1",
		AudioPort:     20000,
		VideoPort:     20002,
	}))
	go func() { _ = srv.Serve(lis) }()

	client, err := NewClient(ClientConfig{Address: "passthrough:///bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		srv.Stop()
		local.Destroy()
		engineLoop.Close()
		appLoop.Close()
		<-engineLoop.Done()
		<-appLoop.Done()
	})
	return &harness{local: local, client: client}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func nextEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("status stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status event")
	}
	return events.Event{}
}

var mic0 = media.Devices{AudioInID: "mic0", AudioInVolume: 100, AudioOutVolume: 100}

func opus16k() media.Codecs {
	return media.Codecs{
		UseLocalAudioParams: true,
		LocalAudioParams:    []media.AudioParams{{Codec: "opus", SampleRate: 16000}},
	}
}

func TestStartWatchAndDescribe(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	watch, err := h.client.WatchStatus(ctx)
	if err != nil {
		t.Fatalf("WatchStatus() error = %v", err)
	}
	if err := h.client.Start(ctx, mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ev := nextEvent(t, watch)
	if ev.EventType != events.SessionStarted {
		t.Fatalf("EventType = %q, want %q", ev.EventType, events.SessionStarted)
	}
	if ev.SessionID != h.local.ID() {
		t.Errorf("SessionID = %q, want %q", ev.SessionID, h.local.ID())
	}
	if !ev.CanTransmitAudio || ev.CanTransmitVideo {
		t.Errorf("CanTransmit = %v/%v, want true/false", ev.CanTransmitAudio, ev.CanTransmitVideo)
	}
	if len(ev.LocalAudio) != 1 || ev.LocalAudio[0].Name != "OPUS" {
		t.Errorf("LocalAudio = %+v, want one OPUS payload", ev.LocalAudio)
	}

	body, err := h.client.LocalDescription(ctx)
	if err != nil {
		t.Fatalf("LocalDescription() error = %v", err)
	}
	for _, want := range []string{"m=audio 20000 RTP/AVP 96", "OPUS/48000", "c=IN IP4 192.0.2.1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("description missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(string(body), "m=video") {
		t.Error("description has a video section without video payloads")
	}

	if err := h.client.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if ev := nextEvent(t, watch); ev.EventType != events.SessionStopped {
		t.Errorf("EventType = %q, want %q", ev.EventType, events.SessionStopped)
	}
}

func TestEngineErrorIsStreamed(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	watch, err := h.client.WatchStatus(ctx)
	if err != nil {
		t.Fatalf("WatchStatus() error = %v", err)
	}
	if err := h.client.Start(ctx, mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	nextEvent(t, watch)

	// A second start is rejected by the worker and reported as a status.
	if err := h.client.Start(ctx, mic0, opus16k()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ev := nextEvent(t, watch)
	if ev.EventType != events.SessionError {
		t.Fatalf("EventType = %q, want %q", ev.EventType, events.SessionError)
	}
	if ev.ErrorCode != media.ErrorGeneric.String() {
		t.Errorf("ErrorCode = %q, want %q", ev.ErrorCode, media.ErrorGeneric.String())
	}
	if ev.Fatal || ev.Terminal() {
		t.Error("rejected start reported as ending the session")
	}

	// The running session still describes itself.
	if _, err := h.client.LocalDescription(ctx); err != nil {
		t.Errorf("LocalDescription() error = %v", err)
	}
}

func TestInvalidDevicesRejected(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	bad := mic0
	bad.AudioInVolume = 150
	err := h.client.Start(ctx, bad, opus16k())
	if code := status.Code(err); code != codes.InvalidArgument {
		t.Errorf("Start() code = %v, want %v (err %v)", code, codes.InvalidArgument, err)
	}

	codecs := opus16k()
	codecs.UseLocalAudioPayloadInfo = true
	err = h.client.UpdateCodecs(ctx, codecs)
	if code := status.Code(err); code != codes.InvalidArgument {
		t.Errorf("UpdateCodecs() code = %v, want %v", code, codes.InvalidArgument)
	}
}

func TestLocalDescriptionNeedsSession(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	_, err := h.client.LocalDescription(ctx)
	if code := status.Code(err); code != codes.FailedPrecondition {
		t.Errorf("LocalDescription() code = %v, want %v", code, codes.FailedPrecondition)
	}
}

func TestDestroyedSessionUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	h.local.Destroy()

	if code := status.Code(h.client.Stop(ctx)); code != codes.Unavailable {
		t.Errorf("Stop() code = %v, want %v", code, codes.Unavailable)
	}
	if code := status.Code(h.client.SetTransmit(ctx, media.Transmit{Audio: true})); code != codes.Unavailable {
		t.Errorf("SetTransmit() code = %v, want %v", code, codes.Unavailable)
	}
	if code := status.Code(h.client.SetRecord(ctx, media.Record{Enabled: true})); code != codes.Unavailable {
		t.Errorf("SetRecord() code = %v, want %v", code, codes.Unavailable)
	}
	if code := status.Code(h.client.UpdateDevices(ctx, mic0)); code != codes.Unavailable {
		t.Errorf("UpdateDevices() code = %v, want %v", code, codes.Unavailable)
	}
}

func TestStructConversionKeepsConfig(t *testing.T) {
	in := StartRequest{
		Devices: media.Devices{
			AudioInID:      "mic0",
			FileDataIn:     []byte{0x52, 0x49, 0x46, 0x46},
			LoopFile:       true,
			AudioInVolume:  40,
			AudioOutVolume: 60,
		},
		Codecs: media.Codecs{
			UseLocalAudioPayloadInfo: true,
			LocalAudioPayloadInfo: []media.PayloadInfo{{
				ID: 96, Name: "OPUS", ClockRate: 48000, Channels: 2, Ptime: 20,
				Parameters: []media.Parameter{{Name: "useinbandfec", Value: "1"}},
			}},
		},
	}
	s, err := toStruct(in)
	if err != nil {
		t.Fatalf("toStruct() error = %v", err)
	}
	got, err := decodeStart(s)
	if err != nil {
		t.Fatalf("decodeStart() error = %v", err)
	}
	if string(got.Devices.FileDataIn) != string(in.Devices.FileDataIn) {
		t.Errorf("FileDataIn = %v, want %v", got.Devices.FileDataIn, in.Devices.FileDataIn)
	}
	if got.Devices.AudioInVolume != 40 || got.Devices.AudioOutVolume != 60 || !got.Devices.LoopFile {
		t.Errorf("Devices = %+v", got.Devices)
	}
	if !media.EqualPayloadLists(got.Codecs.LocalAudioPayloadInfo, in.Codecs.LocalAudioPayloadInfo) {
		t.Errorf("LocalAudioPayloadInfo = %v, want %v", got.Codecs.LocalAudioPayloadInfo, in.Codecs.LocalAudioPayloadInfo)
	}
}

func TestDecodeDevicesDefaultsVolumes(t *testing.T) {
	s, err := toStruct(map[string]any{"AudioInID": "mic0"})
	if err != nil {
		t.Fatalf("toStruct() error = %v", err)
	}
	d, err := decodeDevices(s)
	if err != nil {
		t.Fatalf("decodeDevices() error = %v", err)
	}
	if d.AudioInVolume != 100 || d.AudioOutVolume != 100 {
		t.Errorf("volumes = %d/%d, want 100/100", d.AudioInVolume, d.AudioOutVolume)
	}
}
