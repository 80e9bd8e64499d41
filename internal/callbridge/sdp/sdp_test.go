package sdp

import (
	"errors"
	"strings"
	"testing"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

var (
	opus = media.PayloadInfo{
		ID: 96, Name: "OPUS", ClockRate: 48000, Channels: 2, Ptime: 20,
		Parameters: []media.Parameter{{Name: "useinbandfec", Value: "1"}, {Name: "maxplaybackrate", Value: "16000"}},
	}
	pcmu = media.PayloadInfo{ID: 0, Name: "PCMU", ClockRate: 8000, Channels: 1, Ptime: 20}
	vp8  = media.PayloadInfo{ID: 97, Name: "VP8", ClockRate: 90000}
)

func TestBuildOfferRoundTrip(t *testing.T) {
	ep := Endpoint{Address: "192.0.2.10", AudioPort: 20000, VideoPort: 20002}
	body, err := BuildOffer(ep, []media.PayloadInfo{opus, pcmu}, []media.PayloadInfo{vp8})
	if err != nil {
		t.Fatalf("BuildOffer() error = %v", err)
	}

	text := string(body)
	for _, want := range []string{
		"m=audio 20000 RTP/AVP 96 0",
		"a=rtpmap:96 OPUS/48000/2",
		"a=rtpmap:0 PCMU/8000",
		"a=ptime:20",
		"m=video 20002 RTP/AVP 97",
		"a=sendrecv",
		"c=IN IP4 192.0.2.10",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("offer missing %q:\n%s", want, text)
		}
	}

	desc, err := ParseDescription(body)
	if err != nil {
		t.Fatalf("ParseDescription() error = %v", err)
	}
	if desc.Address != "192.0.2.10" {
		t.Errorf("Address = %q, want 192.0.2.10", desc.Address)
	}
	if desc.Audio == nil || desc.Audio.Port != 20000 {
		t.Fatalf("Audio = %+v, want port 20000", desc.Audio)
	}
	if !media.EqualPayloadLists(desc.Audio.Payloads, []media.PayloadInfo{opus, pcmu}) {
		t.Errorf("Audio.Payloads = %v, want %v", desc.Audio.Payloads, []media.PayloadInfo{opus, pcmu})
	}
	if desc.Video == nil || !media.EqualPayloadLists(desc.Video.Payloads, []media.PayloadInfo{vp8}) {
		t.Errorf("Video = %+v, want [%v]", desc.Video, vp8)
	}

	codecs := desc.Codecs()
	if len(codecs.RemoteAudioPayloadInfo) != 2 || len(codecs.RemoteVideoPayloadInfo) != 1 {
		t.Errorf("Codecs() = %+v", codecs)
	}
}

func TestBuildOfferSkipsEmptyKinds(t *testing.T) {
	body, err := BuildOffer(Endpoint{Address: "192.0.2.10", AudioPort: 20000, Direction: SendOnly},
		[]media.PayloadInfo{pcmu}, []media.PayloadInfo{vp8})
	if err != nil {
		t.Fatalf("BuildOffer() error = %v", err)
	}
	if strings.Contains(string(body), "m=video") {
		t.Error("video section without a port")
	}
	if !strings.Contains(string(body), "a=sendonly") {
		t.Error("direction not set")
	}

	if _, err := BuildOffer(Endpoint{Address: "192.0.2.10", AudioPort: 20000}, nil, nil); !errors.Is(err, ErrNoMedia) {
		t.Errorf("BuildOffer() error = %v, want %v", err, ErrNoMedia)
	}
	if _, err := BuildOffer(Endpoint{AudioPort: 20000}, []media.PayloadInfo{pcmu}, nil); err == nil {
		t.Error("BuildOffer() without address succeeded")
	}
}

func TestParseRemoteDescription(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 42 1 IN IP4 198.51.100.7\r\n" +
		"s=-\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"t=0 0\r\n" +
		"m=audio 30000 RTP/AVP 8 101\r\n" +
		"a=rtpmap:101 telephone-event/8000\r\n" +
		"a=fmtp:101 0-15\r\n" +
		"a=ptime:30\r\n" +
		"a=recvonly\r\n" +
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n"

	desc, err := ParseDescription([]byte(body))
	if err != nil {
		t.Fatalf("ParseDescription() error = %v", err)
	}
	if desc.Video != nil {
		t.Error("unexpected video section")
	}
	a := desc.Audio
	if a == nil || a.Port != 30000 || a.Direction != RecvOnly {
		t.Fatalf("Audio = %+v", a)
	}
	if len(a.Payloads) != 2 {
		t.Fatalf("Payloads = %v, want 2", a.Payloads)
	}
	if p := a.Payloads[0]; p.Name != "PCMA" || p.ClockRate != 8000 || p.Ptime != 30 {
		t.Errorf("Payloads[0] = %v, want static PCMA ptime 30", p)
	}
	if p := a.Payloads[1]; p.Name != "TELEPHONE-EVENT" || len(p.Parameters) != 1 || p.Parameters[0].Name != "0-15" {
		t.Errorf("Payloads[1] = %v", p)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := ParseDescription([]byte("not sdp")); err == nil {
		t.Error("ParseDescription() accepted garbage")
	}

	noMedia := "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"
	if _, err := ParseDescription([]byte(noMedia)); !errors.Is(err, ErrNoMedia) {
		t.Errorf("ParseDescription() error = %v, want %v", err, ErrNoMedia)
	}
}
