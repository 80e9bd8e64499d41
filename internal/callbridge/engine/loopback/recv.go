package loopback

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"

	"github.com/sebas/callbridge/internal/callbridge/engine"
	"github.com/sebas/callbridge/internal/callbridge/media"
)

const (
	outputWidth  = 320
	outputHeight = 240
)

type recvSubsession struct {
	sessID string
	sink   engine.Sink

	mu         sync.Mutex
	negotiated map[media.Kind][]media.PayloadInfo
	trackers   map[media.Kind]*seqTracker
	reports    map[media.Kind]uint64
	dropped    uint64

	record atomic.Bool
	closed atomic.Bool
}

func newRecvSubsession(sessID string, sink engine.Sink, codecs media.Codecs) *recvSubsession {
	r := &recvSubsession{
		sessID:   sessID,
		sink:     sink,
		trackers: map[media.Kind]*seqTracker{media.Audio: {}, media.Video: {}},
		reports:  make(map[media.Kind]uint64),
	}
	r.negotiated = negotiateRecv(codecs)
	slog.Info("[Loopback] Receive started",
		"session_id", sessID,
		"audio", len(r.negotiated[media.Audio]),
		"video", len(r.negotiated[media.Video]),
	)
	return r
}

func negotiateRecv(c media.Codecs) map[media.Kind][]media.PayloadInfo {
	return map[media.Kind][]media.PayloadInfo{
		media.Audio: acceptPayloads(media.Audio, c.RemoteAudioPayloadInfo),
		media.Video: acceptPayloads(media.Video, c.RemoteVideoPayloadInfo),
	}
}

func (r *recvSubsession) Negotiated(kind media.Kind) []media.PayloadInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return media.ClonePayloadList(r.negotiated[kind])
}

func (r *recvSubsession) UpdateCodecs(c media.Codecs) error {
	negotiated := negotiateRecv(c)
	if len(negotiated[media.Audio]) == 0 && len(negotiated[media.Video]) == 0 {
		return fmt.Errorf("no supported remote payloads: %w", engine.ErrCodec)
	}
	r.mu.Lock()
	r.negotiated = negotiated
	r.mu.Unlock()
	return nil
}

func (r *recvSubsession) SetRecord(on bool) {
	r.record.Store(on)
}

func (r *recvSubsession) Close() {
	if r.closed.CompareAndSwap(false, true) {
		received, lost := r.stats(media.Audio)
		slog.Info("[Loopback] Receive stopped", "session_id", r.sessID, "audio_received", received, "audio_lost", lost)
	}
}

// Inject consumes one received packet. Unknown payload types are dropped.
func (r *recvSubsession) Inject(kind media.Kind, p media.Packet) {
	if r.closed.Load() || p.IsEmpty() {
		return
	}
	if p.IsRTCP() {
		r.injectRTCP(kind, p)
		return
	}

	pkt, err := p.RTP()
	if err != nil {
		r.drop()
		return
	}

	r.mu.Lock()
	payload, ok := findPayload(r.negotiated[kind], pkt.PayloadType)
	if ok {
		if t := r.trackers[kind]; t != nil {
			t.update(pkt.SequenceNumber)
		}
	} else {
		r.dropped++
	}
	r.mu.Unlock()
	if !ok || r.sink == nil {
		return
	}

	switch kind {
	case media.Audio:
		if !r.record.Load() {
			return
		}
		var data []byte
		switch payload.Name {
		case "PCMU", "PCMA":
			data = decodeG711(payload.Name, pkt.Payload)
		default:
			data = append([]byte(nil), pkt.Payload...)
		}
		r.sink.RecordData(data)

	case media.Video:
		if !pkt.Marker {
			return
		}
		f := media.NewI420Frame(outputWidth, outputHeight)
		var shade byte = 16
		if len(pkt.Payload) > 0 {
			shade = pkt.Payload[len(pkt.Payload)-1]
		}
		for i := range f.Planes[0] {
			f.Planes[0][i] = shade
		}
		for i := range f.Planes[1] {
			f.Planes[1][i] = 128
			f.Planes[2][i] = 128
		}
		f.Timestamp = int64(pkt.Timestamp) * 1e9 / int64(payload.ClockRate)
		r.sink.OutputFrame(f)
	}
}

func (r *recvSubsession) injectRTCP(kind media.Kind, p media.Packet) {
	pkts, err := rtcp.Unmarshal(p.Bytes())
	if err != nil {
		r.drop()
		return
	}
	r.mu.Lock()
	r.reports[kind] += uint64(len(pkts))
	r.mu.Unlock()
	for _, pkt := range pkts {
		if sr, ok := pkt.(*rtcp.SenderReport); ok {
			slog.Debug("[Loopback] Sender report", "session_id", r.sessID, "kind", kind,
				"ssrc", sr.SSRC, "packets", sr.PacketCount)
		}
	}
}

func (r *recvSubsession) drop() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

func (r *recvSubsession) stats(kind media.Kind) (received, lost uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.trackers[kind]; t != nil {
		return t.received, t.lost
	}
	return 0, 0
}

func findPayload(list []media.PayloadInfo, pt uint8) (media.PayloadInfo, bool) {
	for _, p := range list {
		if p.ID == pt {
			return p, true
		}
	}
	return media.PayloadInfo{}, false
}
