package loopback

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/callbridge/internal/callbridge/engine"
	"github.com/sebas/callbridge/internal/callbridge/media"
)

// opusSilence is a single Opus DTX frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// stream is the per-kind state of the send direction.
type stream struct {
	kind     media.Kind
	transmit atomic.Bool
	output   atomic.Bool
	pk       *packetizer
}

// audioSource yields 8 kHz 16-bit PCM from a file or a test tone.
type audioSource struct {
	pcm  []byte
	pos  int
	loop bool
	tone *tone
}

func (a *audioSource) read(samples int) (pcm []byte, eof bool) {
	if a.tone != nil {
		return a.tone.read(samples), false
	}
	if len(a.pcm) == 0 {
		return nil, true
	}
	if a.pos >= len(a.pcm) {
		if !a.loop {
			return nil, true
		}
		a.pos = 0
	}
	out := make([]byte, samples*2)
	a.pos += copy(out, a.pcm[a.pos:])
	return out, false
}

type sendSubsession struct {
	session *Session
	sink    engine.Sink

	mu          sync.Mutex
	devices     media.Devices
	negotiated  map[media.Kind][]media.PayloadInfo
	audioParams media.AudioParams
	videoParams media.VideoParams
	source      *audioSource

	streams map[media.Kind]*stream
	record  atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newSendSubsession(sess *Session, sink engine.Sink, devices media.Devices, codecs media.Codecs) (*sendSubsession, error) {
	s := &sendSubsession{
		session: sess,
		sink:    sink,
		devices: devices,
		streams: make(map[media.Kind]*stream),
	}
	s.negotiated, s.audioParams, s.videoParams = negotiateSend(devices, codecs)

	if len(s.negotiated[media.Audio]) > 0 {
		src, err := openSource(devices)
		if err != nil {
			return nil, err
		}
		s.source = src
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, kind := range media.Kinds {
		if len(s.negotiated[kind]) == 0 {
			continue
		}
		st := &stream{kind: kind, pk: newPacketizer()}
		s.streams[kind] = st
		s.wg.Add(1)
		if kind == media.Audio {
			go s.runAudio(ctx, st)
		} else {
			go s.runVideo(ctx, st)
		}
	}

	slog.Info("[Loopback] Send started",
		"session_id", sess.id,
		"audio", len(s.negotiated[media.Audio]),
		"video", len(s.negotiated[media.Video]),
	)
	return s, nil
}

// negotiateSend picks payloads for kinds that have both an input and a
// local preference. File input only carries audio.
func negotiateSend(devices media.Devices, codecs media.Codecs) (map[media.Kind][]media.PayloadInfo, media.AudioParams, media.VideoParams) {
	out := make(map[media.Kind][]media.PayloadInfo)
	var ap media.AudioParams
	var vp media.VideoParams
	pts := newPayloadTypes()

	audioIn := devices.AudioInID != "" || devices.HasFileInput()
	videoIn := devices.VideoInID != "" && !devices.HasFileInput()

	if audioIn && codecs.HasLocal(media.Audio) {
		if codecs.UseLocalAudioParams {
			out[media.Audio], ap = negotiateAudioParams(codecs.LocalAudioParams, pts)
		} else {
			out[media.Audio] = acceptPayloads(media.Audio, codecs.LocalAudioPayloadInfo)
			if len(out[media.Audio]) > 0 {
				ap = audioParamsFor(out[media.Audio][0])
			}
		}
	}
	if videoIn && codecs.HasLocal(media.Video) {
		if codecs.UseLocalVideoParams {
			out[media.Video], vp = negotiateVideoParams(codecs.LocalVideoParams, pts)
		} else {
			out[media.Video] = acceptPayloads(media.Video, codecs.LocalVideoPayloadInfo)
			if len(out[media.Video]) > 0 {
				vp = media.VideoParams{Codec: out[media.Video][0].Name, Width: 320, Height: 240, FPS: 15}
			}
		}
	}
	return out, ap, vp
}

func openSource(d media.Devices) (*audioSource, error) {
	var (
		wav *wavFile
		err error
	)
	switch {
	case d.FileNameIn != "":
		wav, err = readWAVFile(d.FileNameIn)
	case len(d.FileDataIn) > 0:
		wav, err = readWAVBytes(d.FileDataIn)
	default:
		return &audioSource{tone: &tone{freq: 440}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file input: %v: %w", err, engine.ErrDevice)
	}
	pcm, err := wav.toMono8k()
	if err != nil {
		return nil, fmt.Errorf("file input: %v: %w", err, engine.ErrDevice)
	}
	return &audioSource{pcm: pcm, loop: d.LoopFile}, nil
}

func (s *sendSubsession) Negotiated(kind media.Kind) []media.PayloadInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return media.ClonePayloadList(s.negotiated[kind])
}

func (s *sendSubsession) AudioParams() media.AudioParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioParams
}

func (s *sendSubsession) VideoParams() media.VideoParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoParams
}

func (s *sendSubsession) SetTransmit(kind media.Kind, on bool) {
	if st := s.streams[kind]; st != nil {
		st.transmit.Store(on)
	}
}

func (s *sendSubsession) SetOutput(kind media.Kind, on bool) {
	if st := s.streams[kind]; st != nil {
		st.output.Store(on)
	}
}

func (s *sendSubsession) SetRecord(on bool) {
	s.record.Store(on)
}

func (s *sendSubsession) UpdateDevices(d media.Devices) error {
	if err := s.session.checkDevices(d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fileChanged := d.FileNameIn != s.devices.FileNameIn || string(d.FileDataIn) != string(s.devices.FileDataIn)
	if s.source != nil && fileChanged {
		src, err := openSource(d)
		if err != nil {
			return err
		}
		s.source = src
	} else if s.source != nil && s.source.tone == nil {
		s.source.loop = d.LoopFile
	}
	s.devices = d
	return nil
}

func (s *sendSubsession) UpdateCodecs(c media.Codecs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	negotiated, ap, vp := negotiateSend(s.devices, c)
	for kind := range s.streams {
		if len(negotiated[kind]) == 0 {
			return fmt.Errorf("%s: %w", kind, engine.ErrCodec)
		}
	}
	for kind := range negotiated {
		if s.streams[kind] == nil {
			delete(negotiated, kind)
		}
	}
	s.negotiated = negotiated
	if s.streams[media.Audio] != nil {
		s.audioParams = ap
	}
	if s.streams[media.Video] != nil {
		s.videoParams = vp
	}
	return nil
}

func (s *sendSubsession) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		slog.Info("[Loopback] Send stopped", "session_id", s.session.id)
	})
}

// current returns the active payload for kind.
func (s *sendSubsession) current(kind media.Kind) (media.PayloadInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.negotiated[kind]
	if len(list) == 0 {
		return media.PayloadInfo{}, false
	}
	return list[0], true
}

func (s *sendSubsession) audioInterval() time.Duration {
	if t := s.session.opts.Tick; t > 0 {
		return t
	}
	if p, ok := s.current(media.Audio); ok && p.Ptime > 0 {
		return time.Duration(p.Ptime) * time.Millisecond
	}
	return 20 * time.Millisecond
}

func (s *sendSubsession) runAudio(ctx context.Context, st *stream) {
	defer s.wg.Done()

	interval := s.audioInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	samples := int(pcmRate * interval / time.Second)
	finished := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p, ok := s.current(media.Audio)
		if !ok {
			continue
		}

		s.mu.Lock()
		pcm, eof := s.source.read(samples)
		volume := s.devices.AudioInVolume
		s.mu.Unlock()

		if eof {
			if !finished {
				finished = true
				if s.sink != nil {
					s.sink.Finished()
				}
			}
			continue
		}
		finished = false
		applyVolume(pcm, volume)

		if s.record.Load() && s.sink != nil {
			s.sink.RecordData(pcm)
		}

		ticks := uint32(uint64(p.ClockRate) * uint64(interval) / uint64(time.Second))
		if st.transmit.Load() && st.output.Load() {
			var payload []byte
			switch p.Name {
			case "PCMU", "PCMA":
				payload = encodeG711(p.Name, pcm)
			default:
				payload = opusSilence
			}
			s.send(st, p.ID, payload, false)
		}
		st.pk.advance(ticks)
	}
}

func (s *sendSubsession) runVideo(ctx context.Context, st *stream) {
	defer s.wg.Done()

	vp := s.VideoParams()
	fps := vp.FPS
	if fps <= 0 {
		fps = 15
	}
	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame := testPattern(vp.Width, vp.Height, n)
		frame.Timestamp = time.Now().UnixNano()
		n++
		if s.sink != nil {
			s.sink.PreviewFrame(frame)
		}

		p, ok := s.current(media.Video)
		if !ok {
			continue
		}
		if st.transmit.Load() && st.output.Load() {
			payload := make([]byte, 12)
			binary.BigEndian.PutUint32(payload[0:], uint32(n))
			binary.BigEndian.PutUint16(payload[4:], uint16(frame.Width))
			binary.BigEndian.PutUint16(payload[6:], uint16(frame.Height))
			copy(payload[8:], frame.Planes[0][:min(4, len(frame.Planes[0]))])
			s.send(st, p.ID, payload, true)
		}
		st.pk.advance(p.ClockRate / uint32(fps))
	}
}

func (s *sendSubsession) send(st *stream, pt uint8, payload []byte, marker bool) {
	if s.sink == nil {
		return
	}
	pkt, err := st.pk.packet(pt, payload, marker)
	if err != nil {
		slog.Warn("[Loopback] Packetize failed", "session_id", s.session.id, "kind", st.kind, "error", err)
		return
	}
	s.sink.RTPOut(st.kind, pkt)

	if st.pk.packets%uint32(s.session.opts.RTCPInterval) == 0 {
		sr, err := st.pk.senderReport(time.Now())
		if err != nil {
			slog.Warn("[Loopback] Sender report failed", "session_id", s.session.id, "error", err)
			return
		}
		s.sink.RTPOut(st.kind, sr)
	}
}

// testPattern draws a diagonal gradient that moves one pixel per frame.
func testPattern(width, height, n int) *media.Frame {
	if width <= 0 || height <= 0 {
		width, height = 320, 240
	}
	f := media.NewI420Frame(width, height)
	for y := 0; y < height; y++ {
		row := f.Planes[0][y*f.Stride[0]:]
		for x := 0; x < width; x++ {
			row[x] = byte(x + y + n)
		}
	}
	for i := range f.Planes[1] {
		f.Planes[1][i] = 128
		f.Planes[2][i] = 128
	}
	return f
}
