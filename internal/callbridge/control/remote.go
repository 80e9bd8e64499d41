package control

import (
	"fmt"
	"log/slog"

	"github.com/sebas/callbridge/internal/callbridge/engine"
	"github.com/sebas/callbridge/internal/callbridge/envelope"
	"github.com/sebas/callbridge/internal/callbridge/loop"
	"github.com/sebas/callbridge/internal/callbridge/media"
	"github.com/sebas/callbridge/internal/callbridge/worker"
)

// link is the set of application-side endpoints a Remote posts into. Every
// member defers delivery to the application loop.
type link struct {
	status  *envelope.Channel
	packets map[media.Kind]*RTPChannel
	preview *stream[*media.Frame]
	output  *stream[*media.Frame]
	record  *stream[[]byte]
}

// Remote is the engine-side half of a control pair. It owns one worker and
// lives on the engine loop.
type Remote struct {
	id     string
	worker *worker.Worker
	inbox  *envelope.Channel
	link   *link
	log    *slog.Logger
}

// newRemote must run on the engine loop.
func newRemote(id string, engineLoop loop.Poster, eng engine.Engine, ln *link, log *slog.Logger) (*Remote, error) {
	sess, err := eng.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create engine session: %w", err)
	}
	r := &Remote{id: id, link: ln, log: log}
	r.worker = worker.New(id, engineLoop, sess, worker.Handlers{
		Status:  r,
		Frames:  r,
		Packets: r,
		Record:  r,
	})
	r.inbox = envelope.NewChannel("remote:"+id, engineLoop, r.handle)
	r.log.Debug("[Remote] Created", "session_id", id)
	return r, nil
}

// post delivers e to the engine loop.
func (r *Remote) post(e *envelope.Envelope) bool {
	return r.inbox.Post(e)
}

func (r *Remote) handle(e *envelope.Envelope) {
	r.log.Debug("[Remote] Envelope", "session_id", r.id, "kind", e.Kind)
	switch e.Kind {
	case envelope.KindStart:
		r.worker.Start(*e.Devices, *e.Codecs)
	case envelope.KindStop:
		r.worker.Stop()
	case envelope.KindUpdateDevices:
		r.worker.UpdateDevices(*e.Devices)
	case envelope.KindUpdateCodecs:
		r.worker.UpdateCodecs(*e.Codecs)
	case envelope.KindTransmit:
		r.worker.SetTransmit(media.Audio, e.Transmit.Audio)
		r.worker.SetTransmit(media.Video, e.Transmit.Video)
	case envelope.KindRecord:
		if e.Record.Enabled {
			r.worker.RecordStart()
		} else {
			r.worker.RecordStop()
		}
	case envelope.KindOutput:
		r.worker.SetOutput(e.Output.Kind, e.Output.Enabled)
	default:
		r.log.Warn("[Remote] Unexpected envelope", "session_id", r.id, "kind", e.Kind)
	}
}

// destroy must run on the engine loop. Undelivered envelopes are discarded
// and the worker is torn down without a status.
func (r *Remote) destroy() {
	n := r.inbox.Close()
	r.worker.Close()
	r.log.Debug("[Remote] Destroyed", "session_id", r.id, "discarded", n)
}

// OnStatus implements worker.StatusHandler.
func (r *Remote) OnStatus(s media.Status) {
	r.link.status.Post(envelope.NewStatus(s))
}

// OnPreviewFrame implements worker.FrameHandler.
func (r *Remote) OnPreviewFrame(f *media.Frame) {
	r.link.preview.push(f.Clone())
}

// OnOutputFrame implements worker.FrameHandler.
func (r *Remote) OnOutputFrame(f *media.Frame) {
	r.link.output.push(f.Clone())
}

// OnRTPOut implements worker.PacketHandler.
func (r *Remote) OnRTPOut(kind media.Kind, p media.Packet) {
	if c := r.link.packets[kind]; c != nil {
		c.push(p)
	}
}

// OnRecordData implements worker.RecordHandler.
func (r *Remote) OnRecordData(b []byte) {
	r.link.record.push(append([]byte(nil), b...))
}

func (r *Remote) injectAudio(p media.Packet) { r.worker.InjectAudio(p) }

func (r *Remote) injectVideo(p media.Packet) { r.worker.InjectVideo(p) }
