// Package engine defines the capability a media engine exposes to a session
// worker. Implementations own capture, coding and packetization; callers only
// see negotiated payload descriptors, packets and frames.
package engine

import (
	"errors"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

// Engine creates sessions.
type Engine interface {
	NewSession() (Session, error)
}

// Session is one RTP session inside the engine. All methods except those of
// RecvSubsession.Inject are called from the engine context.
type Session interface {
	// Attach registers the callback sink. It is called once, before any
	// sub-session is created. Sink methods may be invoked from engine-internal
	// goroutines.
	Attach(s Sink)

	// CreateSend builds the send direction. Kinds without a usable input or
	// preference are left out of the negotiated result.
	CreateSend(devices media.Devices, codecs media.Codecs) (SendSubsession, error)

	// CreateRecv builds the receive direction from remote payload descriptors.
	CreateRecv(codecs media.Codecs) (RecvSubsession, error)

	// Teardown releases every engine resource of the session.
	Teardown()
}

// SendSubsession is the outgoing direction of a session.
type SendSubsession interface {
	Negotiated(kind media.Kind) []media.PayloadInfo
	AudioParams() media.AudioParams
	VideoParams() media.VideoParams

	// SetTransmit starts or pauses sending for kind.
	SetTransmit(kind media.Kind, on bool)
	// SetOutput enables packet delivery to the sink for kind.
	SetOutput(kind media.Kind, on bool)
	SetRecord(on bool)

	UpdateDevices(devices media.Devices) error
	UpdateCodecs(codecs media.Codecs) error

	Close()
}

// RecvSubsession is the incoming direction of a session.
type RecvSubsession interface {
	Negotiated(kind media.Kind) []media.PayloadInfo

	// Inject feeds a received packet. Safe to call from any goroutine.
	Inject(kind media.Kind, p media.Packet)

	UpdateCodecs(codecs media.Codecs) error
	SetRecord(on bool)

	Close()
}

// PacketSink receives outgoing RTP and RTCP packets.
type PacketSink interface {
	RTPOut(kind media.Kind, p media.Packet)
}

// FrameSink receives video frames. Frames are owned by the engine and must
// be copied if retained.
type FrameSink interface {
	PreviewFrame(f *media.Frame)
	OutputFrame(f *media.Frame)
}

// EventSink receives spontaneous session events.
type EventSink interface {
	// Finished reports end of file input. The session stays alive.
	Finished()
	// Fault reports an asynchronous engine failure.
	Fault(err error)
	// RecordData delivers encoded received audio while recording.
	RecordData(b []byte)
}

// Sink groups every callback the engine delivers.
type Sink interface {
	PacketSink
	FrameSink
	EventSink
}

// Error classes understood by Code.
var (
	// ErrDevice indicates a capture or playback device failure.
	ErrDevice = errors.New("device failure")

	// ErrCodec indicates negotiation produced no usable payload.
	ErrCodec = errors.New("codec negotiation failed")

	// ErrUnsupported indicates a request the engine cannot honour.
	ErrUnsupported = errors.New("unsupported by engine")
)

// Code maps an engine error onto a status error code.
func Code(err error) media.ErrorCode {
	switch {
	case errors.Is(err, ErrDevice):
		return media.ErrorSystem
	case errors.Is(err, ErrCodec):
		return media.ErrorCodec
	default:
		return media.ErrorGeneric
	}
}
