package worker

import "github.com/sebas/callbridge/internal/callbridge/media"

// StatusHandler receives status reports. Called on the engine loop.
type StatusHandler interface {
	OnStatus(s media.Status)
}

// FrameHandler receives video frames. May be called from engine goroutines;
// frames must be copied if retained.
type FrameHandler interface {
	OnPreviewFrame(f *media.Frame)
	OnOutputFrame(f *media.Frame)
}

// PacketHandler receives outgoing packets. May be called from engine
// goroutines.
type PacketHandler interface {
	OnRTPOut(kind media.Kind, p media.Packet)
}

// RecordHandler receives recorded audio. May be called from engine
// goroutines; the slice must be copied if retained.
type RecordHandler interface {
	OnRecordData(b []byte)
}

// Handlers groups the callback targets of a worker. Nil members discard.
type Handlers struct {
	Status  StatusHandler
	Frames  FrameHandler
	Packets PacketHandler
	Record  RecordHandler
}

// StatusFunc adapts a function to StatusHandler.
type StatusFunc func(media.Status)

// OnStatus calls f(s).
func (f StatusFunc) OnStatus(s media.Status) { f(s) }

// PacketFunc adapts a function to PacketHandler.
type PacketFunc func(media.Kind, media.Packet)

// OnRTPOut calls f(kind, p).
func (f PacketFunc) OnRTPOut(kind media.Kind, p media.Packet) { f(kind, p) }
