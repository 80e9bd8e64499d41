// Package media holds the value types that cross between the application and
// engine contexts: configuration, negotiated payload descriptors, status
// reports, RTP packets and video frames.
package media

import "github.com/pion/webrtc/v4"

// Kind is the media type of a stream.
type Kind = webrtc.RTPCodecType

const (
	KindUnknown = webrtc.RTPCodecTypeUnknown
	Audio       = webrtc.RTPCodecTypeAudio
	Video       = webrtc.RTPCodecTypeVideo
)

// Kinds lists the media kinds in the order they are processed.
var Kinds = [...]Kind{Audio, Video}

// ValidKind reports whether k is audio or video.
func ValidKind(k Kind) bool {
	return k == Audio || k == Video
}
