package loopback

import (
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

// codec is one entry of the engine's codec catalogue.
type codec struct {
	kind       media.Kind
	capability webrtc.RTPCodecCapability
	staticPT   int // -1 for dynamic
	ptime      time.Duration
}

// name returns the upper-cased MIME subtype used on the wire.
func (c codec) name() string {
	mime := c.capability.MimeType
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		mime = mime[i+1:]
	}
	return strings.ToUpper(mime)
}

var catalogue = []codec{
	{
		kind:       media.Audio,
		capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "useinbandfec=1"},
		staticPT:   -1,
		ptime:      20 * time.Millisecond,
	},
	{
		kind:       media.Audio,
		capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		staticPT:   0,
		ptime:      20 * time.Millisecond,
	},
	{
		kind:       media.Audio,
		capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000, Channels: 1},
		staticPT:   8,
		ptime:      20 * time.Millisecond,
	},
	{
		kind:       media.Video,
		capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		staticPT:   -1,
	},
	{
		kind:       media.Video,
		capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"},
		staticPT:   -1,
	},
}

func lookup(kind media.Kind, name string) (codec, bool) {
	for _, c := range catalogue {
		if c.kind == kind && strings.EqualFold(c.name(), name) {
			return c, true
		}
	}
	return codec{}, false
}

// payloadTypes hands out dynamic payload types within one negotiation.
type payloadTypes struct {
	next uint8
}

func newPayloadTypes() *payloadTypes {
	return &payloadTypes{next: 96}
}

func (p *payloadTypes) assign(c codec) uint8 {
	if c.staticPT >= 0 {
		return uint8(c.staticPT)
	}
	pt := p.next
	p.next++
	return pt
}

// describe builds the descriptor the engine advertises for c.
func describe(c codec, pt uint8) media.PayloadInfo {
	info := media.PayloadInfo{
		ID:         pt,
		Name:       c.name(),
		ClockRate:  c.capability.ClockRate,
		Channels:   int(c.capability.Channels),
		Parameters: media.ParseFmtp(c.capability.SDPFmtpLine),
	}
	if c.ptime > 0 {
		info.Ptime = int(c.ptime / time.Millisecond)
	}
	return info
}

// negotiateAudioParams maps generic audio preferences onto the catalogue.
// Unknown codecs are skipped.
func negotiateAudioParams(prefs []media.AudioParams, pts *payloadTypes) ([]media.PayloadInfo, media.AudioParams) {
	var out []media.PayloadInfo
	var chosen media.AudioParams
	for _, p := range prefs {
		c, ok := lookup(media.Audio, p.Codec)
		if !ok {
			continue
		}
		info := describe(c, pts.assign(c))
		if p.SampleRate > 0 && uint32(p.SampleRate) != c.capability.ClockRate {
			info.Parameters = append(info.Parameters, media.Parameter{
				Name:  "maxplaybackrate",
				Value: strconv.Itoa(p.SampleRate),
			})
		}
		if len(out) == 0 {
			chosen = p
			if chosen.SampleRate == 0 {
				chosen.SampleRate = int(c.capability.ClockRate)
			}
			if chosen.Channels == 0 {
				chosen.Channels = 1
			}
			if chosen.SampleSize == 0 {
				chosen.SampleSize = 16
			}
		}
		out = append(out, info)
	}
	return out, chosen
}

// negotiateVideoParams maps generic video preferences onto the catalogue.
func negotiateVideoParams(prefs []media.VideoParams, pts *payloadTypes) ([]media.PayloadInfo, media.VideoParams) {
	var out []media.PayloadInfo
	var chosen media.VideoParams
	for _, p := range prefs {
		c, ok := lookup(media.Video, p.Codec)
		if !ok {
			continue
		}
		if len(out) == 0 {
			chosen = p
			if chosen.Width == 0 || chosen.Height == 0 {
				chosen.Width, chosen.Height = 320, 240
			}
			if chosen.FPS == 0 {
				chosen.FPS = 15
			}
		}
		out = append(out, describe(c, pts.assign(c)))
	}
	return out, chosen
}

// acceptPayloads keeps descriptors whose codec and clock rate the engine
// supports. Descriptors are returned as given.
func acceptPayloads(kind media.Kind, in []media.PayloadInfo) []media.PayloadInfo {
	var out []media.PayloadInfo
	for _, p := range in {
		c, ok := lookup(kind, p.Name)
		if !ok || c.capability.ClockRate != p.ClockRate {
			continue
		}
		out = append(out, p.Clone())
	}
	return out
}

// audioParamsFor derives generic params from a payload descriptor.
func audioParamsFor(p media.PayloadInfo) media.AudioParams {
	rate := int(p.ClockRate)
	if v, ok := p.Param("maxplaybackrate"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			rate = n
		}
	}
	channels := p.Channels
	if channels == 0 {
		channels = 1
	}
	return media.AudioParams{Codec: strings.ToLower(p.Name), SampleRate: rate, SampleSize: 16, Channels: channels}
}
