// Package sdp converts negotiated payload descriptors to and from SDP bodies
// so they can be advertised to, and learned from, a remote peer.
package sdp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

// ErrNoMedia indicates a description without any usable media section.
var ErrNoMedia = errors.New("sdp: no audio or video media")

// Direction values for the media direction attribute.
const (
	SendRecv = "sendrecv"
	SendOnly = "sendonly"
	RecvOnly = "recvonly"
	Inactive = "inactive"
)

// Endpoint contains the local RTP endpoint details
type Endpoint struct {
	Address   string
	AudioPort int
	VideoPort int
	SessionID uint64
	// Direction defaults to sendrecv.
	Direction string
}

// Section is one parsed media section.
type Section struct {
	Port      int
	Direction string
	Payloads  []media.PayloadInfo
}

// Description is a parsed remote session description.
type Description struct {
	Address string
	Audio   *Section
	Video   *Section
}

// Section returns the section for kind, or nil.
func (d Description) Section(kind media.Kind) *Section {
	switch kind {
	case media.Audio:
		return d.Audio
	case media.Video:
		return d.Video
	}
	return nil
}

// Codecs returns codecs carrying the description's payloads as remote
// descriptors.
func (d Description) Codecs() media.Codecs {
	var c media.Codecs
	if d.Audio != nil {
		c.RemoteAudioPayloadInfo = media.ClonePayloadList(d.Audio.Payloads)
	}
	if d.Video != nil {
		c.RemoteVideoPayloadInfo = media.ClonePayloadList(d.Video.Payloads)
	}
	return c
}

// BuildOffer creates an SDP body advertising the given payloads. Media kinds
// without payloads or without a port are omitted.
func BuildOffer(ep Endpoint, audio, video []media.PayloadInfo) ([]byte, error) {
	if ep.Address == "" {
		return nil, fmt.Errorf("sdp: endpoint address required")
	}
	dir := ep.Direction
	if dir == "" {
		dir = SendRecv
	}
	sessionID := ep.SessionID
	if sessionID == 0 {
		sessionID = 1
	}

	addrType := "IP4"
	if strings.Contains(ep.Address, ":") {
		addrType = "IP6"
	}

	sessionDesc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "callbridge",
			SessionID:      sessionID,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: ep.Address,
		},
		SessionName: "Callbridge Media Session",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address: &sdp.Address{
				Address: ep.Address,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
	}

	if len(audio) > 0 && ep.AudioPort > 0 {
		sessionDesc.MediaDescriptions = append(sessionDesc.MediaDescriptions,
			mediaDescription("audio", ep.AudioPort, dir, audio))
	}
	if len(video) > 0 && ep.VideoPort > 0 {
		sessionDesc.MediaDescriptions = append(sessionDesc.MediaDescriptions,
			mediaDescription("video", ep.VideoPort, dir, video))
	}
	if len(sessionDesc.MediaDescriptions) == 0 {
		return nil, ErrNoMedia
	}

	return sessionDesc.Marshal()
}

func mediaDescription(kind string, port int, dir string, payloads []media.PayloadInfo) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  kind,
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, p := range payloads {
		md.WithCodec(p.ID, p.Name, p.ClockRate, channels(kind, p), p.FmtpLine())
	}

	// ptime and maxptime are media-level; the first payload decides.
	if p := payloads[0]; kind == "audio" {
		if p.Ptime > 0 {
			md.WithValueAttribute("ptime", strconv.Itoa(p.Ptime))
		}
		if p.MaxPtime > 0 {
			md.WithValueAttribute("maxptime", strconv.Itoa(p.MaxPtime))
		}
	}
	md.WithPropertyAttribute(dir)
	return md
}

// channels returns the rtpmap encoding parameter. Mono audio and video
// carry none.
func channels(kind string, p media.PayloadInfo) uint16 {
	if kind != "audio" || p.Channels <= 1 {
		return 0
	}
	return uint16(p.Channels)
}

// ParseDescription parses a remote SDP body into per-kind payload lists.
func ParseDescription(body []byte) (Description, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return Description{}, fmt.Errorf("sdp: %w", err)
	}

	var desc Description
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		desc.Address = sd.ConnectionInformation.Address.Address
	}

	for _, md := range sd.MediaDescriptions {
		var kind media.Kind
		switch md.MediaName.Media {
		case "audio":
			kind = media.Audio
		case "video":
			kind = media.Video
		default:
			continue
		}
		if desc.Section(kind) != nil {
			continue
		}

		sec, err := parseSection(kind, md)
		if err != nil {
			return Description{}, err
		}
		if desc.Address == "" && md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			desc.Address = md.ConnectionInformation.Address.Address
		}
		if kind == media.Audio {
			desc.Audio = sec
		} else {
			desc.Video = sec
		}
	}

	if desc.Audio == nil && desc.Video == nil {
		return Description{}, ErrNoMedia
	}
	return desc, nil
}

func parseSection(kind media.Kind, md *sdp.MediaDescription) (*Section, error) {
	sec := &Section{Port: md.MediaName.Port.Value, Direction: SendRecv}

	rtpmaps := make(map[uint8]string)
	fmtps := make(map[uint8]string)
	var ptime, maxptime int
	for _, a := range md.Attributes {
		switch a.Key {
		case "rtpmap", "fmtp":
			ptStr, rest, ok := strings.Cut(a.Value, " ")
			if !ok {
				continue
			}
			pt, err := strconv.ParseUint(ptStr, 10, 8)
			if err != nil {
				continue
			}
			if a.Key == "rtpmap" {
				rtpmaps[uint8(pt)] = rest
			} else {
				fmtps[uint8(pt)] = rest
			}
		case "ptime":
			ptime, _ = strconv.Atoi(a.Value)
		case "maxptime":
			maxptime, _ = strconv.Atoi(a.Value)
		case SendRecv, SendOnly, RecvOnly, Inactive:
			sec.Direction = a.Key
		}
	}

	for _, f := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("sdp: %s format %q: %w", kind, f, err)
		}
		info, ok := payloadFromRtpmap(uint8(pt), rtpmaps[uint8(pt)])
		if !ok {
			continue
		}
		info.Parameters = media.ParseFmtp(fmtps[uint8(pt)])
		if kind == media.Audio {
			info.Ptime = ptime
			info.MaxPtime = maxptime
			if info.Channels == 0 {
				info.Channels = 1
			}
		}
		sec.Payloads = append(sec.Payloads, info)
	}
	return sec, nil
}

// staticPayloads covers static types commonly sent without an rtpmap.
var staticPayloads = map[uint8]media.PayloadInfo{
	0: {ID: 0, Name: "PCMU", ClockRate: 8000, Channels: 1},
	8: {ID: 8, Name: "PCMA", ClockRate: 8000, Channels: 1},
}

// payloadFromRtpmap parses "name/clock[/channels]".
func payloadFromRtpmap(pt uint8, rtpmap string) (media.PayloadInfo, bool) {
	if rtpmap == "" {
		p, ok := staticPayloads[pt]
		return p, ok
	}
	parts := strings.Split(rtpmap, "/")
	if len(parts) < 2 {
		return media.PayloadInfo{}, false
	}
	clock, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return media.PayloadInfo{}, false
	}
	info := media.PayloadInfo{ID: pt, Name: strings.ToUpper(parts[0]), ClockRate: uint32(clock)}
	if len(parts) > 2 {
		if ch, err := strconv.Atoi(parts[2]); err == nil {
			info.Channels = ch
		}
	}
	return info, true
}
