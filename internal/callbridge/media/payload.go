package media

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Parameter is a single name/value codec parameter (an fmtp entry).
type Parameter struct {
	Name  string
	Value string
}

// PayloadInfo describes one negotiated RTP payload type.
type PayloadInfo struct {
	ID         uint8
	Name       string
	ClockRate  uint32
	Channels   int
	Ptime      int // ms
	MaxPtime   int // ms
	Parameters []Parameter
}

// Equal compares all fields. The parameter list is compared as an unordered
// multiset.
func (p PayloadInfo) Equal(o PayloadInfo) bool {
	if p.ID != o.ID ||
		p.Name != o.Name ||
		p.ClockRate != o.ClockRate ||
		p.Channels != o.Channels ||
		p.Ptime != o.Ptime ||
		p.MaxPtime != o.MaxPtime {
		return false
	}
	if len(p.Parameters) != len(o.Parameters) {
		return false
	}
	a := sortedParams(p.Parameters)
	b := sortedParams(o.Parameters)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedParams(in []Parameter) []Parameter {
	out := make([]Parameter, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Param returns the value of the first parameter named name.
func (p PayloadInfo) Param(name string) (string, bool) {
	for _, kv := range p.Parameters {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// Clone returns a copy that shares no memory with p.
func (p PayloadInfo) Clone() PayloadInfo {
	c := p
	if p.Parameters != nil {
		c.Parameters = make([]Parameter, len(p.Parameters))
		copy(c.Parameters, p.Parameters)
	}
	return c
}

// IsEmpty reports whether p carries no codec name.
func (p PayloadInfo) IsEmpty() bool {
	return p.Name == ""
}

// String returns an rtpmap-like representation.
func (p PayloadInfo) String() string {
	s := fmt.Sprintf("%d %s/%d", p.ID, p.Name, p.ClockRate)
	if p.Channels > 1 {
		s += fmt.Sprintf("/%d", p.Channels)
	}
	return s
}

// FmtpLine joins the parameters into an SDP fmtp value.
func (p PayloadInfo) FmtpLine() string {
	parts := make([]string, 0, len(p.Parameters))
	for _, kv := range p.Parameters {
		if kv.Value == "" {
			parts = append(parts, kv.Name)
			continue
		}
		parts = append(parts, kv.Name+"="+kv.Value)
	}
	return strings.Join(parts, ";")
}

// ParseFmtp splits an SDP fmtp value into parameters.
func ParseFmtp(line string) []Parameter {
	var params []Parameter
	for _, part := range strings.Split(line, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		params = append(params, Parameter{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return params
}

// CodecParameters converts p to pion's codec description for the given kind.
func (p PayloadInfo) CodecParameters(kind Kind) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    kind.String() + "/" + p.Name,
			ClockRate:   p.ClockRate,
			Channels:    uint16(p.Channels),
			SDPFmtpLine: p.FmtpLine(),
		},
		PayloadType: webrtc.PayloadType(p.ID),
	}
}

// PayloadInfoFromCodec builds a descriptor from pion's codec description.
// The codec name is taken from the MIME subtype as is.
func PayloadInfoFromCodec(c webrtc.RTPCodecParameters) PayloadInfo {
	name := c.MimeType
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	channels := int(c.Channels)
	if channels == 0 && strings.HasPrefix(strings.ToLower(c.MimeType), "audio/") {
		channels = 1
	}
	return PayloadInfo{
		ID:         uint8(c.PayloadType),
		Name:       name,
		ClockRate:  c.ClockRate,
		Channels:   channels,
		Parameters: ParseFmtp(c.SDPFmtpLine),
	}
}

// EqualPayloadLists compares two descriptor lists element by element.
func EqualPayloadLists(a, b []PayloadInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// ClonePayloadList deep-copies a descriptor list.
func ClonePayloadList(in []PayloadInfo) []PayloadInfo {
	if in == nil {
		return nil
	}
	out := make([]PayloadInfo, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}
