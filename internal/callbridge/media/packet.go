package media

import (
	"github.com/pion/rtp"
)

// Port offsets of a packet within its session.
const (
	PortPrimary    = 0 // RTP
	PortAssociated = 1 // RTCP
)

// Packet is an immutable RTP or RTCP datagram tagged with its port offset.
type Packet struct {
	data       []byte
	portOffset int
}

// NewPacket copies data into a new packet. The caller may reuse data.
func NewPacket(data []byte, portOffset int) Packet {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Packet{data: buf, portOffset: portOffset}
}

// Bytes returns the packet contents. The slice must not be modified.
func (p Packet) Bytes() []byte {
	return p.data
}

// PortOffset returns 0 for the primary stream, 1 for the associated stream.
func (p Packet) PortOffset() int {
	return p.portOffset
}

// Len returns the payload length in bytes.
func (p Packet) Len() int {
	return len(p.data)
}

// IsEmpty reports whether the packet carries no bytes.
func (p Packet) IsEmpty() bool {
	return len(p.data) == 0
}

// IsRTCP reports whether the packet travels on the associated port.
func (p Packet) IsRTCP() bool {
	return p.portOffset == PortAssociated
}

// Header parses the RTP header.
func (p Packet) Header() (rtp.Header, error) {
	var h rtp.Header
	if _, err := h.Unmarshal(p.data); err != nil {
		return rtp.Header{}, err
	}
	return h, nil
}

// RTP parses the full RTP packet. The returned payload aliases the packet
// bytes and must not be modified.
func (p Packet) RTP() (*rtp.Packet, error) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(p.data); err != nil {
		return nil, err
	}
	return pkt, nil
}
