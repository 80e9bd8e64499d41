package loopback

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

// randUint32 returns a random value for SSRCs and initial timestamps
// (RFC 3550 section 5.1).
func randUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// ntpTime converts t to the 64-bit NTP format used in sender reports.
func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

// packetizer holds the RTP header state of one outgoing stream. It is only
// touched by the stream's pump goroutine.
type packetizer struct {
	ssrc      uint32
	seq       uint16
	timestamp uint32
	packets   uint32
	octets    uint32
}

func newPacketizer() *packetizer {
	return &packetizer{
		ssrc:      randUint32(),
		seq:       uint16(randUint32()),
		timestamp: randUint32(),
	}
}

// packet builds the next RTP packet for payload.
func (p *packetizer) packet(pt uint8, payload []byte, marker bool) (media.Packet, error) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: p.seq,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return media.Packet{}, err
	}
	p.seq++
	p.packets++
	p.octets += uint32(len(payload))
	return media.NewPacket(raw, media.PortPrimary), nil
}

// advance moves the media clock forward.
func (p *packetizer) advance(ticks uint32) {
	p.timestamp += ticks
}

// senderReport builds an RTCP sender report for the stream.
func (p *packetizer) senderReport(now time.Time) (media.Packet, error) {
	sr := &rtcp.SenderReport{
		SSRC:        p.ssrc,
		NTPTime:     ntpTime(now),
		RTPTime:     p.timestamp,
		PacketCount: p.packets,
		OctetCount:  p.octets,
	}
	raw, err := sr.Marshal()
	if err != nil {
		return media.Packet{}, err
	}
	return media.NewPacket(raw, media.PortAssociated), nil
}

// seqTracker counts received packets and losses with 16-bit rollover.
type seqTracker struct {
	started  bool
	last     uint16
	cycles   uint32
	received uint64
	lost     uint64
}

// update records seq and returns the extended sequence number.
func (s *seqTracker) update(seq uint16) uint32 {
	s.received++
	if !s.started {
		s.started = true
		s.last = seq
		return uint32(seq)
	}
	diff := int16(seq - s.last)
	if diff > 1 {
		s.lost += uint64(diff - 1)
	}
	if diff > 0 {
		if seq < s.last {
			s.cycles++
		}
		s.last = seq
	}
	return s.cycles<<16 | uint32(seq)
}
