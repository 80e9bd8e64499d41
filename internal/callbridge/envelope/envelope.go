// Package envelope defines the control messages exchanged between the
// application and engine contexts and the inbox that carries them.
package envelope

import (
	"errors"
	"fmt"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

// ErrPayloadMismatch indicates an envelope whose payload does not match its kind.
var ErrPayloadMismatch = errors.New("envelope payload does not match kind")

// Kind tags an envelope.
type Kind int

const (
	KindStart Kind = iota
	KindStop
	KindUpdateDevices
	KindUpdateCodecs
	KindTransmit
	KindRecord
	KindStatus
	KindOutput
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "Start"
	case KindStop:
		return "Stop"
	case KindUpdateDevices:
		return "UpdateDevices"
	case KindUpdateCodecs:
		return "UpdateCodecs"
	case KindTransmit:
		return "Transmit"
	case KindRecord:
		return "Record"
	case KindStatus:
		return "Status"
	case KindOutput:
		return "Output"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Envelope is a one-way control message. Payloads are private copies owned
// by whoever holds the envelope.
type Envelope struct {
	Kind Kind

	Devices  *media.Devices
	Codecs   *media.Codecs
	Transmit *media.Transmit
	Record   *media.Record
	Status   *media.Status
	Output   *media.Output
}

// NewStart builds a start request.
func NewStart(devices media.Devices, codecs media.Codecs) *Envelope {
	d := devices.Clone()
	c := codecs.Clone()
	return &Envelope{Kind: KindStart, Devices: &d, Codecs: &c}
}

// NewStop builds a stop request.
func NewStop() *Envelope {
	return &Envelope{Kind: KindStop}
}

// NewUpdateDevices builds a device update request.
func NewUpdateDevices(devices media.Devices) *Envelope {
	d := devices.Clone()
	return &Envelope{Kind: KindUpdateDevices, Devices: &d}
}

// NewUpdateCodecs builds a codec update request.
func NewUpdateCodecs(codecs media.Codecs) *Envelope {
	c := codecs.Clone()
	return &Envelope{Kind: KindUpdateCodecs, Codecs: &c}
}

// NewTransmit builds a transmit/pause request.
func NewTransmit(t media.Transmit) *Envelope {
	return &Envelope{Kind: KindTransmit, Transmit: &t}
}

// NewRecord builds a record request.
func NewRecord(r media.Record) *Envelope {
	return &Envelope{Kind: KindRecord, Record: &r}
}

// NewStatus builds a status report.
func NewStatus(s media.Status) *Envelope {
	c := s.Clone()
	return &Envelope{Kind: KindStatus, Status: &c}
}

// NewOutput builds a packet output enable/disable request.
func NewOutput(kind media.Kind, enabled bool) *Envelope {
	return &Envelope{Kind: KindOutput, Output: &media.Output{Kind: kind, Enabled: enabled}}
}

// Validate checks that the payloads required by the kind are present.
func (e *Envelope) Validate() error {
	ok := true
	switch e.Kind {
	case KindStart:
		ok = e.Devices != nil && e.Codecs != nil
	case KindStop:
	case KindUpdateDevices:
		ok = e.Devices != nil
	case KindUpdateCodecs:
		ok = e.Codecs != nil
	case KindTransmit:
		ok = e.Transmit != nil
	case KindRecord:
		ok = e.Record != nil
	case KindStatus:
		ok = e.Status != nil
	case KindOutput:
		ok = e.Output != nil && media.ValidKind(e.Output.Kind)
	default:
		ok = false
	}
	if !ok {
		return fmt.Errorf("%s: %w", e.Kind, ErrPayloadMismatch)
	}
	return nil
}
