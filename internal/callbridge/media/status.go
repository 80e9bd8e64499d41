package media

import "fmt"

// ErrorCode classifies a failure reported through Status.
type ErrorCode int

const (
	// ErrorGeneric is a construction or configuration failure.
	ErrorGeneric ErrorCode = iota
	// ErrorSystem is an underlying device or resource failure.
	ErrorSystem
	// ErrorCodec means negotiation produced no usable payload descriptors.
	ErrorCodec
)

// String returns the string representation of the code
func (c ErrorCode) String() string {
	switch c {
	case ErrorGeneric:
		return "Generic"
	case ErrorSystem:
		return "System"
	case ErrorCodec:
		return "Codec"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// StatusEvent names what a status report completes or announces.
type StatusEvent int

const (
	EventStarted StatusEvent = iota
	EventUpdated
	EventStopped
	EventFinished
	EventError
)

// String returns the string representation of the event
func (e StatusEvent) String() string {
	switch e {
	case EventStarted:
		return "Started"
	case EventUpdated:
		return "Updated"
	case EventStopped:
		return "Stopped"
	case EventFinished:
		return "Finished"
	case EventError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", e)
	}
}

// Status is a point-in-time report from a session worker. Spontaneous
// reports (finished, error) only carry Finished, Error and ErrorCode.
type Status struct {
	Event StatusEvent

	LocalAudioParams       AudioParams
	LocalVideoParams       VideoParams
	LocalAudioPayloadInfo  []PayloadInfo
	LocalVideoPayloadInfo  []PayloadInfo
	RemoteAudioPayloadInfo []PayloadInfo
	RemoteVideoPayloadInfo []PayloadInfo

	CanTransmitAudio bool
	CanTransmitVideo bool

	Stopped   bool
	Finished  bool
	Error     bool
	ErrorCode ErrorCode
	// Fatal marks an error that ended the session. A rejected request leaves
	// the session running and reports a non-fatal error.
	Fatal bool

	// Message is a human readable description of an error.
	Message string
}

// StoppedStatus returns the report emitted when a session has stopped.
func StoppedStatus() Status {
	return Status{Event: EventStopped, Stopped: true}
}

// FinishedStatus returns the report emitted at end of file input.
func FinishedStatus() Status {
	return Status{Event: EventFinished, Finished: true}
}

// ErrorStatus returns an error report.
func ErrorStatus(code ErrorCode, msg string) Status {
	return Status{Event: EventError, Error: true, ErrorCode: code, Message: msg}
}

// FatalStatus returns an error report for a failure that ended the session.
func FatalStatus(code ErrorCode, msg string) Status {
	st := ErrorStatus(code, msg)
	st.Fatal = true
	return st
}

// IsTerminal reports whether the status ends a session lifecycle.
func (s Status) IsTerminal() bool {
	return s.Stopped || (s.Error && s.Fatal)
}

// CanTransmit returns the transmit capability for kind.
func (s Status) CanTransmit(kind Kind) bool {
	switch kind {
	case Audio:
		return s.CanTransmitAudio
	case Video:
		return s.CanTransmitVideo
	}
	return false
}

// LocalPayloadInfo returns the local descriptors for kind.
func (s Status) LocalPayloadInfo(kind Kind) []PayloadInfo {
	switch kind {
	case Audio:
		return s.LocalAudioPayloadInfo
	case Video:
		return s.LocalVideoPayloadInfo
	}
	return nil
}

// Clone returns a deep copy.
func (s Status) Clone() Status {
	c := s
	c.LocalAudioPayloadInfo = ClonePayloadList(s.LocalAudioPayloadInfo)
	c.LocalVideoPayloadInfo = ClonePayloadList(s.LocalVideoPayloadInfo)
	c.RemoteAudioPayloadInfo = ClonePayloadList(s.RemoteAudioPayloadInfo)
	c.RemoteVideoPayloadInfo = ClonePayloadList(s.RemoteVideoPayloadInfo)
	return c
}

// String summarises the status for logs.
func (s Status) String() string {
	if s.Error {
		return fmt.Sprintf("%s(%s: %s)", s.Event, s.ErrorCode, s.Message)
	}
	return fmt.Sprintf("%s(audio=%v video=%v)", s.Event, s.CanTransmitAudio, s.CanTransmitVideo)
}
