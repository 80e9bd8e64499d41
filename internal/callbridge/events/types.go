// Package events provides session lifecycle event definitions and publishing
// infrastructure for status reports leaving a control pair.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

// EventType identifies the type of session event
type EventType string

const (
	// SessionStarted fires when a start request completed
	SessionStarted EventType = "session.started"
	// SessionUpdated fires when an update was applied
	SessionUpdated EventType = "session.updated"
	// SessionStopped fires when the session was torn down
	SessionStopped EventType = "session.stopped"
	// SessionFinished fires when file input reached its end
	SessionFinished EventType = "session.finished"
	// SessionError fires on a failed request or an engine fault
	SessionError EventType = "session.error"
)

// typeFor maps a status event to its event type.
func typeFor(e media.StatusEvent) EventType {
	switch e {
	case media.EventStarted:
		return SessionStarted
	case media.EventUpdated:
		return SessionUpdated
	case media.EventStopped:
		return SessionStopped
	case media.EventFinished:
		return SessionFinished
	default:
		return SessionError
	}
}

// Payload summarises one negotiated payload for consumers
type Payload struct {
	ID        uint8  `json:"id"`
	Name      string `json:"name"`
	ClockRate uint32 `json:"clock_rate"`
	Channels  int    `json:"channels,omitempty"`
	Fmtp      string `json:"fmtp,omitempty"`
}

// Event is a status report tagged with its session.
type Event struct {
	// EventID is a unique identifier for this event instance (for deduplication)
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	SessionID string    `json:"session_id"`

	CanTransmitAudio bool      `json:"can_transmit_audio"`
	CanTransmitVideo bool      `json:"can_transmit_video"`
	LocalAudio       []Payload `json:"local_audio,omitempty"`
	LocalVideo       []Payload `json:"local_video,omitempty"`
	RemoteAudio      []Payload `json:"remote_audio,omitempty"`
	RemoteVideo      []Payload `json:"remote_video,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	// Fatal is set when the error ended the session.
	Fatal bool `json:"fatal,omitempty"`

	// Status is the full report; not serialised.
	Status media.Status `json:"-"`
}

// NewStatusEvent wraps st for sessionID.
func NewStatusEvent(sessionID string, st media.Status) Event {
	e := Event{
		EventID:          uuid.New().String(),
		EventType:        typeFor(st.Event),
		EventTime:        time.Now().UTC(),
		SessionID:        sessionID,
		CanTransmitAudio: st.CanTransmitAudio,
		CanTransmitVideo: st.CanTransmitVideo,
		LocalAudio:       payloads(st.LocalAudioPayloadInfo),
		LocalVideo:       payloads(st.LocalVideoPayloadInfo),
		RemoteAudio:      payloads(st.RemoteAudioPayloadInfo),
		RemoteVideo:      payloads(st.RemoteVideoPayloadInfo),
		Status:           st.Clone(),
	}
	if st.Error {
		e.ErrorCode = st.ErrorCode.String()
		e.Message = st.Message
		e.Fatal = st.Fatal
	}
	return e
}

func payloads(in []media.PayloadInfo) []Payload {
	if len(in) == 0 {
		return nil
	}
	out := make([]Payload, len(in))
	for i, p := range in {
		out[i] = Payload{ID: p.ID, Name: p.Name, ClockRate: p.ClockRate, Channels: p.Channels, Fmtp: p.FmtpLine()}
	}
	return out
}

func (e Event) Type() EventType      { return e.EventType }
func (e Event) Timestamp() time.Time { return e.EventTime }

// Subject returns the routing subject.
// Format: callbridge.sessions.<session_id>.<event_type_suffix>
func (e Event) Subject() string {
	suffix := strings.TrimPrefix(string(e.EventType), "session.")
	return "callbridge.sessions." + e.SessionID + "." + suffix
}

// Terminal reports whether the event ends a session lifecycle.
func (e Event) Terminal() bool {
	return e.EventType == SessionStopped || (e.EventType == SessionError && e.Fatal)
}

// MarshalEvent encodes e as JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
