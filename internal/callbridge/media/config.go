package media

import (
	"errors"
	"fmt"
)

// Validation errors for configuration values.
var (
	// ErrInvalidVolume indicates a volume outside 0-100.
	ErrInvalidVolume = errors.New("volume out of range")

	// ErrConflictingInput indicates both a file path and file bytes were given.
	ErrConflictingInput = errors.New("file name and file data are mutually exclusive")

	// ErrConflictingCodecs indicates local params and local payload info were
	// both selected for the same media kind.
	ErrConflictingCodecs = errors.New("local params and local payload info are mutually exclusive")

	// ErrInvalidKind indicates a media kind other than audio or video.
	ErrInvalidKind = errors.New("invalid media kind")
)

// AudioParams is a generic audio preference.
type AudioParams struct {
	Codec      string
	SampleRate int
	SampleSize int // bits
	Channels   int
}

// VideoParams is a generic video preference.
type VideoParams struct {
	Codec  string
	Width  int
	Height int
	FPS    int
}

// Devices selects the capture and playback endpoints of a session.
type Devices struct {
	AudioOutID     string
	AudioInID      string
	VideoInID      string
	FileNameIn     string
	FileDataIn     []byte
	LoopFile       bool
	AudioOutVolume int // 0-100
	AudioInVolume  int // 0-100
}

// DefaultDevices returns devices with full volumes and no endpoints.
func DefaultDevices() Devices {
	return Devices{AudioOutVolume: 100, AudioInVolume: 100}
}

// Validate checks volumes and input exclusivity.
func (d Devices) Validate() error {
	if d.AudioOutVolume < 0 || d.AudioOutVolume > 100 {
		return fmt.Errorf("audio out volume %d: %w", d.AudioOutVolume, ErrInvalidVolume)
	}
	if d.AudioInVolume < 0 || d.AudioInVolume > 100 {
		return fmt.Errorf("audio in volume %d: %w", d.AudioInVolume, ErrInvalidVolume)
	}
	if d.FileNameIn != "" && len(d.FileDataIn) > 0 {
		return ErrConflictingInput
	}
	return nil
}

// HasFileInput reports whether a file is the media source.
func (d Devices) HasFileInput() bool {
	return d.FileNameIn != "" || len(d.FileDataIn) > 0
}

// HasInput reports whether any local source is configured.
func (d Devices) HasInput() bool {
	return d.AudioInID != "" || d.VideoInID != "" || d.HasFileInput()
}

// Clone returns a copy that shares no memory with d.
func (d Devices) Clone() Devices {
	c := d
	if d.FileDataIn != nil {
		c.FileDataIn = make([]byte, len(d.FileDataIn))
		copy(c.FileDataIn, d.FileDataIn)
	}
	return c
}

// Codecs carries local codec preferences and remote payload descriptors.
// For each media kind local preferences are expressed either as params or as
// payload info, never both.
type Codecs struct {
	UseLocalAudioParams      bool
	UseLocalVideoParams      bool
	UseLocalAudioPayloadInfo bool
	UseLocalVideoPayloadInfo bool

	LocalAudioParams []AudioParams
	LocalVideoParams []VideoParams

	LocalAudioPayloadInfo  []PayloadInfo
	LocalVideoPayloadInfo  []PayloadInfo
	RemoteAudioPayloadInfo []PayloadInfo
	RemoteVideoPayloadInfo []PayloadInfo
}

// Validate enforces the params/payload-info exclusivity per media kind.
func (c Codecs) Validate() error {
	if c.UseLocalAudioParams && c.UseLocalAudioPayloadInfo {
		return fmt.Errorf("audio: %w", ErrConflictingCodecs)
	}
	if c.UseLocalVideoParams && c.UseLocalVideoPayloadInfo {
		return fmt.Errorf("video: %w", ErrConflictingCodecs)
	}
	return nil
}

// HasLocal reports whether a local preference exists for kind.
func (c Codecs) HasLocal(kind Kind) bool {
	switch kind {
	case Audio:
		return (c.UseLocalAudioParams && len(c.LocalAudioParams) > 0) ||
			(c.UseLocalAudioPayloadInfo && len(c.LocalAudioPayloadInfo) > 0)
	case Video:
		return (c.UseLocalVideoParams && len(c.LocalVideoParams) > 0) ||
			(c.UseLocalVideoPayloadInfo && len(c.LocalVideoPayloadInfo) > 0)
	}
	return false
}

// HasRemote reports whether remote payload descriptors exist for kind.
func (c Codecs) HasRemote(kind Kind) bool {
	return len(c.Remote(kind)) > 0
}

// Remote returns the remote payload descriptors for kind.
func (c Codecs) Remote(kind Kind) []PayloadInfo {
	switch kind {
	case Audio:
		return c.RemoteAudioPayloadInfo
	case Video:
		return c.RemoteVideoPayloadInfo
	}
	return nil
}

// LocalPayloadInfo returns the local payload descriptors for kind when that
// representation is selected.
func (c Codecs) LocalPayloadInfo(kind Kind) []PayloadInfo {
	switch kind {
	case Audio:
		if c.UseLocalAudioPayloadInfo {
			return c.LocalAudioPayloadInfo
		}
	case Video:
		if c.UseLocalVideoPayloadInfo {
			return c.LocalVideoPayloadInfo
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c Codecs) Clone() Codecs {
	out := c
	if c.LocalAudioParams != nil {
		out.LocalAudioParams = append([]AudioParams(nil), c.LocalAudioParams...)
	}
	if c.LocalVideoParams != nil {
		out.LocalVideoParams = append([]VideoParams(nil), c.LocalVideoParams...)
	}
	out.LocalAudioPayloadInfo = ClonePayloadList(c.LocalAudioPayloadInfo)
	out.LocalVideoPayloadInfo = ClonePayloadList(c.LocalVideoPayloadInfo)
	out.RemoteAudioPayloadInfo = ClonePayloadList(c.RemoteAudioPayloadInfo)
	out.RemoteVideoPayloadInfo = ClonePayloadList(c.RemoteVideoPayloadInfo)
	return out
}

// Transmit selects which media kinds are sent.
type Transmit struct {
	Audio bool
	Video bool
}

// Enabled returns the flag for kind.
func (t Transmit) Enabled(kind Kind) bool {
	switch kind {
	case Audio:
		return t.Audio
	case Video:
		return t.Video
	}
	return false
}

// Record toggles recording of received audio.
type Record struct {
	Enabled bool
}

// Output toggles engine-side packet production for one media kind.
type Output struct {
	Kind    Kind
	Enabled bool
}
