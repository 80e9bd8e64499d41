// Package config loads the callbridge process configuration.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the callbridge configuration
type Config struct {
	// Control surface
	GRPCPort      int
	GRPCBindAddr  string
	AdvertiseAddr string // Address to advertise in SDP

	// Relay sockets
	RTPBindAddr string
	RTPPortMin  int
	RTPPortMax  int

	// Remote peer. A remote SDP file overrides address and ports.
	RemoteAddr      string
	RemoteAudioPort int
	RemoteVideoPort int
	RemoteSDPPath   string

	// Devices
	AudioIn        string
	AudioOut       string
	VideoIn        string
	FileIn         string
	LoopFile       bool
	AudioInVolume  int
	AudioOutVolume int

	// Codec preferences, most preferred first
	AudioCodecs []string
	VideoCodecs []string

	Transmit        bool
	RecordPath      string // received audio is appended here when set
	PacketQueueSize int

	// Session events
	LogEvents  bool
	EventsPath string // events are appended here as JSON lines when set

	LogLevel string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		// flag.ExitOnError has already reported the problem
		os.Exit(2)
	}
	return cfg
}

// Parse registers flags on fs, parses args and applies environment
// overrides read through getenv.
func Parse(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	var audioCodecs, videoCodecs string

	fs.IntVar(&cfg.GRPCPort, "grpc-port", 9090, "gRPC server port")
	fs.StringVar(&cfg.GRPCBindAddr, "bind", "0.0.0.0", "gRPC bind address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SDP (auto-detected if not set)")
	fs.StringVar(&cfg.RTPBindAddr, "rtp-bind", "0.0.0.0", "RTP socket bind address")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", 10000, "Minimum RTP port")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", 20000, "Maximum RTP port")
	fs.StringVar(&cfg.RemoteAddr, "remote", "", "Remote peer address (learned from first packet if not set)")
	fs.IntVar(&cfg.RemoteAudioPort, "remote-audio-port", 0, "Remote peer audio RTP port")
	fs.IntVar(&cfg.RemoteVideoPort, "remote-video-port", 0, "Remote peer video RTP port")
	fs.StringVar(&cfg.RemoteSDPPath, "remote-sdp", "", "Path to the remote peer's SDP description")
	fs.StringVar(&cfg.AudioIn, "audio-in", "", "Audio input device id")
	fs.StringVar(&cfg.AudioOut, "audio-out", "", "Audio output device id")
	fs.StringVar(&cfg.VideoIn, "video-in", "", "Video input device id")
	fs.StringVar(&cfg.FileIn, "file-in", "", "WAV file to send instead of an audio input")
	fs.BoolVar(&cfg.LoopFile, "loop-file", false, "Restart the input file at end of file")
	fs.IntVar(&cfg.AudioInVolume, "audio-in-volume", 100, "Audio input volume (0-100)")
	fs.IntVar(&cfg.AudioOutVolume, "audio-out-volume", 100, "Audio output volume (0-100)")
	fs.StringVar(&audioCodecs, "audio-codecs", "opus,pcmu,pcma", "Audio codec preferences (comma-separated)")
	fs.StringVar(&videoCodecs, "video-codecs", "vp8", "Video codec preferences (comma-separated)")
	fs.BoolVar(&cfg.Transmit, "transmit", true, "Transmit as soon as the session starts")
	fs.StringVar(&cfg.RecordPath, "record", "", "File to record received audio into")
	fs.IntVar(&cfg.PacketQueueSize, "packet-queue", 25, "Outgoing packets buffered per media kind")
	fs.BoolVar(&cfg.LogEvents, "log-events", true, "Log session events")
	fs.StringVar(&cfg.EventsPath, "events-file", "", "File to append session events to as JSON lines")
	fs.StringVar(&cfg.LogLevel, "loglevel", "debug", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Environment overrides
	envInt(getenv, "GRPC_PORT", &cfg.GRPCPort)
	envString(getenv, "BIND", &cfg.GRPCBindAddr)
	if v := getenv("ADVERTISE"); v != "" {
		cfg.AdvertiseAddr = v
	} else if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	envString(getenv, "RTP_BIND", &cfg.RTPBindAddr)
	envInt(getenv, "RTP_PORT_MIN", &cfg.RTPPortMin)
	envInt(getenv, "RTP_PORT_MAX", &cfg.RTPPortMax)
	envString(getenv, "REMOTE_ADDR", &cfg.RemoteAddr)
	envString(getenv, "REMOTE_SDP", &cfg.RemoteSDPPath)
	envString(getenv, "AUDIO_IN", &cfg.AudioIn)
	envString(getenv, "AUDIO_OUT", &cfg.AudioOut)
	envString(getenv, "VIDEO_IN", &cfg.VideoIn)
	envString(getenv, "FILE_IN", &cfg.FileIn)
	envString(getenv, "AUDIO_CODECS", &audioCodecs)
	envString(getenv, "VIDEO_CODECS", &videoCodecs)
	envString(getenv, "RECORD_PATH", &cfg.RecordPath)
	envString(getenv, "EVENTS_FILE", &cfg.EventsPath)
	envString(getenv, "LOGLEVEL", &cfg.LogLevel)

	cfg.AudioCodecs = parseList(audioCodecs)
	cfg.VideoCodecs = parseList(videoCodecs)
	return cfg, nil
}

// Validate checks ranges and combinations that would fail later.
func (c *Config) Validate() error {
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("%w: grpc port %d", ErrInvalid, c.GRPCPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMax > 65535 || c.RTPPortMax-c.RTPPortMin < 3 {
		return fmt.Errorf("%w: rtp port range %d-%d", ErrInvalid, c.RTPPortMin, c.RTPPortMax)
	}
	if net.ParseIP(c.RTPBindAddr) == nil {
		return fmt.Errorf("%w: rtp bind address %q", ErrInvalid, c.RTPBindAddr)
	}
	if c.RemoteAddr != "" && net.ParseIP(c.RemoteAddr) == nil {
		return fmt.Errorf("%w: remote address %q", ErrInvalid, c.RemoteAddr)
	}
	if c.FileIn != "" && c.AudioIn != "" {
		return fmt.Errorf("%w: file input and audio input are exclusive", ErrInvalid)
	}
	if c.PacketQueueSize < 1 {
		return fmt.Errorf("%w: packet queue size %d", ErrInvalid, c.PacketQueueSize)
	}
	if err := c.Devices().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Devices returns the configured device selection.
func (c *Config) Devices() media.Devices {
	return media.Devices{
		AudioOutID:     c.AudioOut,
		AudioInID:      c.AudioIn,
		VideoInID:      c.VideoIn,
		FileNameIn:     c.FileIn,
		LoopFile:       c.LoopFile,
		AudioOutVolume: c.AudioOutVolume,
		AudioInVolume:  c.AudioInVolume,
	}
}

// Codecs returns the configured local preferences as generic params.
func (c *Config) Codecs() media.Codecs {
	var codecs media.Codecs
	for _, name := range c.AudioCodecs {
		codecs.LocalAudioParams = append(codecs.LocalAudioParams, media.AudioParams{Codec: name})
	}
	for _, name := range c.VideoCodecs {
		codecs.LocalVideoParams = append(codecs.LocalVideoParams, media.VideoParams{Codec: name})
	}
	codecs.UseLocalAudioParams = len(codecs.LocalAudioParams) > 0
	codecs.UseLocalVideoParams = len(codecs.LocalVideoParams) > 0
	return codecs
}

func envString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func envInt(getenv func(string) string, key string, dst *int) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// parseList parses a comma-separated list, lower-casing entries
func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
