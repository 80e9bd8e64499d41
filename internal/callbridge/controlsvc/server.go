package controlsvc

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/sebas/callbridge/internal/callbridge/control"
	"github.com/sebas/callbridge/internal/callbridge/events"
	"github.com/sebas/callbridge/internal/callbridge/media"
	"github.com/sebas/callbridge/internal/callbridge/sdp"
)

// Config holds the addressing used for local descriptions.
type Config struct {
	AdvertiseAddr string
	AudioPort     int
	VideoPort     int
	// WatchBuffer is the per-watcher event buffer. Zero uses the
	// publisher default.
	WatchBuffer int
}

// Server implements SessionControlServer on top of a control.Local.
type Server struct {
	local *control.Local
	cfg   Config
}

var _ SessionControlServer = (*Server)(nil)

// NewServer creates a control server for local.
func NewServer(local *control.Local, cfg Config) *Server {
	return &Server{local: local, cfg: cfg}
}

// Start implements SessionControlServer.Start.
func (s *Server) Start(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r, err := decodeStart(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	slog.Info("[gRPC] Start",
		"session_id", s.local.ID(),
		"audio_in", r.Devices.AudioInID,
		"video_in", r.Devices.VideoInID,
		"file_in", r.Devices.FileNameIn,
	)
	return empty(s.local.Start(r.Devices, r.Codecs))
}

// Stop implements SessionControlServer.Stop.
func (s *Server) Stop(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	slog.Info("[gRPC] Stop", "session_id", s.local.ID())
	return empty(s.local.Stop())
}

// UpdateDevices implements SessionControlServer.UpdateDevices.
func (s *Server) UpdateDevices(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	d, err := decodeDevices(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	slog.Debug("[gRPC] UpdateDevices", "session_id", s.local.ID())
	return empty(s.local.UpdateDevices(d))
}

// UpdateCodecs implements SessionControlServer.UpdateCodecs.
func (s *Server) UpdateCodecs(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	var c media.Codecs
	if err := fromStruct(req, &c); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	slog.Debug("[gRPC] UpdateCodecs", "session_id", s.local.ID())
	return empty(s.local.UpdateCodecs(c))
}

// SetTransmit implements SessionControlServer.SetTransmit.
func (s *Server) SetTransmit(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	var t media.Transmit
	if err := fromStruct(req, &t); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	slog.Debug("[gRPC] SetTransmit", "session_id", s.local.ID(), "audio", t.Audio, "video", t.Video)
	return empty(s.local.SetTransmit(t))
}

// SetRecord implements SessionControlServer.SetRecord.
func (s *Server) SetRecord(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	var r media.Record
	if err := fromStruct(req, &r); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	slog.Debug("[gRPC] SetRecord", "session_id", s.local.ID(), "enabled", r.Enabled)
	return empty(s.local.SetRecord(r))
}

// LocalDescription implements SessionControlServer.LocalDescription. It
// returns an SDP body for the negotiated local payloads of the running
// session.
func (s *Server) LocalDescription(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	if s.local.Destroyed() {
		return nil, status.Error(codes.Unavailable, control.ErrDestroyed.Error())
	}
	st, ok := s.local.Status()
	if !ok {
		return nil, status.Error(codes.FailedPrecondition, "session not running")
	}

	dir := sdp.SendRecv
	if !st.CanTransmitAudio && !st.CanTransmitVideo {
		dir = sdp.RecvOnly
	}
	body, err := sdp.BuildOffer(sdp.Endpoint{
		Address:   s.cfg.AdvertiseAddr,
		AudioPort: s.cfg.AudioPort,
		VideoPort: s.cfg.VideoPort,
		Direction: dir,
	}, st.LocalAudioPayloadInfo, st.LocalVideoPayloadInfo)
	if err != nil {
		if errors.Is(err, sdp.ErrNoMedia) {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(body), nil
}

// WatchStatus implements SessionControlServer.WatchStatus. Status reports
// are streamed until the client goes away.
func (s *Server) WatchStatus(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s.local.Destroyed() {
		return status.Error(codes.Unavailable, control.ErrDestroyed.Error())
	}

	pub := events.NewChannelPublisher(s.cfg.WatchBuffer)
	defer pub.Close()

	id := s.local.ID()
	cancel := s.local.OnStatus(func(st media.Status) {
		pub.PublishAsync(events.NewStatusEvent(id, st))
	})
	defer cancel()

	// Headers tell the client the subscription is in place.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}
	slog.Debug("[gRPC] WatchStatus attached", "session_id", id)
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("[gRPC] WatchStatus detached", "session_id", id, "dropped", pub.DroppedCount())
			return nil
		case ev := <-pub.Events():
			msg, err := toStruct(ev)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				slog.Error("[gRPC] Failed to send status event", "error", err)
				return err
			}
		}
	}
}

func empty(err error) (*emptypb.Empty, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, control.ErrDestroyed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, media.ErrInvalidVolume),
		errors.Is(err, media.ErrConflictingInput),
		errors.Is(err, media.ErrConflictingCodecs),
		errors.Is(err, media.ErrInvalidKind):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
