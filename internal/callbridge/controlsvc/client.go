package controlsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/sebas/callbridge/internal/callbridge/events"
	"github.com/sebas/callbridge/internal/callbridge/media"
)

// ClientConfig holds gRPC client configuration.
type ClientConfig struct {
	Address           string
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:           "localhost:9090",
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
	}
}

// Client calls a SessionControl service.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for cfg.Address. Extra options are appended
// to the defaults.
func NewClient(cfg ClientConfig, extra ...grpc.DialOption) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.Address, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invokeStruct(ctx context.Context, method string, v any) error {
	req, err := toStruct(v)
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, fullMethod(method), req, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("%s RPC failed: %w", method, err)
	}
	return nil
}

// Start requests a session with the given devices and codecs.
func (c *Client) Start(ctx context.Context, devices media.Devices, codecs media.Codecs) error {
	return c.invokeStruct(ctx, "Start", StartRequest{Devices: devices, Codecs: codecs})
}

// Stop requests teardown of the session.
func (c *Client) Stop(ctx context.Context) error {
	if err := c.conn.Invoke(ctx, fullMethod("Stop"), &emptypb.Empty{}, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("Stop RPC failed: %w", err)
	}
	return nil
}

// UpdateDevices replaces the device selection.
func (c *Client) UpdateDevices(ctx context.Context, devices media.Devices) error {
	return c.invokeStruct(ctx, "UpdateDevices", devices)
}

// UpdateCodecs replaces the codec preferences and remote descriptors.
func (c *Client) UpdateCodecs(ctx context.Context, codecs media.Codecs) error {
	return c.invokeStruct(ctx, "UpdateCodecs", codecs)
}

// SetTransmit starts or pauses sending per media kind.
func (c *Client) SetTransmit(ctx context.Context, t media.Transmit) error {
	return c.invokeStruct(ctx, "SetTransmit", t)
}

// SetRecord toggles recording.
func (c *Client) SetRecord(ctx context.Context, r media.Record) error {
	return c.invokeStruct(ctx, "SetRecord", r)
}

// LocalDescription returns the SDP body describing the running session.
func (c *Client) LocalDescription(ctx context.Context) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, fullMethod("LocalDescription"), &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("LocalDescription RPC failed: %w", err)
	}
	return out.GetValue(), nil
}

// WatchStatus streams status events until ctx is cancelled or the server
// ends the stream. It returns once the server has attached the watcher.
func (c *Client) WatchStatus(ctx context.Context) (<-chan events.Event, error) {
	cs, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchStatus"))
	if err != nil {
		return nil, fmt.Errorf("WatchStatus RPC failed: %w", err)
	}
	stream := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: cs}
	if err := stream.Send(&emptypb.Empty{}); err != nil {
		return nil, fmt.Errorf("WatchStatus RPC failed: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("WatchStatus RPC failed: %w", err)
	}
	if _, err := stream.Header(); err != nil {
		return nil, fmt.Errorf("WatchStatus RPC failed: %w", err)
	}

	out := make(chan events.Event, 10)
	go func() {
		defer close(out)
		for {
			msg, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					slog.Error("[gRPC] WatchStatus stream error", "error", err)
				}
				return
			}
			ev, err := decodeEvent(msg)
			if err != nil {
				slog.Warn("[gRPC] Undecodable status event", "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
