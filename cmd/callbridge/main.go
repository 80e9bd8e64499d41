package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/sebas/callbridge/internal/banner"
	"github.com/sebas/callbridge/internal/callbridge/config"
	"github.com/sebas/callbridge/internal/callbridge/control"
	"github.com/sebas/callbridge/internal/callbridge/controlsvc"
	"github.com/sebas/callbridge/internal/callbridge/engine/loopback"
	"github.com/sebas/callbridge/internal/callbridge/events"
	"github.com/sebas/callbridge/internal/callbridge/loop"
	"github.com/sebas/callbridge/internal/callbridge/media"
	"github.com/sebas/callbridge/internal/callbridge/portpool"
	"github.com/sebas/callbridge/internal/callbridge/relay"
	"github.com/sebas/callbridge/internal/callbridge/sdp"
	"github.com/sebas/callbridge/internal/logger"
)

// peer is where media for one kind is sent.
type peer struct {
	addr string
	port int
}

func main() {
	cfg := config.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		slog.Error("callbridge failed", "error", err)
		os.Exit(1)
	}
	slog.Info("callbridge stopped")
}

func run(cfg *config.Config) error {
	codecs := cfg.Codecs()
	peers := map[media.Kind]peer{
		media.Audio: {cfg.RemoteAddr, cfg.RemoteAudioPort},
		media.Video: {cfg.RemoteAddr, cfg.RemoteVideoPort},
	}
	if cfg.RemoteSDPPath != "" {
		desc, err := loadRemote(cfg.RemoteSDPPath)
		if err != nil {
			return err
		}
		remote := desc.Codecs()
		codecs.RemoteAudioPayloadInfo = remote.RemoteAudioPayloadInfo
		codecs.RemoteVideoPayloadInfo = remote.RemoteVideoPayloadInfo
		for _, kind := range media.Kinds {
			if sec := desc.Section(kind); sec != nil {
				peers[kind] = peer{desc.Address, sec.Port}
			}
		}
	}

	engineLoop := loop.New("engine")
	appLoop := loop.New("app")
	defer func() {
		engineLoop.Close()
		appLoop.Close()
		<-engineLoop.Done()
		<-appLoop.Done()
	}()

	local, err := control.New(engineLoop, appLoop, loopback.New(loopback.Options{}),
		control.WithPacketQueueSize(cfg.PacketQueueSize))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer local.Destroy()

	pub, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer pub.Close()
	cancelStatus := local.OnStatus(func(st media.Status) {
		pub.PublishAsync(events.NewStatusEvent(local.ID(), st))
	})
	defer cancelStatus()

	if cfg.RecordPath != "" {
		f, err := os.OpenFile(cfg.RecordPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open record file: %w", err)
		}
		defer f.Close()
		cancelRecord := local.OnRecordData(func(b []byte) {
			if _, err := f.Write(b); err != nil {
				slog.Warn("Record write failed", "path", cfg.RecordPath, "error", err)
			}
		})
		defer cancelRecord()
	}

	pool := portpool.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax)
	relays := make(map[media.Kind]*relay.Relay)
	for _, kind := range media.Kinds {
		port, _, err := pool.Allocate()
		if err != nil {
			return fmt.Errorf("allocate %s ports: %w", kind, err)
		}
		defer pool.Release(port)

		ep := relay.Endpoint{LocalAddr: cfg.RTPBindAddr, LocalPort: port}
		if p := peers[kind]; p.addr != "" && p.port != 0 {
			ep.RemoteAddr, ep.RemotePort = p.addr, p.port
		}
		r, err := relay.New(local.Channel(kind), ep)
		if err != nil {
			return fmt.Errorf("create %s relay: %w", kind, err)
		}
		defer r.Close()
		relays[kind] = r
	}
	audioPort, _ := relays[media.Audio].LocalPorts()
	videoPort, _ := relays[media.Video].LocalPorts()

	listenAddr := fmt.Sprintf("%s:%d", cfg.GRPCBindAddr, cfg.GRPCPort)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	grpcServer := grpc.NewServer()
	controlsvc.RegisterSessionControlServer(grpcServer, controlsvc.NewServer(local, controlsvc.Config{
		AdvertiseAddr: cfg.AdvertiseAddr,
		AudioPort:     audioPort,
		VideoPort:     videoPort,
	}))

	banner.Print("callbridge", []banner.ConfigLine{
		{Label: "Session", Value: local.ID()},
		{Label: "gRPC", Value: listenAddr},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "RTP bind", Value: cfg.RTPBindAddr},
		{Label: "Audio RTP", Value: fmt.Sprint(audioPort)},
		{Label: "Video RTP", Value: fmt.Sprint(videoPort)},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("gRPC server listening", "address", listenAddr)
		return grpcServer.Serve(listener)
	})
	for kind, r := range relays {
		g.Go(func() error {
			if err := r.Run(ctx); err != nil {
				return fmt.Errorf("%s relay: %w", kind, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down")
		_ = local.Stop()
		grpcServer.GracefulStop()
		for _, r := range relays {
			r.Close()
		}
		return nil
	})

	if err := local.Start(cfg.Devices(), codecs); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("start session: %w", err)
	}
	if cfg.Transmit {
		_ = local.SetTransmit(media.Transmit{Audio: true, Video: true})
	}
	if cfg.RecordPath != "" {
		_ = local.SetRecord(media.Record{Enabled: true})
	}

	return g.Wait()
}

// newPublisher builds the status event sinks selected by cfg.
func newPublisher(cfg *config.Config) (events.Publisher, error) {
	var logPub events.Publisher = events.NewNoopPublisher()
	if cfg.LogEvents {
		logPub = events.NewLoggingPublisher(slog.Default())
	}
	if cfg.EventsPath == "" {
		return logPub, nil
	}
	f, err := os.OpenFile(cfg.EventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	return events.NewMultiPublisher(logPub, events.NewWriterPublisher(f)), nil
}

func loadRemote(path string) (sdp.Description, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return sdp.Description{}, fmt.Errorf("read remote description: %w", err)
	}
	desc, err := sdp.ParseDescription(body)
	if err != nil {
		return sdp.Description{}, fmt.Errorf("parse remote description %s: %w", path, err)
	}
	slog.Info("Loaded remote description",
		"path", path,
		"address", desc.Address,
		"audio", desc.Section(media.Audio) != nil,
		"video", desc.Section(media.Video) != nil,
	)
	return desc, nil
}
