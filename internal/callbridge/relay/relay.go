// Package relay moves RTP and RTCP between an RTP channel and UDP sockets
// facing the remote peer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

// Channel is the packet surface a relay serves. *control.RTPChannel
// satisfies it.
type Channel interface {
	Kind() media.Kind
	Read() (media.Packet, bool)
	Write(p media.Packet)
	OnReadyRead(fn func()) (cancel func())
}

// Endpoint describes the sockets of one relay.
type Endpoint struct {
	LocalAddr string
	// LocalPort is the RTP port; RTCP uses LocalPort+1. Zero binds both to
	// ephemeral ports.
	LocalPort int

	// RemoteAddr and RemotePort locate the peer. When empty the peer is
	// learned from the first datagram received on each socket.
	RemoteAddr string
	RemotePort int
	// RemoteRTCPPort defaults to RemotePort+1.
	RemoteRTCPPort int
}

// Stats holds relay counters.
type Stats struct {
	PacketsOut int64
	PacketsIn  int64
	BytesOut   int64
	BytesIn    int64
	ReportsIn  int64
	Dropped    int64
}

// Relay forwards one media kind.
type Relay struct {
	ID string

	ch     Channel
	ep     Endpoint
	conns  [2]*net.UDPConn // index is the port offset
	remote [2]atomic.Pointer[net.UDPAddr]

	done      chan struct{}
	closeOnce sync.Once

	packetsOut atomic.Int64
	packetsIn  atomic.Int64
	bytesOut   atomic.Int64
	bytesIn    atomic.Int64
	reportsIn  atomic.Int64
	dropped    atomic.Int64
}

// New binds the relay sockets.
func New(ch Channel, ep Endpoint) (*Relay, error) {
	r := &Relay{
		ID:   "relay-" + uuid.New().String(),
		ch:   ch,
		ep:   ep,
		done: make(chan struct{}),
	}

	if ep.RemoteAddr != "" {
		ip := net.ParseIP(ep.RemoteAddr)
		if ip == nil {
			return nil, fmt.Errorf("invalid remote IP: %q", ep.RemoteAddr)
		}
		rtcpPort := ep.RemoteRTCPPort
		if rtcpPort == 0 {
			rtcpPort = ep.RemotePort + 1
		}
		r.remote[media.PortPrimary].Store(&net.UDPAddr{IP: ip, Port: ep.RemotePort})
		r.remote[media.PortAssociated].Store(&net.UDPAddr{IP: ip, Port: rtcpPort})
	}

	if err := r.bindSockets(); err != nil {
		return nil, fmt.Errorf("failed to bind sockets: %w", err)
	}

	slog.Info("[Relay] Created",
		"relay_id", r.ID,
		"kind", ch.Kind(),
		"local", r.conns[media.PortPrimary].LocalAddr().String(),
		"remote", fmt.Sprintf("%s:%d", ep.RemoteAddr, ep.RemotePort),
	)
	return r, nil
}

func (r *Relay) bindSockets() error {
	ip := net.IPv4zero
	if r.ep.LocalAddr != "" {
		if ip = net.ParseIP(r.ep.LocalAddr); ip == nil {
			return fmt.Errorf("invalid local IP: %q", r.ep.LocalAddr)
		}
	}
	for off := range r.conns {
		port := 0
		if r.ep.LocalPort != 0 {
			port = r.ep.LocalPort + off
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			r.closeConns()
			return fmt.Errorf("bind port %d: %w", port, err)
		}
		r.conns[off] = conn
	}
	return nil
}

// LocalPorts returns the bound RTP and RTCP ports.
func (r *Relay) LocalPorts() (rtpPort, rtcpPort int) {
	return r.conns[media.PortPrimary].LocalAddr().(*net.UDPAddr).Port,
		r.conns[media.PortAssociated].LocalAddr().(*net.UDPAddr).Port
}

// Run subscribes to the channel and forwards in both directions until ctx
// is done or Close is called.
func (r *Relay) Run(ctx context.Context) error {
	cancelRead := r.ch.OnReadyRead(r.flush)
	defer cancelRead()

	g, ctx := errgroup.WithContext(ctx)
	for off, conn := range r.conns {
		g.Go(func() error { return r.readLoop(ctx, off, conn) })
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-r.done:
		}
		r.Close()
		return nil
	})
	return g.Wait()
}

// Close stops the relay and releases its sockets.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.closeConns()
		stats := r.GetStats()
		slog.Info("[Relay] Destroyed",
			"relay_id", r.ID,
			"packets_out", stats.PacketsOut,
			"packets_in", stats.PacketsIn,
			"bytes_out", stats.BytesOut,
			"bytes_in", stats.BytesIn,
			"dropped", stats.Dropped,
		)
	})
}

func (r *Relay) closeConns() {
	for _, conn := range r.conns {
		if conn != nil {
			_ = conn.Close()
		}
	}
}

// flush runs on the application loop when the channel has packets.
func (r *Relay) flush() {
	for {
		p, ok := r.ch.Read()
		if !ok {
			return
		}
		r.send(p)
	}
}

func (r *Relay) send(p media.Packet) {
	off := p.PortOffset()
	if off != media.PortPrimary && off != media.PortAssociated {
		r.dropped.Add(1)
		return
	}
	dst := r.remote[off].Load()
	if dst == nil {
		r.dropped.Add(1)
		return
	}
	if _, err := r.conns[off].WriteToUDP(p.Bytes(), dst); err != nil {
		slog.Debug("[Relay] Write error", "relay_id", r.ID, "offset", off, "error", err)
		r.dropped.Add(1)
		return
	}
	r.packetsOut.Add(1)
	r.bytesOut.Add(int64(p.Len()))
}

func (r *Relay) readLoop(ctx context.Context, off int, conn *net.UDPConn) error {
	buf := make([]byte, 1500) // MTU-sized buffer

	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Debug("[Relay] Read error", "relay_id", r.ID, "offset", off, "error", err)
			continue
		}

		if r.remote[off].CompareAndSwap(nil, src) {
			slog.Info("[Relay] Learned remote", "relay_id", r.ID, "offset", off, "remote", src.String())
		}

		p := media.NewPacket(buf[:n], off)
		if off == media.PortAssociated {
			r.inspectRTCP(p)
		} else if r.packetsIn.Load() == 0 {
			slog.Info("[Relay] First packet",
				"relay_id", r.ID,
				"kind", r.ch.Kind(),
				"from", src.String(),
				"size", n,
			)
		}

		r.packetsIn.Add(1)
		r.bytesIn.Add(int64(n))
		r.ch.Write(p)
	}
}

func (r *Relay) inspectRTCP(p media.Packet) {
	pkts, err := rtcp.Unmarshal(p.Bytes())
	if err != nil {
		slog.Debug("[Relay] Malformed RTCP", "relay_id", r.ID, "error", err)
		return
	}
	for _, pkt := range pkts {
		if sr, ok := pkt.(*rtcp.SenderReport); ok {
			r.reportsIn.Add(1)
			slog.Debug("[Relay] Sender report",
				"relay_id", r.ID,
				"ssrc", sr.SSRC,
				"packets", sr.PacketCount,
				"octets", sr.OctetCount,
			)
		}
	}
}

// GetStats returns the current statistics for the relay.
func (r *Relay) GetStats() Stats {
	return Stats{
		PacketsOut: r.packetsOut.Load(),
		PacketsIn:  r.packetsIn.Load(),
		BytesOut:   r.bytesOut.Load(),
		BytesIn:    r.bytesIn.Load(),
		ReportsIn:  r.reportsIn.Load(),
		Dropped:    r.dropped.Load(),
	}
}
