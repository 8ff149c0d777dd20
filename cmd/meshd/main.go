//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overlaynet/meshd/internal/adminapi"
	"github.com/overlaynet/meshd/internal/cipher"
	"github.com/overlaynet/meshd/internal/config"
	"github.com/overlaynet/meshd/internal/directory"
	"github.com/overlaynet/meshd/internal/igmp"
	"github.com/overlaynet/meshd/internal/metering"
	"github.com/overlaynet/meshd/internal/metrics"
	"github.com/overlaynet/meshd/internal/nat"
	"github.com/overlaynet/meshd/internal/platform"
	"github.com/overlaynet/meshd/internal/punch"
	"github.com/overlaynet/meshd/internal/registrar"
	"github.com/overlaynet/meshd/internal/routetable"
	"github.com/overlaynet/meshd/internal/scheduler"
	"github.com/overlaynet/meshd/internal/transport"
	"github.com/overlaynet/meshd/internal/tunnel"
	"github.com/overlaynet/meshd/internal/wire"
)

const (
	punchInterval    = 2 * time.Second
	rendezvousPeriod = 5 * time.Second
	evictInterval    = 10 * time.Second
	defaultMTU       = 1400
)

var (
	configPath    = flag.String("config", "/etc/meshd/config.json", "path to the node's JSON config file")
	deviceName    = flag.String("device", "meshd0", "name of the TUN/TAP interface to create")
	verbose       = flag.Bool("v", false, "enable debug logging")
	adminSock     = flag.String("admin-sock", "/var/run/meshd/meshd.sock", "unix socket path for the read-only admin API")
	metricsEnable = flag.Bool("metrics-enable", false, "enable the prometheus metrics endpoint")
	metricsAddr   = flag.String("metrics-addr", "localhost:9090", "address to listen on for prometheus metrics")
)

func main() {
	flag.Parse()
	logger := newLogger(*verbose)
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	snap, err := cfg.Parse()
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	mtu := defaultMTU
	if snap.MTUOverride != nil {
		mtu = *snap.MTUOverride
	}

	keys, err := cipher.DeriveKeys(snap.Token)
	if err != nil {
		return fmt.Errorf("deriving keys: %w", err)
	}
	transform, err := cipher.NewTransform(snap.CipherModel, keys.Body)
	if err != nil {
		return fmt.Errorf("building cipher transform: %w", err)
	}

	serverAddr, err := net.ResolveUDPAddr("udp4", snap.ServerAddr)
	if err != nil {
		return fmt.Errorf("resolving server_addr %q: %w", snap.ServerAddr, err)
	}

	dir := directory.New()
	table := routetable.New(snap.ChannelNum,
		routetable.WithFirstLatency(snap.FirstLatency),
		routetable.WithUseChannel(snap.UseChannel),
	)

	mainSockets, err := transport.ListenUDPSockets(snap.ChannelNum)
	if err != nil {
		return fmt.Errorf("opening udp sockets: %w", err)
	}
	defer func() { _ = transport.CloseSockets(mainSockets) }()

	channelOpts := []transport.Option{}
	if snap.PacketLossRate > 0 {
		channelOpts = append(channelOpts, transport.WithPacketLossRate(snap.PacketLossRate))
	}
	if snap.PacketDelayMs > 0 {
		channelOpts = append(channelOpts, transport.WithPacketDelay(time.Duration(snap.PacketDelayMs)*time.Millisecond))
	}
	channel := transport.New(mainSockets, nil, nil, nil, table, channelOpts...)

	prober := nat.NewProber(channel, snap.StunServers)
	stunRecv := make(chan []byte, 64)
	if len(snap.StunServers) > 0 {
		localPort := uint16(mainSockets[0].LocalAddr().(*net.UDPAddr).Port)
		if err := prober.Probe(ctx, stunRecv, nil, localPort); err != nil {
			logger.Warn("initial nat probe failed", "error", err)
		}
	}

	regConn, err := net.Dial("tcp", snap.ServerAddr)
	if err != nil {
		return fmt.Errorf("dialing registrar at %s: %w", snap.ServerAddr, err)
	}
	defer func() { _ = regConn.Close() }()

	hostname, _ := os.Hostname()
	deviceID := snap.DeviceID
	if deviceID == "" {
		deviceID = hostname
	}
	regCfg := registrar.Config{
		Token:      snap.Token,
		DeviceName: snap.DeviceName,
		DeviceID:   deviceID,
	}
	cb := &fatalCallback{log: logger, stop: stop}
	client := registrar.New(registrar.NewTCPConn(regConn), regCfg, cb, prober.NatInfo, dir)

	go func() { _ = client.Run(ctx) }()
	go func() { _ = client.RunHeartbeat(ctx) }()

	assignment, err := waitForAssignment(ctx, client)
	if err != nil {
		return fmt.Errorf("waiting for registrar assignment: %w", err)
	}
	logger.Info("registrar assignment received", "virtual_ip", assignment.VirtualIP, "gateway", assignment.VirtualGateway)

	puncher := punch.New(assignment.VirtualIP, prober.NatInfo, channel, table, snap.ChannelNum)

	var membership igmp.MembershipSource
	if !snap.TapMode {
		membership = igmp.New()
	}

	var pumpOpts []tunnel.Option
	pumpOpts = append(pumpOpts, tunnel.WithCompression(snap.Compression))
	pumpOpts = append(pumpOpts, tunnel.WithCipher(transform, keys))
	pumpOpts = append(pumpOpts, tunnel.WithExternalRoutes(snap.ExternalRoutes))
	pumpOpts = append(pumpOpts, tunnel.WithLogger(logger))
	if membership != nil {
		pumpOpts = append(pumpOpts, tunnel.WithMembershipSource(membership))
	}
	if len(snap.ProxyEntries) > 0 {
		proxyTable := tunnel.NewProxyTable(snap.ProxyEntries)
		defer proxyTable.Close()
		pumpOpts = append(pumpOpts, tunnel.WithProxyTable(proxyTable))
	}
	meterManager := metering.NewManager(10*time.Second, 60)
	pumpOpts = append(pumpOpts, tunnel.WithMeter(metrics.NewTunnelRecorder(meterManager)))
	pumpOpts = append(pumpOpts, tunnel.WithConnected(func() bool {
		a := client.Assignment()
		return a.VirtualIP.IsValid()
	}))

	var tapGatewayMAC net.HardwareAddr
	if snap.TapMode {
		tapGatewayMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
		pumpOpts = append(pumpOpts, tunnel.WithTapMode(tapGatewayMAC))
	}

	dev, err := platform.OpenTun(*deviceName, snap.TapMode)
	if err != nil {
		return fmt.Errorf("opening tun/tap device: %w", err)
	}
	defer func() { _ = dev.Close() }()

	bits, ok := netmaskBits(assignment.VirtualNetmask)
	if !ok {
		bits = 32
	}
	if err := platform.ConfigureAddr(dev.Name, netip.PrefixFrom(assignment.VirtualIP, bits)); err != nil {
		return fmt.Errorf("configuring device address: %w", err)
	}

	selfFn := func() tunnel.CurrentDevice {
		a := client.Assignment()
		bits, ok := netmaskBits(a.VirtualNetmask)
		if !ok {
			bits = 32
		}
		network := netip.PrefixFrom(a.VirtualIP, bits)
		return tunnel.CurrentDevice{
			VirtualIP:      a.VirtualIP,
			VirtualGateway: a.VirtualGateway,
			Network:        network,
			ConnectServer:  serverAddr,
		}
	}
	pump := tunnel.New(dev, channel, table, selfFn, pumpOpts...)

	sched := scheduler.New(logger)

	go readLoops(ctx, logger, mainSockets, channel, serverAddr, puncher, pump, stunRecv, snap.StunServers)
	go func() {
		if err := pump.RunTX(mtu); err != nil && ctx.Err() == nil {
			logger.Error("tunnel pump stopped", "error", err)
		}
	}()

	schedulePunchLoop(sched, logger, dir, puncher, channel, serverAddr, client.Assignment)
	scheduleEvictLoop(sched, table)
	go sched.Run(ctx)

	admin := adminapi.New(
		statusProvider{client: client, dir: dir},
		routeLister{table: table, dir: dir},
		dir,
		adminapi.WithSockPath(*adminSock),
		adminapi.WithBaseContext(ctx),
	)
	go func() {
		if err := admin.ListenAndServe(); err != nil && ctx.Err() == nil {
			logger.Error("admin api stopped", "error", err)
		}
	}()
	defer func() { _ = admin.Close() }()

	if *metricsEnable {
		go serveMetrics(logger, *metricsAddr)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// fatalCallback wires the registrar's trust gate and fatal-error reporting
// to process shutdown.
type fatalCallback struct {
	log  *slog.Logger
	stop context.CancelFunc
}

func (c *fatalCallback) Handshake(info registrar.HandshakeInfo) bool {
	c.log.Info("registrar handshake", "server_version", info.ServerVersion)
	return true
}

func (c *fatalCallback) Fatal(err error) {
	c.log.Error("registrar fatal error", "error", err)
	c.stop()
}

// readLoops starts one inbound UDP dispatcher goroutine per main socket,
// demultiplexing STUN responses, control frames, and data-plane frames.
func readLoops(ctx context.Context, logger *slog.Logger, socks []*net.UDPConn, channel *transport.Channel, serverAddr *net.UDPAddr, puncher *punch.Puncher, pump *tunnel.Pump, stunRecv chan<- []byte, stunServers []*net.UDPAddr) {
	for i, sock := range socks {
		go readLoop(ctx, logger, i, sock, channel, serverAddr, puncher, pump, stunRecv, len(stunServers) > 0)
	}
}

func readLoop(ctx context.Context, logger *slog.Logger, socketIndex int, sock *net.UDPConn, channel *transport.Channel, serverAddr *net.UDPAddr, puncher *punch.Puncher, pump *tunnel.Pump, stunRecv chan<- []byte, stunEnabled bool) {
	buf := make([]byte, wire.MaxFrameLen)
	for {
		if ctx.Err() != nil {
			return
		}
		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		if stunEnabled && nat.LooksLikeStunResponse(frame) {
			select {
			case stunRecv <- frame:
			default:
			}
			continue
		}

		h, err := wire.ParseHeader(frame)
		if err != nil {
			continue
		}
		rk := routetable.RouteKey{Protocol: routetable.UDP, SocketIndex: socketIndex, Addr: addr.AddrPort()}

		switch h.Protocol() {
		case wire.ProtocolControl:
			handleControl(logger, h, addr, rk, puncher, channel, serverAddr)
		case wire.ProtocolIpv4Turn:
			if err := pump.HandleInbound(frame, rk); err != nil {
				logger.Debug("tunnel inbound error", "error", err)
			}
		}
	}
}

func handleControl(logger *slog.Logger, h *wire.Header, addr *net.UDPAddr, rk routetable.RouteKey, puncher *punch.Puncher, channel *transport.Channel, serverAddr *net.UDPAddr) {
	ctrl := wire.ControlType(h.TransportProtocol())
	peerIP := wire.Uint32ToAddr(h.SourceIPv4())

	switch ctrl {
	case wire.ControlPunchRequest, wire.ControlPunchResponse:
		if err := puncher.HandleInbound(ctrl, addr, rk, peerIP, routetable.UnmeasuredRTT); err != nil {
			logger.Debug("punch inbound error", "error", err)
		}
	case wire.ControlPing, wire.ControlPong:
		payload, err := wire.ParsePingPongPayload(h.Payload())
		if err != nil {
			return
		}
		if err := puncher.HandlePingPong(ctrl, addr, rk, peerIP, payload); err != nil {
			logger.Debug("ping/pong handling error", "error", err)
		}
	case wire.ControlAddrRequest:
		// Answered via the server relay the request arrived on: the
		// server forwards control frames by dst virtual IP the same way
		// it relays Ipv4Turn frames.
		reply := puncher.BuildAddrResponse(peerIP)
		if err := channel.SendDefault(reply, serverAddr); err != nil {
			logger.Debug("addr response send failed", "peer", peerIP, "error", err)
		}
	case wire.ControlAddrResponse:
		payload, err := wire.ParseAddrResponsePayload(h.Payload())
		if err != nil {
			return
		}
		puncher.RegisterEndpoint(peerIP, punch.PeerEndpoint{
			VirtualIP:  peerIP,
			PublicIPs:  []net.IP{payload.Addr},
			PublicPort: payload.Port,
		})
	}
}

// waitForAssignment blocks until the registrar grants virtual addressing or
// ctx is canceled.
func waitForAssignment(ctx context.Context, client *registrar.Client) (registrar.Assignment, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a := client.Assignment(); a.VirtualIP.IsValid() {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return registrar.Assignment{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func netmaskBits(mask net.IP) (int, bool) {
	m4 := mask.To4()
	if m4 == nil {
		return 0, false
	}
	ones, _ := net.IPMask(m4).Size()
	return ones, true
}

// schedulePunchLoop drives per-peer hole-punch attempts and rendezvous
// bootstrap off the single scheduler thread, rescheduling itself each round
// (§4.F/§4.J).
func schedulePunchLoop(sched *scheduler.Scheduler, logger *slog.Logger, dir *directory.Directory, puncher *punch.Puncher, channel *transport.Channel, serverAddr *net.UDPAddr, assignment func() registrar.Assignment) {
	var tick func(*scheduler.Handle)
	tick = func(h *scheduler.Handle) {
		selfIP := assignment().VirtualIP
		_, peers := dir.Snapshot()
		for _, peer := range peers {
			if !selfIP.IsValid() || peer.VirtualIP == selfIP {
				continue
			}
			if ep, ok := puncher.Endpoint(peer.VirtualIP); ok {
				puncher.Attempt(ep)
				continue
			}
			req := puncher.BuildAddrRequest(peer.VirtualIP)
			if err := channel.SendDefault(req, serverAddr); err != nil {
				logger.Debug("addr request send failed", "peer", peer.VirtualIP, "error", err)
			}
		}
		h.After(punchInterval, tick)
	}
	sched.Schedule(time.Now().Add(rendezvousPeriod), tick)
}

func scheduleEvictLoop(sched *scheduler.Scheduler, table *routetable.Table) {
	var tick func(*scheduler.Handle)
	tick = func(h *scheduler.Handle) {
		table.EvictIdle(time.Now())
		h.After(evictInterval, tick)
	}
	sched.Schedule(time.Now().Add(evictInterval), tick)
}

type statusProvider struct {
	client *registrar.Client
	dir    *directory.Directory
}

func (s statusProvider) Status() adminapi.StatusView {
	a := s.client.Assignment()
	epoch, _ := s.dir.Snapshot()
	return adminapi.StatusView{
		VirtualIP:      a.VirtualIP.String(),
		VirtualGateway: a.VirtualGateway.String(),
		Connected:      a.VirtualIP.IsValid(),
		DirectoryEpoch: epoch,
	}
}

type routeLister struct {
	table *routetable.Table
	dir   *directory.Directory
}

func (r routeLister) Routes() []adminapi.RouteView {
	_, peers := r.dir.Snapshot()
	ips := make([]string, 0, len(peers))
	for _, p := range peers {
		ips = append(ips, p.VirtualIP.String())
	}
	return adminapi.RoutesFromTable(r.table, ips)
}

func serveMetrics(logger *slog.Logger, addr string) {
	buildInfo := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshd_build_info", Help: "Build information of the overlay client.",
	}, []string{"version"})
	buildInfo.WithLabelValues("dev").Set(1)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to start prometheus metrics listener", "error", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("prometheus metrics server started", "address", listener.Addr().String())
	if err := http.Serve(listener, mux); err != nil {
		log.Printf("prometheus metrics server stopped: %v", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}))
}
