// Package config loads the overlay's JSON configuration file and exposes a
// hot-reload notification channel, grounded on the teacher's own config
// loader (atomic temp-file-then-rename save, buffered changed channel).
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/gopacket/layers"

	"github.com/overlaynet/meshd/internal/cipher"
	"github.com/overlaynet/meshd/internal/routetable"
	"github.com/overlaynet/meshd/internal/tunnel"
)

// ProxyEntry is the JSON form of tunnel.ProxyEntry (§3 ADDED).
type ProxyEntry struct {
	MatchProto  string `json:"match_proto"`
	MatchPort   uint16 `json:"match_port"`
	RewriteIP   string `json:"rewrite_ip"`
	RewritePort uint16 `json:"rewrite_port"`
}

// Config is the overlay's JSON configuration document (§3 ADDED). Field
// loading/saving is handled here; the core engine consumes a Snapshot.
type Config struct {
	Token          string            `json:"token"`
	DeviceName     string            `json:"device_name"`
	DeviceID       string            `json:"device_id"`
	ServerAddr     string            `json:"server_addr"`
	StunServers    []string          `json:"stun_servers,omitempty"`
	ChannelNum     int               `json:"channel_num"`
	UseChannel     string            `json:"use_channel"`
	FirstLatency   bool              `json:"first_latency"`
	CipherModel    string            `json:"cipher_model"`
	Compression    bool              `json:"compression"`
	MTUOverride    *int              `json:"mtu_override,omitempty"`
	ExternalRoutes map[string]string `json:"external_routes,omitempty"`
	ProxyEntries   []ProxyEntry      `json:"proxy_entries,omitempty"`
	TapMode        bool              `json:"tap_mode"`
	PacketLossRate float64           `json:"packet_loss_rate"`
	PacketDelayMs  int               `json:"packet_delay_ms"`

	path      string
	mu        sync.RWMutex
	changedCh chan struct{}
}

func New(path string) *Config {
	return &Config{
		path:      path,
		changedCh: make(chan struct{}, 1),
	}
}

// Load reads and parses path, failing if the file is missing or malformed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading file: %w", err)
	}
	cfg := New(path)
	if err := cfg.UpdateFromJSON(data); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	return cfg, nil
}

// UpdateFromJSON replaces the config's contents and notifies Changed.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: unmarshalling: %w", err)
	}
	c.notifyChanged()
	return nil
}

// Save writes the config back to its backing path via a temp-file rename,
// so a reader never observes a partially-written file.
func (c *Config) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshalling: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".cfg-*.tmp")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: renaming temp file: %w", err)
	}
	return nil
}

func (c *Config) notifyChanged() {
	select {
	case c.changedCh <- struct{}{}:
	default:
	}
}

// Changed fires whenever the config has been reloaded or updated.
func (c *Config) Changed() <-chan struct{} {
	return c.changedCh
}

// Snapshot is the parsed, typed view the core engine consumes; it never
// touches disk itself.
type Snapshot struct {
	Token          string
	DeviceName     string
	DeviceID       string
	ServerAddr     string
	StunServers    []*net.UDPAddr
	ChannelNum     int
	UseChannel     routetable.UseChannel
	FirstLatency   bool
	CipherModel    cipher.Model
	Compression    bool
	MTUOverride    *int
	ExternalRoutes *tunnel.ExternalRoutes
	ProxyEntries   []tunnel.ProxyEntry
	TapMode        bool
	PacketLossRate float64
	PacketDelayMs  int
}

// Parse validates and converts the raw JSON fields into a Snapshot.
func (c *Config) Parse() (Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	uc, err := routetable.ParseUseChannel(c.UseChannel)
	if err != nil {
		return Snapshot{}, err
	}
	model, err := cipher.ParseModel(c.CipherModel)
	if err != nil {
		return Snapshot{}, err
	}

	routes := make(map[netip.Prefix]netip.Addr, len(c.ExternalRoutes))
	for cidr, nextHop := range c.ExternalRoutes {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return Snapshot{}, fmt.Errorf("config: external_routes key %q: %w", cidr, err)
		}
		addr, err := netip.ParseAddr(nextHop)
		if err != nil {
			return Snapshot{}, fmt.Errorf("config: external_routes value %q: %w", nextHop, err)
		}
		routes[prefix] = addr
	}

	entries := make([]tunnel.ProxyEntry, 0, len(c.ProxyEntries))
	for _, raw := range c.ProxyEntries {
		proto, err := parseIPProtocol(raw.MatchProto)
		if err != nil {
			return Snapshot{}, err
		}
		ip, err := netip.ParseAddr(raw.RewriteIP)
		if err != nil {
			return Snapshot{}, fmt.Errorf("config: proxy_entries rewrite_ip %q: %w", raw.RewriteIP, err)
		}
		entries = append(entries, tunnel.ProxyEntry{
			MatchProto:  proto,
			MatchPort:   raw.MatchPort,
			RewriteIP:   ip,
			RewritePort: raw.RewritePort,
		})
	}

	stunServers := make([]*net.UDPAddr, 0, len(c.StunServers))
	for _, s := range c.StunServers {
		addr, err := net.ResolveUDPAddr("udp4", s)
		if err != nil {
			return Snapshot{}, fmt.Errorf("config: stun_servers entry %q: %w", s, err)
		}
		stunServers = append(stunServers, addr)
	}

	if c.Token == "" {
		return Snapshot{}, fmt.Errorf("config: token is required")
	}
	if c.ServerAddr == "" {
		return Snapshot{}, fmt.Errorf("config: server_addr is required")
	}

	return Snapshot{
		Token:          c.Token,
		DeviceName:     c.DeviceName,
		DeviceID:       c.DeviceID,
		ServerAddr:     c.ServerAddr,
		StunServers:    stunServers,
		ChannelNum:     c.ChannelNum,
		UseChannel:     uc,
		FirstLatency:   c.FirstLatency,
		CipherModel:    model,
		Compression:    c.Compression,
		MTUOverride:    c.MTUOverride,
		ExternalRoutes: tunnel.NewExternalRoutes(routes),
		ProxyEntries:   entries,
		TapMode:        c.TapMode,
		PacketLossRate: c.PacketLossRate,
		PacketDelayMs:  c.PacketDelayMs,
	}, nil
}

func parseIPProtocol(s string) (layers.IPProtocol, error) {
	switch s {
	case "tcp":
		return layers.IPProtocolTCP, nil
	case "udp":
		return layers.IPProtocolUDP, nil
	default:
		return 0, fmt.Errorf("config: unknown proxy_entries match_proto %q", s)
	}
}
