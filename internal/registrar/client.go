package registrar

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/overlaynet/meshd/internal/cipher"
	"github.com/overlaynet/meshd/internal/directory"
	"github.com/overlaynet/meshd/internal/errs"
	"github.com/overlaynet/meshd/internal/nat"
	"github.com/overlaynet/meshd/internal/wire"
)

// HeartbeatInterval is the default server keepalive cadence.
const HeartbeatInterval = 5 * time.Second

// Registration error codes, agreed between this client and the registrar's
// RegistrationResponse.ErrorCode field.
const (
	errCodeTokenError       = 1
	errCodeAddressExhausted = 2
)

// HandshakeInfo is what the embedder's gating callback inspects before the
// client trusts a registrar.
type HandshakeInfo struct {
	ServerVersion string
	ServerFinger  []byte
	PublicKey     *rsa.PublicKey
}

// Callback lets the embedder gate trust and observe fatal conditions.
type Callback interface {
	// Handshake is asked to approve the server's identity; returning false
	// aborts registration.
	Handshake(info HandshakeInfo) bool
	// Fatal is invoked once, with a *errs.Error of a fatal Kind, when the
	// client gives up for good.
	Fatal(err error)
}

// Config identifies this node to the registrar.
type Config struct {
	Token             string
	DeviceName        string
	DeviceID          string
	RequestedIP       net.IP
	ClientVersion     string
	HeartbeatInterval time.Duration
}

// Assignment is the virtual addressing a successful Register grants.
type Assignment struct {
	VirtualIP      netip.Addr
	VirtualGateway netip.Addr
	VirtualNetmask net.IP
	Epoch          uint16
}

// Client drives the handshake/register/heartbeat conversation with the
// registrar over a single Conn (§4.G).
type Client struct {
	conn    Conn
	cfg     Config
	cb      Callback
	natInfo func() nat.Info
	dir     *directory.Directory

	mu         sync.RWMutex
	assignment Assignment
	sessionKey *[32]byte
}

func New(conn Conn, cfg Config, cb Callback, natInfo func() nat.Info, dir *directory.Directory) *Client {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = HeartbeatInterval
	}
	return &Client{conn: conn, cfg: cfg, cb: cb, natInfo: natInfo, dir: dir}
}

// Assignment returns the virtual addressing granted by the last successful
// Register call.
func (c *Client) Assignment() Assignment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assignment
}

// SessionKey returns the session key negotiated during SecretHandshake, if
// server-side encryption is in use.
func (c *Client) SessionKey() (key [32]byte, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionKey == nil {
		return key, false
	}
	return *c.sessionKey, true
}

// Run drives the full control-plane lifecycle: register, then heartbeat
// until a Disconnect-class error occurs, at which point it re-registers
// without signaling the caller to tear down the tunnel interface. It
// returns only once ctx is cancelled or a fatal error occurs (in which case
// cb.Fatal has already been called).
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.Register(ctx); err != nil {
			if errs.IsFatal(err) {
				c.cb.Fatal(err)
				return err
			}
			continue
		}

		err := c.RunHeartbeat(ctx)
		if err == nil {
			return nil
		}
		if errs.IsFatal(err) {
			c.cb.Fatal(err)
			return err
		}
		// Disconnect: loop back and re-register without tearing down the
		// interface.
	}
}

// Register runs Handshake -> [SecretHandshake] -> Register once. The
// Register step itself retries with exponential backoff (1s..30s) on a
// non-fatal failure; TokenError and AddressExhausted abort immediately.
func (c *Client) Register(ctx context.Context) error {
	if err := c.sendService(wire.ServiceHandshake, wire.HandshakeRequest{ClientVersion: c.cfg.ClientVersion}.Marshal()); err != nil {
		return errs.Wrap(errs.KindDisconnected, "sending handshake", err)
	}
	respBuf, err := c.recvService()
	if err != nil {
		return errs.Wrap(errs.KindDisconnected, "awaiting handshake response", err)
	}
	resp, err := wire.ParseHandshakeResponse(respBuf)
	if err != nil {
		return errs.Wrap(errs.KindDisconnected, "parsing handshake response", err)
	}

	info := HandshakeInfo{ServerVersion: resp.ServerVersion, ServerFinger: resp.ServerFinger}
	if len(resp.PublicKey) > 0 {
		pub, err := cipher.DecodePublicKey(resp.PublicKey)
		if err != nil {
			return errs.Wrap(errs.KindDisconnected, "decoding server public key", err)
		}
		info.PublicKey = pub
	}
	if !c.cb.Handshake(info) {
		return errs.New(errs.KindDisconnected, "embedder rejected handshake")
	}

	if info.PublicKey != nil {
		if err := c.sendSecretHandshake(info.PublicKey); err != nil {
			return err
		}
	}

	return c.registerWithBackoff(ctx)
}

func (c *Client) sendSecretHandshake(pub *rsa.PublicKey) error {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return errs.Wrap(errs.KindDisconnected, "generating session key", err)
	}
	enc, err := cipher.EncryptSessionKey(pub, key)
	if err != nil {
		return errs.Wrap(errs.KindDisconnected, "encrypting session key", err)
	}
	if err := c.sendService(wire.ServiceSecretHandshake, wire.SecretHandshake{EncryptedSessionKey: enc}.Marshal()); err != nil {
		return errs.Wrap(errs.KindDisconnected, "sending secret handshake", err)
	}
	c.mu.Lock()
	c.sessionKey = &key
	c.mu.Unlock()
	return nil
}

func (c *Client) registerWithBackoff(ctx context.Context) error {
	req := wire.RegistrationRequest{
		Token:       c.cfg.Token,
		DeviceName:  c.cfg.DeviceName,
		DeviceID:    c.cfg.DeviceID,
		NatInfo:     c.natInfo().Marshal(),
		RequestedIP: c.cfg.RequestedIP,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var assignment Assignment
	operation := func() error {
		if err := c.sendService(wire.ServiceRegistrationRequest, req.Marshal()); err != nil {
			return err
		}
		buf, err := c.recvService()
		if err != nil {
			return err
		}
		regResp, err := wire.ParseRegistrationResponse(buf)
		if err != nil {
			return err
		}
		if regResp.ErrorCode != 0 {
			fatalErr := classifyRegistrationError(regResp)
			if fatalErr.Kind.Fatal() {
				return backoff.Permanent(fatalErr)
			}
			return fatalErr
		}

		vip, ok := netip.AddrFromSlice(regResp.VirtualIP.To4())
		if !ok {
			return backoff.Permanent(errs.New(errs.KindInvalidIP, "registrar returned invalid virtual ip"))
		}
		gw, _ := netip.AddrFromSlice(regResp.VirtualGateway.To4())
		assignment = Assignment{
			VirtualIP:      vip,
			VirtualGateway: gw,
			VirtualNetmask: regResp.VirtualNetmask,
			Epoch:          regResp.Epoch,
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		var typed *errs.Error
		if errors.As(err, &typed) {
			return typed
		}
		return errs.Wrap(errs.KindDisconnected, "registration failed", err)
	}

	c.mu.Lock()
	c.assignment = assignment
	c.mu.Unlock()
	return nil
}

func classifyRegistrationError(resp wire.RegistrationResponse) *errs.Error {
	switch resp.ErrorCode {
	case errCodeTokenError:
		return errs.New(errs.KindTokenError, resp.ErrorMessage)
	case errCodeAddressExhausted:
		return errs.New(errs.KindAddressExhausted, resp.ErrorMessage)
	default:
		return errs.New(errs.KindDisconnected, resp.ErrorMessage)
	}
}

// RunHeartbeat sends Ping to the registrar every HeartbeatInterval and
// reacts to Pong, polling and applying the directory on an epoch mismatch.
// Returns nil only when ctx is cancelled; any other return is a Disconnect
// error the caller should treat per Run's re-register policy.
func (c *Client) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.heartbeatOnce(); err != nil {
				return err
			}
		}
	}
}

func (c *Client) heartbeatOnce() error {
	assignment := c.Assignment()
	epoch := c.dir.Epoch()
	ping := wire.PingPongPayload{Time: uint16(time.Now().Unix() & 0xffff), Epoch: epoch}
	frame := wire.EncodeControl(wire.ControlPing, assignment.VirtualIP, assignment.VirtualGateway, ping.Marshal())
	if err := c.conn.Send(frame); err != nil {
		return errs.Wrap(errs.KindDisconnected, "sending heartbeat ping", err)
	}

	buf, err := c.conn.Recv()
	if err != nil {
		return errs.Wrap(errs.KindDisconnected, "awaiting heartbeat pong", err)
	}
	h, err := wire.ParseHeader(buf)
	if err != nil {
		return errs.Wrap(errs.KindDisconnected, "parsing heartbeat pong", err)
	}
	if h.Protocol() != wire.ProtocolControl || wire.ControlType(h.TransportProtocol()) != wire.ControlPong {
		return nil
	}
	pong, err := wire.ParsePingPongPayload(h.Payload())
	if err != nil {
		return errs.Wrap(errs.KindDisconnected, "parsing pong payload", err)
	}
	if pong.Epoch != epoch {
		return c.pollDeviceList()
	}
	return nil
}

func (c *Client) pollDeviceList() error {
	if err := c.sendService(wire.ServicePollDeviceList, wire.PollDeviceList{}.Marshal()); err != nil {
		return errs.Wrap(errs.KindDisconnected, "sending poll device list", err)
	}
	buf, err := c.recvService()
	if err != nil {
		return errs.Wrap(errs.KindDisconnected, "awaiting push device list", err)
	}
	push, err := wire.ParsePushDeviceList(buf)
	if err != nil {
		return errs.Wrap(errs.KindDisconnected, "parsing push device list", err)
	}

	peers := make([]directory.PeerDeviceInfo, 0, len(push.Peers))
	for _, e := range push.Peers {
		vip, ok := netip.AddrFromSlice(e.VirtualIP.To4())
		if !ok {
			continue
		}
		peers = append(peers, directory.PeerDeviceInfo{
			VirtualIP:        vip,
			Name:             e.Name,
			ClientSecret:     e.ClientSecret,
			ClientSecretHash: e.ClientSecretHash,
			IsWireGuard:      e.IsWireGuard,
		})
	}
	c.dir.Replace(push.Epoch, peers)
	return nil
}

func (c *Client) sendService(svc wire.ServiceType, payload []byte) error {
	return c.conn.Send(wire.EncodeService(svc, payload))
}

func (c *Client) recvService() ([]byte, error) {
	buf, err := c.conn.Recv()
	if err != nil {
		return nil, err
	}
	h, err := wire.ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	return h.Payload(), nil
}
