package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// ControlType discriminates Control sub-packets (header byte 2, aka
// TransportProtocol, when Protocol == ProtocolControl).
type ControlType uint8

const (
	ControlPing          ControlType = 1
	ControlPong          ControlType = 2
	ControlPunchRequest  ControlType = 3
	ControlPunchResponse ControlType = 4
	ControlAddrRequest   ControlType = 5
	ControlAddrResponse  ControlType = 6
)

func (c ControlType) String() string {
	switch c {
	case ControlPing:
		return "ping"
	case ControlPong:
		return "pong"
	case ControlPunchRequest:
		return "punch-request"
	case ControlPunchResponse:
		return "punch-response"
	case ControlAddrRequest:
		return "addr-request"
	case ControlAddrResponse:
		return "addr-response"
	default:
		return fmt.Sprintf("control(%d)", uint8(c))
	}
}

// PingPongPayload is the 4-byte body of Ping/Pong control packets.
type PingPongPayload struct {
	Time  uint16
	Epoch uint16
}

func (p PingPongPayload) Marshal() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], p.Time)
	binary.BigEndian.PutUint16(buf[2:4], p.Epoch)
	return buf
}

func ParsePingPongPayload(buf []byte) (PingPongPayload, error) {
	if len(buf) < 4 {
		return PingPongPayload{}, fmt.Errorf("wire: ping/pong payload too short: %d bytes", len(buf))
	}
	return PingPongPayload{
		Time:  binary.BigEndian.Uint16(buf[0:2]),
		Epoch: binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}

// AddrResponsePayload is the 6-byte body of an AddrResponse control packet:
// an observed IPv4 address and port, used by STUN-style rendezvous.
type AddrResponsePayload struct {
	Addr net.IP
	Port uint16
}

func (p AddrResponsePayload) Marshal() []byte {
	buf := make([]byte, 6)
	copy(buf[0:4], p.Addr.To4())
	binary.BigEndian.PutUint16(buf[4:6], p.Port)
	return buf
}

func ParseAddrResponsePayload(buf []byte) (AddrResponsePayload, error) {
	if len(buf) < 6 {
		return AddrResponsePayload{}, fmt.Errorf("wire: addr-response payload too short: %d bytes", len(buf))
	}
	ip := make(net.IP, 4)
	copy(ip, buf[0:4])
	return AddrResponsePayload{
		Addr: ip,
		Port: binary.BigEndian.Uint16(buf[4:6]),
	}, nil
}

// PunchPayload carries the sender's known public and local endpoints so the
// receiver can attempt a reply punch toward whichever succeeds first.
type PunchPayload struct {
	PublicIP   net.IP
	PublicPort uint16
	LocalIP    net.IP
	LocalPort  uint16
}

func (p PunchPayload) Marshal() []byte {
	buf := make([]byte, 12)
	copy(buf[0:4], p.PublicIP.To4())
	binary.BigEndian.PutUint16(buf[4:6], p.PublicPort)
	copy(buf[6:10], p.LocalIP.To4())
	binary.BigEndian.PutUint16(buf[10:12], p.LocalPort)
	return buf
}

func ParsePunchPayload(buf []byte) (PunchPayload, error) {
	if len(buf) < 12 {
		return PunchPayload{}, fmt.Errorf("wire: punch payload too short: %d bytes", len(buf))
	}
	pubIP := make(net.IP, 4)
	copy(pubIP, buf[0:4])
	localIP := make(net.IP, 4)
	copy(localIP, buf[6:10])
	return PunchPayload{
		PublicIP:   pubIP,
		PublicPort: binary.BigEndian.Uint16(buf[4:6]),
		LocalIP:    localIP,
		LocalPort:  binary.BigEndian.Uint16(buf[10:12]),
	}, nil
}

// EncodeControl builds a complete wire frame for a control sub-packet:
// header (Protocol=ProtocolControl, TransportProtocol=ctrl) with src/dst set
// to the sender's and recipient's overlay virtual IPv4 addresses, followed
// by payload. This is what lets a receiver identify which peer a control
// packet came from even when it arrives from a brand-new physical endpoint,
// as punch requests do.
func EncodeControl(ctrl ControlType, src, dst netip.Addr, payload []byte) []byte {
	h := NewHeader(ProtocolControl, Protocol(ctrl))
	h.SetSourceIPv4(AddrToUint32(src))
	h.SetDestIPv4(AddrToUint32(dst))
	h.SetPayload(payload)
	return h.Bytes()
}
