// Package wire implements the overlay packet codec: the 12-byte header and
// its nested sub-packets.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderLen is the fixed size of the overlay header in bytes.
	HeaderLen = 12
	// MaxFrameLen is the largest wire frame that fits one UDP datagram.
	MaxFrameLen = 65507

	// Version is the only header version this codec understands.
	Version = 1

	// MaxTTL caps the overlay hop count for client-relay forwarding.
	MaxTTL = 15
)

// Protocol discriminates the top-level kind of a sub-packet.
type Protocol uint8

const (
	ProtocolService  Protocol = 1
	ProtocolError    Protocol = 2
	ProtocolControl  Protocol = 3
	ProtocolIpv4Turn Protocol = 4
	ProtocolOtherTurn Protocol = 5
)

func (p Protocol) String() string {
	switch p {
	case ProtocolService:
		return "service"
	case ProtocolError:
		return "error"
	case ProtocolControl:
		return "control"
	case ProtocolIpv4Turn:
		return "ipv4-turn"
	case ProtocolOtherTurn:
		return "other-turn"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// Header is a view over the first 12 bytes of an overlay wire frame. It
// never copies; accessors read/write directly into the backing buffer.
type Header struct {
	buf []byte
}

// NewHeader allocates a fresh HeaderLen-byte buffer and returns a Header
// wrapping it, with Version pre-filled.
func NewHeader(protocol, transportProtocol Protocol) *Header {
	buf := make([]byte, HeaderLen)
	buf[0] = Version
	buf[1] = byte(protocol)
	buf[2] = byte(transportProtocol)
	return &Header{buf: buf}
}

// ParseHeader validates length and wraps buf as a Header without copying.
// The returned Header aliases buf; callers must not reuse buf's first
// HeaderLen bytes for anything else while the Header is alive.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("wire: frame too short: %d bytes", len(buf))
	}
	if len(buf) > MaxFrameLen {
		return nil, fmt.Errorf("wire: frame too long: %d bytes", len(buf))
	}
	return &Header{buf: buf}, nil
}

// Bytes returns the full backing buffer, header followed by payload.
func (h *Header) Bytes() []byte { return h.buf }

// Payload returns the bytes following the fixed header.
func (h *Header) Payload() []byte { return h.buf[HeaderLen:] }

// SetPayload truncates/extends the backing buffer to hold exactly payload
// after the header.
func (h *Header) SetPayload(payload []byte) {
	h.buf = append(h.buf[:HeaderLen], payload...)
}

func (h *Header) Version() uint8 { return h.buf[0] }

func (h *Header) Protocol() Protocol { return Protocol(h.buf[1]) }

func (h *Header) SetProtocol(p Protocol) { h.buf[1] = byte(p) }

func (h *Header) TransportProtocol() Protocol { return Protocol(h.buf[2]) }

func (h *Header) SetTransportProtocol(p Protocol) { h.buf[2] = byte(p) }

// SourceTTL returns the TTL the frame was first sent with; it is preserved
// across relay hops so the receiver can derive observed path length.
func (h *Header) SourceTTL() uint8 { return h.buf[3] >> 4 }

// TTL returns the remaining hop budget.
func (h *Header) TTL() uint8 { return h.buf[3] & 0x0F }

// SetTTL writes the remaining hop count without disturbing SourceTTL.
func (h *Header) SetTTL(ttl uint8) {
	h.buf[3] = (h.buf[3] & 0xF0) | (ttl & 0x0F)
}

// FirstSetTTL stamps both the source and remaining TTL to n, marking this
// frame as freshly originated.
func (h *Header) FirstSetTTL(n uint8) {
	h.buf[3] = (n << 4) | (n & 0x0F)
}

// DecrementTTL decreases the remaining TTL by one, saturating at zero.
func (h *Header) DecrementTTL() {
	if t := h.TTL(); t > 0 {
		h.SetTTL(t - 1)
	}
}

func (h *Header) SourceIPv4() uint32 { return binary.BigEndian.Uint32(h.buf[4:8]) }

func (h *Header) SetSourceIPv4(ip uint32) { binary.BigEndian.PutUint32(h.buf[4:8], ip) }

func (h *Header) DestIPv4() uint32 { return binary.BigEndian.Uint32(h.buf[8:12]) }

func (h *Header) SetDestIPv4(ip uint32) { binary.BigEndian.PutUint32(h.buf[8:12], ip) }

// ObservedPathLength returns source_ttl - ttl + 1, the number of hops this
// frame has traversed so far (§4.M).
func (h *Header) ObservedPathLength() int {
	return int(h.SourceTTL()) - int(h.TTL()) + 1
}
