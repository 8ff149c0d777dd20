// Package nat drives STUN probing to discover NAT type, public endpoints,
// and port-mapping stride (§4.E).
//
// No STUN client exists anywhere in the reference corpus this module was
// grounded on, so the binding-request/response codec below is a minimal,
// standard-library implementation of RFC 5389's classic procedure (DESIGN.md).
package nat

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
)

const (
	stunMagicCookie  = 0x2112A442
	bindingRequest   = 0x0001
	bindingResponse  = 0x0101
	attrXorMappedAddr = 0x0020
	attrMappedAddr    = 0x0001
)

// TransactionID is a 12-byte STUN transaction identifier.
type TransactionID [12]byte

// NewTransactionID generates a fresh random transaction id.
func NewTransactionID() (TransactionID, error) {
	var tid TransactionID
	if _, err := rand.Read(tid[:]); err != nil {
		return tid, fmt.Errorf("nat: generating stun transaction id: %w", err)
	}
	return tid, nil
}

// BuildBindingRequest encodes a STUN Binding Request with no attributes.
func BuildBindingRequest(tid TransactionID) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint16(buf[0:2], bindingRequest)
	binary.BigEndian.PutUint16(buf[2:4], 0) // message length, no attrs
	binary.BigEndian.PutUint32(buf[4:8], stunMagicCookie)
	copy(buf[8:20], tid[:])
	return buf
}

// LooksLikeStunResponse reports whether buf carries the STUN magic cookie,
// used by the embedded receive path to distinguish STUN responses from
// arbitrary datagrams sharing the same socket (§4.E).
func LooksLikeStunResponse(buf []byte) bool {
	if len(buf) < 20 {
		return false
	}
	msgType := binary.BigEndian.Uint16(buf[0:2])
	cookie := binary.BigEndian.Uint32(buf[4:8])
	return cookie == stunMagicCookie && msgType == bindingResponse
}

// ParseBindingResponse extracts the mapped address from a Binding Response,
// preferring XOR-MAPPED-ADDRESS over the legacy MAPPED-ADDRESS attribute.
func ParseBindingResponse(buf []byte, tid TransactionID) (net.IP, uint16, error) {
	if !LooksLikeStunResponse(buf) {
		return nil, 0, fmt.Errorf("nat: not a stun binding response")
	}
	msgLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if 20+msgLen > len(buf) {
		return nil, 0, fmt.Errorf("nat: truncated stun message")
	}
	var gotTid TransactionID
	copy(gotTid[:], buf[8:20])
	if gotTid != tid {
		return nil, 0, fmt.Errorf("nat: stun transaction id mismatch")
	}

	attrs := buf[20 : 20+msgLen]
	var mapped, xorMapped []byte
	for len(attrs) >= 4 {
		t := binary.BigEndian.Uint16(attrs[0:2])
		l := int(binary.BigEndian.Uint16(attrs[2:4]))
		if 4+l > len(attrs) {
			break
		}
		val := attrs[4 : 4+l]
		switch t {
		case attrXorMappedAddr:
			xorMapped = val
		case attrMappedAddr:
			mapped = val
		}
		padded := (l + 3) &^ 3
		attrs = attrs[4+padded:]
	}

	if xorMapped != nil {
		return parseXorMappedAddress(xorMapped, tid)
	}
	if mapped != nil {
		return parseMappedAddress(mapped)
	}
	return nil, 0, fmt.Errorf("nat: stun response carries no mapped address")
}

func parseMappedAddress(val []byte) (net.IP, uint16, error) {
	if len(val) < 8 || val[1] != 0x01 {
		return nil, 0, fmt.Errorf("nat: unsupported mapped-address family")
	}
	port := binary.BigEndian.Uint16(val[2:4])
	ip := net.IP(append([]byte{}, val[4:8]...))
	return ip, port, nil
}

func parseXorMappedAddress(val []byte, tid TransactionID) (net.IP, uint16, error) {
	if len(val) < 8 || val[1] != 0x01 {
		return nil, 0, fmt.Errorf("nat: unsupported xor-mapped-address family")
	}
	xport := binary.BigEndian.Uint16(val[2:4])
	port := xport ^ uint16(stunMagicCookie>>16)

	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], stunMagicCookie)
	ip := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		ip[i] = val[4+i] ^ cookie[i]
	}
	_ = tid // transaction id is already verified by the caller
	return ip, port, nil
}
