package wire

import "fmt"

// flagCompressed marks the one-byte sub-header prepended to an Ipv4Turn
// frame's payload when the carried datagram is DEFLATE-compressed (§4.A).
const flagCompressed byte = 1

// EncodeIpv4Turn builds a complete wire frame carrying an IPv4 datagram
// (optionally pre-compressed by the caller) with the given starting ttl.
func EncodeIpv4Turn(datagram []byte, compressed bool, ttl uint8) []byte {
	h := NewHeader(ProtocolIpv4Turn, ProtocolIpv4Turn)
	h.FirstSetTTL(ttl)
	body := make([]byte, 0, 1+len(datagram))
	var flag byte
	if compressed {
		flag = flagCompressed
	}
	body = append(body, flag)
	body = append(body, datagram...)
	h.SetPayload(body)
	return h.Bytes()
}

// DecodeIpv4Turn splits an Ipv4Turn frame's payload into its compression
// flag and the carried (possibly compressed) datagram.
func DecodeIpv4Turn(h *Header) (datagram []byte, compressed bool, err error) {
	p := h.Payload()
	if len(p) < 1 {
		return nil, false, fmt.Errorf("wire: ipv4-turn payload too short")
	}
	return p[1:], p[0]&flagCompressed != 0, nil
}
