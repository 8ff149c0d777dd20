package wire

import (
	"encoding/binary"
	"net/netip"
)

// AddrToUint32 packs a valid IPv4 netip.Addr into the header's big-endian
// uint32 address fields. An invalid or non-IPv4 address packs as zero,
// since the header has no room for a presence bit.
func AddrToUint32(a netip.Addr) uint32 {
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// Uint32ToAddr is AddrToUint32's inverse.
func Uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
