package nat

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Marshal encodes Info as the opaque NatInfo blob carried in a
// RegistrationRequest (§4.G).
func (i Info) Marshal() []byte {
	buf := []byte{byte(i.Type)}
	buf = appendUint16(buf, i.PublicPort)
	buf = appendUint16(buf, i.PublicPortStride)
	buf = appendUint16(buf, i.LocalPort)
	buf = appendUint16(buf, i.TCPPort)
	buf = appendIPv4List(buf, i.PublicIPs)
	buf = appendIPv4(buf, i.LocalIP)
	buf = appendIPv4(buf, i.LocalIPv6) // 4-byte slot: a true IPv6 address is written as zeros and parses back as nil
	buf = appendUint16List(buf, i.UDPPorts)
	return buf
}

// ParseInfo decodes a blob produced by Info.Marshal.
func ParseInfo(buf []byte) (Info, error) {
	var i Info
	if len(buf) < 1 {
		return i, fmt.Errorf("nat: empty nat_info blob")
	}
	i.Type = Type(buf[0])
	buf = buf[1:]

	var err error
	if i.PublicPort, buf, err = readUint16(buf); err != nil {
		return i, err
	}
	if i.PublicPortStride, buf, err = readUint16(buf); err != nil {
		return i, err
	}
	if i.LocalPort, buf, err = readUint16(buf); err != nil {
		return i, err
	}
	if i.TCPPort, buf, err = readUint16(buf); err != nil {
		return i, err
	}
	if i.PublicIPs, buf, err = readIPv4List(buf); err != nil {
		return i, err
	}
	if i.LocalIP, buf, err = readIPv4(buf); err != nil {
		return i, err
	}
	if i.LocalIPv6, buf, err = readIPv4(buf); err != nil {
		return i, err
	}
	if i.UDPPorts, _, err = readUint16List(buf); err != nil {
		return i, err
	}
	return i, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func readUint16(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, fmt.Errorf("nat: truncated uint16 field")
	}
	return binary.BigEndian.Uint16(buf[:2]), buf[2:], nil
}

func appendIPv4(buf []byte, ip net.IP) []byte {
	v4 := ip.To4()
	if v4 == nil {
		return append(buf, 0, 0, 0, 0)
	}
	return append(buf, v4...)
}

func readIPv4(buf []byte) (net.IP, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("nat: truncated ipv4 field")
	}
	if buf[0] == 0 && buf[1] == 0 && buf[2] == 0 && buf[3] == 0 {
		return nil, buf[4:], nil
	}
	ip := make(net.IP, 4)
	copy(ip, buf[:4])
	return ip, buf[4:], nil
}

func appendIPv4List(buf []byte, ips []net.IP) []byte {
	buf = appendUint16(buf, uint16(len(ips)))
	for _, ip := range ips {
		buf = appendIPv4(buf, ip)
	}
	return buf
}

func readIPv4List(buf []byte) ([]net.IP, []byte, error) {
	n, buf, err := readUint16(buf)
	if err != nil {
		return nil, nil, err
	}
	ips := make([]net.IP, 0, n)
	for j := uint16(0); j < n; j++ {
		var ip net.IP
		ip, buf, err = readIPv4(buf)
		if err != nil {
			return nil, nil, err
		}
		ips = append(ips, ip)
	}
	return ips, buf, nil
}

func appendUint16List(buf []byte, vals []uint16) []byte {
	buf = appendUint16(buf, uint16(len(vals)))
	for _, v := range vals {
		buf = appendUint16(buf, v)
	}
	return buf
}

func readUint16List(buf []byte) ([]uint16, []byte, error) {
	n, buf, err := readUint16(buf)
	if err != nil {
		return nil, nil, err
	}
	vals := make([]uint16, 0, n)
	for j := uint16(0); j < n; j++ {
		var v uint16
		v, buf, err = readUint16(buf)
		if err != nil {
			return nil, nil, err
		}
		vals = append(vals, v)
	}
	return vals, buf, nil
}
