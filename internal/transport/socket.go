// Package transport implements the multi-channel send path: N parallel UDP
// "main" sockets, a symmetric-mode auxiliary socket set used only for
// punching, and optional TCP/WebSocket fallback streams to the gateway
// (§4.C).
package transport

import (
	"fmt"
	"net"
)

// SymmetricChannelNum is the number of auxiliary sockets opened in
// symmetric-NAT mode, used only for outbound punch fan-out.
const SymmetricChannelNum = 100

// ListenUDPSockets opens n independent ephemeral UDP4 sockets.
func ListenUDPSockets(n int) ([]*net.UDPConn, error) {
	if n < 1 {
		return nil, fmt.Errorf("transport: channel_num must be >= 1, got %d", n)
	}
	socks := make([]*net.UDPConn, 0, n)
	for i := 0; i < n; i++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
		if err != nil {
			closeAll(socks)
			return nil, fmt.Errorf("transport: opening udp socket %d/%d: %w", i, n, err)
		}
		socks = append(socks, conn)
	}
	return socks, nil
}

func closeAll(socks []*net.UDPConn) {
	for _, s := range socks {
		_ = s.Close()
	}
}

// CloseSockets closes every socket in socks, returning the first error
// encountered (if any), after attempting all closes.
func CloseSockets(socks []*net.UDPConn) error {
	var first error
	for _, s := range socks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
