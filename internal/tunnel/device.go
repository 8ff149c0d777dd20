// Package tunnel implements the pump between the local virtual interface
// and the overlay transport (§4.H): encapsulating outbound IPv4 frames into
// Ipv4Turn packets and decapsulating, forwarding, or locally delivering
// inbound ones.
package tunnel

// Device is the narrow TUN/TAP capability surface the pump drives. In
// tun_mode a Read/Write carries a raw IPv4 datagram; in tap_mode it carries
// a full Ethernet frame, and the pump additionally answers every ARP request
// with the gateway's MAC. Creating and wiring the OS device (address/MTU/route
// programming) stays out of scope; callers hand in an already-open Device.
type Device interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}
