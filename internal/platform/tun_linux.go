//go:build linux

// Package platform opens and configures the local TUN/TAP device (§6):
// device creation uses the standard /dev/net/tun ioctl dance, and
// route/address programming on the resulting link goes through
// vishvananda/netlink, the way the teacher's doublezerod programs routes
// on its own netlink-managed interfaces.
package platform

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/overlaynet/meshd/internal/tunnel"
)

const (
	ifReqSize  = 40
	iffTun     = 0x0001
	iffTap     = 0x0002
	iffNoPi    = 0x1000
	tunSetIff  = 0x400454ca
	tunDevPath = "/dev/net/tun"
)

// Tun is a tunnel.Device backed by an open /dev/net/tun file descriptor.
type Tun struct {
	f    *os.File
	Name string
}

var _ tunnel.Device = (*Tun)(nil)

// OpenTun creates (or attaches to an existing) TUN (or TAP, if tap is set)
// interface named name. It does not set the persist flag.
func OpenTun(name string, tap bool) (*Tun, error) {
	f, err := os.OpenFile(tunDevPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("platform: opening %s: %w", tunDevPath, err)
	}

	var ifr [ifReqSize]byte
	copy(ifr[:unix.IFNAMSIZ], name)
	flags := uint16(iffTun | iffNoPi)
	if tap {
		flags = iffTap | iffNoPi
	}
	*(*uint16)(unsafe.Pointer(&ifr[unix.IFNAMSIZ])) = flags

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(tunSetIff), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("platform: TUNSETIFF: %w", errno)
	}

	assignedName := string(ifr[:unix.IFNAMSIZ])
	for i, b := range assignedName {
		if b == 0 {
			assignedName = assignedName[:i]
			break
		}
	}
	return &Tun{f: f, Name: assignedName}, nil
}

func (t *Tun) Read(buf []byte) (int, error)  { return t.f.Read(buf) }
func (t *Tun) Write(buf []byte) (int, error) { return t.f.Write(buf) }
func (t *Tun) Close() error                  { return t.f.Close() }

// ConfigureAddr assigns addr to the named link, bringing it up. Interface
// creation itself is out of scope here; this only programs an
// already-created device (§6).
func ConfigureAddr(name string, addr netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("platform: looking up link %s: %w", name, err)
	}

	ipNet := &net.IPNet{
		IP:   addr.Addr().AsSlice(),
		Mask: net.CIDRMask(addr.Bits(), addr.Addr().BitLen()),
	}
	if err := netlink.AddrReplace(link, &netlink.Addr{IPNet: ipNet}); err != nil {
		return fmt.Errorf("platform: setting address on %s: %w", name, err)
	}
	if err := netlink.LinkSetMTU(link, 1400); err != nil {
		return fmt.Errorf("platform: setting mtu on %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("platform: bringing up %s: %w", name, err)
	}
	return nil
}
