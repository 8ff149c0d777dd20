// Package registrar implements the client side of the registration
// control-plane: handshake, optional server-side encryption setup,
// registration, and epoch-tracked heartbeats (§4.G).
package registrar

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/overlaynet/meshd/internal/wire"
)

// Conn is the single reliable stream (TCP, or WS framed as binary
// messages) the registrar speaks its control protocol over.
type Conn interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
}

// lengthPrefixed frames an arbitrary net.Conn stream with a 4-byte
// big-endian length prefix, since TCP gives no natural message boundary.
type lengthPrefixed struct {
	nc net.Conn
}

// NewTCPConn wraps a dialed TCP connection to the registrar as a Conn.
func NewTCPConn(nc net.Conn) Conn {
	return &lengthPrefixed{nc: nc}
}

func (c *lengthPrefixed) Send(frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := c.nc.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("registrar: writing frame length: %w", err)
	}
	if _, err := c.nc.Write(frame); err != nil {
		return fmt.Errorf("registrar: writing frame body: %w", err)
	}
	return nil
}

func (c *lengthPrefixed) Recv() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("registrar: reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > wire.MaxFrameLen {
		return nil, fmt.Errorf("registrar: frame length %d exceeds max", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		return nil, fmt.Errorf("registrar: reading frame body: %w", err)
	}
	return buf, nil
}
