package transport

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WSWriter is the subset of *websocket.Conn the channel transport needs;
// narrowed so tests can substitute a fake without a real socket.
type WSWriter interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialWS opens a WS/WSS client connection to the gateway's control
// endpoint, used as the last-resort channel when both UDP and TCP are
// blocked by the network path.
func DialWS(rawURL string, handshakeTimeout time.Duration) (*websocket.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parsing ws url: %w", err)
	}
	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", u.Redacted(), err)
	}
	return conn, nil
}
