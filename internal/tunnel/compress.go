package tunnel

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// compress DEFLATEs datagram, used on the TX path when Config.compression
// is set (§4.A). Compression runs before encryption, since ciphertext
// doesn't compress (§4.B).
func compress(datagram []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("tunnel: creating deflate writer: %w", err)
	}
	if _, err := w.Write(datagram); err != nil {
		return nil, fmt.Errorf("tunnel: deflating datagram: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("tunnel: closing deflate writer: %w", err)
	}
	return buf.Bytes(), nil
}

// decompress reverses compress.
func decompress(datagram []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(datagram))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("tunnel: inflating datagram: %w", err)
	}
	return out, nil
}
