package cipher

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySet holds the two keys derived from a shared token: the body key used
// for bulk encryption and the finger key used for the per-frame MAC. They
// are independent expansions so the server can validate fingerprints
// without ever holding the body key (§4.B).
type KeySet struct {
	Body   [32]byte
	Finger [32]byte
}

// DeriveKeys expands token into a KeySet via HKDF-SHA256 with distinct
// info strings per key.
func DeriveKeys(token string) (KeySet, error) {
	var ks KeySet
	if err := expand(token, "overlay-body-key", ks.Body[:]); err != nil {
		return KeySet{}, err
	}
	if err := expand(token, "overlay-finger-key", ks.Finger[:]); err != nil {
		return KeySet{}, err
	}
	return ks, nil
}

func expand(token, info string, out []byte) error {
	r := hkdf.New(sha256.New, []byte(token), nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("cipher: deriving key for %q: %w", info, err)
	}
	return nil
}
