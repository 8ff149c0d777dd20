// Package cipher implements the overlay's bulk-transform and fingerprint
// layer (§4.B): AEAD/CBC/XOR body encryption plus a keyed MAC that the
// registrar can validate without holding the body key.
package cipher

import "fmt"

// Model selects the bulk transform applied to a frame's payload. None is a
// valid, first-class model — the fingerprint still runs even when the body
// travels in plaintext.
type Model uint8

const (
	ModelNone Model = iota
	ModelAESGCM
	ModelChaCha20Poly1305
	ModelAESCBC
	ModelXOR
)

func (m Model) String() string {
	switch m {
	case ModelNone:
		return "none"
	case ModelAESGCM:
		return "aes-gcm"
	case ModelChaCha20Poly1305:
		return "chacha20-poly1305"
	case ModelAESCBC:
		return "aes-cbc"
	case ModelXOR:
		return "xor"
	default:
		return fmt.Sprintf("model(%d)", uint8(m))
	}
}

// IsAEAD reports whether Model produces a trailing authentication tag in
// the encryption envelope.
func (m Model) IsAEAD() bool {
	return m == ModelAESGCM || m == ModelChaCha20Poly1305
}

// ParseModel parses the Config.cipher_model string.
func ParseModel(s string) (Model, error) {
	switch s {
	case "", "none":
		return ModelNone, nil
	case "aes-gcm":
		return ModelAESGCM, nil
	case "chacha20-poly1305":
		return ModelChaCha20Poly1305, nil
	case "aes-cbc":
		return ModelAESCBC, nil
	case "xor":
		return ModelXOR, nil
	default:
		return ModelNone, fmt.Errorf("cipher: unknown cipher_model %q", s)
	}
}

const (
	// RandomLen is the size in bytes of the envelope's random field.
	RandomLen = 4
	// TagLen is the size in bytes of the AEAD authentication tag.
	TagLen = 16
	// FingerLen is the size in bytes of the keyed fingerprint MAC.
	FingerLen = 12
	// NonceLen is the AEAD nonce size; the 4-byte random counter is
	// zero-padded on the left to reach it.
	NonceLen = 12
)
