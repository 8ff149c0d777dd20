package cipher

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint computes a keyed BLAKE2b MAC over header||payload, truncated
// to FingerLen bytes. It is computed with the finger key regardless of
// whether the body is encrypted, so the registrar can reject tampered
// frames without decrypting (§4.B).
func Fingerprint(fingerKey [32]byte, header, payload []byte) ([FingerLen]byte, error) {
	var out [FingerLen]byte
	h, err := blake2b.New(FingerLen, fingerKey[:])
	if err != nil {
		return out, fmt.Errorf("cipher: fingerprint hash init: %w", err)
	}
	if _, err := h.Write(header); err != nil {
		return out, fmt.Errorf("cipher: fingerprint hash write header: %w", err)
	}
	if _, err := h.Write(payload); err != nil {
		return out, fmt.Errorf("cipher: fingerprint hash write payload: %w", err)
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// VerifyFingerprint recomputes the fingerprint and compares it in constant
// time against want.
func VerifyFingerprint(fingerKey [32]byte, header, payload []byte, want [FingerLen]byte) (bool, error) {
	got, err := Fingerprint(fingerKey, header, payload)
	if err != nil {
		return false, err
	}
	var diff byte
	for i := range got {
		diff |= got[i] ^ want[i]
	}
	return diff == 0, nil
}
