package cipher

import (
	"encoding/binary"
	"fmt"
)

// Envelope is the trailing structure appended to a frame when encryption is
// enabled: random(4) | tag(16, AEAD only) | finger(12).
type Envelope struct {
	Model  Model
	Random uint32
	Tag    []byte
	Finger [FingerLen]byte
}

// Seal encrypts payload (if Model != ModelNone) and appends the envelope,
// returning the full trailing bytes to write after the header+ciphertext.
func Seal(t Transform, keys KeySet, header, payload []byte) (ciphertext []byte, trailer []byte, err error) {
	random, err := NextRandom()
	if err != nil {
		return nil, nil, err
	}
	ct, tag, err := t.Seal(header, payload, random)
	if err != nil {
		return nil, nil, err
	}
	finger, err := Fingerprint(keys.Finger, header, ct)
	if err != nil {
		return nil, nil, err
	}
	trailer = make([]byte, 0, RandomLen+len(tag)+FingerLen)
	var randBuf [RandomLen]byte
	binary.BigEndian.PutUint32(randBuf[:], random)
	trailer = append(trailer, randBuf[:]...)
	trailer = append(trailer, tag...)
	trailer = append(trailer, finger[:]...)
	return ct, trailer, nil
}

// Open validates the fingerprint and decrypts ciphertext given the trailing
// envelope bytes.
func Open(t Transform, keys KeySet, header, ciphertext, trailer []byte) ([]byte, error) {
	if len(trailer) < RandomLen+FingerLen {
		return nil, fmt.Errorf("cipher: envelope too short")
	}
	random := binary.BigEndian.Uint32(trailer[:RandomLen])
	tagLen := len(trailer) - RandomLen - FingerLen
	tag := trailer[RandomLen : RandomLen+tagLen]
	var finger [FingerLen]byte
	copy(finger[:], trailer[RandomLen+tagLen:])

	ok, err := VerifyFingerprint(keys.Finger, header, ciphertext, finger)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrFingerprintMismatch
	}
	pt, err := t.Open(header, ciphertext, tag, random)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// ErrFingerprintMismatch and ErrDecryptFailed are the two per-frame
// cryptographic failure modes from the error taxonomy (§7); both are
// dropped and logged by the caller, never propagated further.
var (
	ErrFingerprintMismatch = fmt.Errorf("cipher: fingerprint mismatch")
	ErrDecryptFailed       = fmt.Errorf("cipher: decrypt failed")
)
