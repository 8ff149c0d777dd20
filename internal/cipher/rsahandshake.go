package cipher

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
)

// EncodePublicKey marshals an RSA public key to PKIX DER, the form carried
// in a HandshakeResponse (§4.G).
func EncodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("cipher: marshaling rsa public key: %w", err)
	}
	return der, nil
}

// DecodePublicKey parses a PKIX DER-encoded RSA public key.
func DecodePublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("cipher: parsing rsa public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cipher: public key is not RSA")
	}
	return rsaPub, nil
}

// EncryptSessionKey encrypts a freshly generated session body key under the
// server's RSA public key using OAEP, for the SecretHandshake step that
// establishes server-side encryption (§4.B, §4.G).
func EncryptSessionKey(pub *rsa.PublicKey, sessionKey [32]byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey[:], nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: rsa-oaep encrypt: %w", err)
	}
	return ct, nil
}

// DecryptSessionKey is the server-side counterpart of EncryptSessionKey.
func DecryptSessionKey(priv *rsa.PrivateKey, ciphertext []byte) ([32]byte, error) {
	var key [32]byte
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return key, fmt.Errorf("cipher: rsa-oaep decrypt: %w", err)
	}
	if len(pt) != 32 {
		return key, fmt.Errorf("cipher: decrypted session key has wrong length: %d", len(pt))
	}
	copy(key[:], pt)
	return key, nil
}
