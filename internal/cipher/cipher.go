package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Transform performs the bulk encrypt/decrypt step for one Model. Seal and
// Open both take the overlay header bytes as additional authenticated
// data for AEAD models; random is the 4-byte envelope counter.
type Transform interface {
	Model() Model
	Seal(header, plaintext []byte, random uint32) (ciphertext, tag []byte, err error)
	Open(header, ciphertext, tag []byte, random uint32) (plaintext []byte, err error)
}

// NewTransform builds the Transform for model using key as the body key.
func NewTransform(model Model, key [32]byte) (Transform, error) {
	switch model {
	case ModelNone:
		return noneTransform{}, nil
	case ModelAESGCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, fmt.Errorf("cipher: aes-gcm: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("cipher: aes-gcm: %w", err)
		}
		return aeadTransform{model: ModelAESGCM, aead: aead}, nil
	case ModelChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key[:])
		if err != nil {
			return nil, fmt.Errorf("cipher: chacha20poly1305: %w", err)
		}
		return aeadTransform{model: ModelChaCha20Poly1305, aead: aead}, nil
	case ModelAESCBC:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, fmt.Errorf("cipher: aes-cbc: %w", err)
		}
		return cbcTransform{block: block}, nil
	case ModelXOR:
		return xorTransform{key: key[:]}, nil
	default:
		return nil, fmt.Errorf("cipher: unknown model %v", model)
	}
}

func nonceFromRandom(random uint32) [NonceLen]byte {
	var nonce [NonceLen]byte
	binary.BigEndian.PutUint32(nonce[NonceLen-4:], random)
	return nonce
}

type noneTransform struct{}

func (noneTransform) Model() Model { return ModelNone }
func (noneTransform) Seal(_ []byte, plaintext []byte, _ uint32) ([]byte, []byte, error) {
	return plaintext, nil, nil
}
func (noneTransform) Open(_ []byte, ciphertext []byte, _ []byte, _ uint32) ([]byte, error) {
	return ciphertext, nil
}

// aeadTransform covers AES-GCM and ChaCha20-Poly1305, which share the same
// envelope shape: 4-byte counter nonce zero-padded to 12 bytes, header as
// AAD, 16-byte trailing tag.
type aeadTransform struct {
	model Model
	aead  cipher.AEAD
}

func (t aeadTransform) Model() Model { return t.model }

func (t aeadTransform) Seal(header, plaintext []byte, random uint32) ([]byte, []byte, error) {
	nonce := nonceFromRandom(random)
	sealed := t.aead.Seal(nil, nonce[:], plaintext, header)
	if len(sealed) < TagLen {
		return nil, nil, fmt.Errorf("cipher: sealed output shorter than tag")
	}
	ct := sealed[:len(sealed)-TagLen]
	tag := sealed[len(sealed)-TagLen:]
	return ct, tag, nil
}

func (t aeadTransform) Open(header, ciphertext, tag []byte, random uint32) ([]byte, error) {
	nonce := nonceFromRandom(random)
	sealed := append(append([]byte{}, ciphertext...), tag...)
	pt, err := t.aead.Open(nil, nonce[:], sealed, header)
	if err != nil {
		return nil, fmt.Errorf("cipher: aead open: %w", err)
	}
	return pt, nil
}

// cbcTransform: the 4-byte random field becomes the low bytes of a 16-byte
// IV (the high bytes are zero — CBC has no AAD, so header binding is left
// entirely to the fingerprint), with PKCS#7 padding.
type cbcTransform struct {
	block cipher.Block
}

func (cbcTransform) Model() Model { return ModelAESCBC }

func (t cbcTransform) Seal(_ []byte, plaintext []byte, random uint32) ([]byte, []byte, error) {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint32(iv[aes.BlockSize-4:], random)
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(t.block, iv).CryptBlocks(out, padded)
	return out, nil, nil
}

func (t cbcTransform) Open(_ []byte, ciphertext []byte, _ []byte, random uint32) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 || len(ciphertext) == 0 {
		return nil, fmt.Errorf("cipher: aes-cbc: ciphertext not block-aligned")
	}
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint32(iv[aes.BlockSize-4:], random)
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(t.block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Pad(buf []byte, blockSize int) []byte {
	n := blockSize - len(buf)%blockSize
	padded := make([]byte, len(buf)+n)
	copy(padded, buf)
	for i := len(buf); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("cipher: pkcs7: empty buffer")
	}
	n := int(buf[len(buf)-1])
	if n == 0 || n > len(buf) {
		return nil, fmt.Errorf("cipher: pkcs7: invalid padding")
	}
	return buf[:len(buf)-n], nil
}

// xorTransform is the lightest-weight model: a repeating-key XOR stream.
// It provides obfuscation, not confidentiality, and is offered for parity
// with low-power/embedded deployments that skip AES entirely.
type xorTransform struct {
	key []byte
}

func (xorTransform) Model() Model { return ModelXOR }

func (t xorTransform) Seal(_ []byte, plaintext []byte, _ uint32) ([]byte, []byte, error) {
	return xorWith(plaintext, t.key), nil, nil
}

func (t xorTransform) Open(_ []byte, ciphertext []byte, _ []byte, _ uint32) ([]byte, error) {
	return xorWith(ciphertext, t.key), nil
}

func xorWith(buf, key []byte) []byte {
	out := make([]byte, len(buf))
	for i := range buf {
		out[i] = buf[i] ^ key[i%len(key)]
	}
	return out
}

// NextRandom draws a fresh 32-bit counter value for the envelope's random
// field. Using crypto/rand rather than a plain counter avoids cross-process
// nonce reuse when a node restarts.
func NextRandom() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("cipher: generating random: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
