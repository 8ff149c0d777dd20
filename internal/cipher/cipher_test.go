package cipher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllModels(t *testing.T) {
	keys, err := DeriveKeys("shared-token")
	require.NoError(t, err)

	header := []byte{1, 4, 0, 0xFF, 10, 26, 0, 2, 10, 26, 0, 3}
	payload := []byte("the quick brown fox jumps over the lazy dog")

	for _, model := range []Model{ModelNone, ModelAESGCM, ModelChaCha20Poly1305, ModelAESCBC, ModelXOR} {
		t.Run(model.String(), func(t *testing.T) {
			transform, err := NewTransform(model, keys.Body)
			require.NoError(t, err)

			ct, trailer, err := Seal(transform, keys, header, payload)
			require.NoError(t, err)

			pt, err := Open(transform, keys, header, ct, trailer)
			require.NoError(t, err)
			assert.Equal(t, payload, pt)
		})
	}
}

func TestFingerprintSensitiveToEveryByte(t *testing.T) {
	keys, err := DeriveKeys("shared-token")
	require.NoError(t, err)

	header := []byte{1, 4, 0, 0xFF, 10, 26, 0, 2, 10, 26, 0, 3}
	payload := []byte("payload")

	base, err := Fingerprint(keys.Finger, header, payload)
	require.NoError(t, err)

	for i := range header {
		mutated := append([]byte{}, header...)
		mutated[i] ^= 0x01
		got, err := Fingerprint(keys.Finger, mutated, payload)
		require.NoError(t, err)
		assert.NotEqual(t, base, got, "header byte %d not covered", i)
	}
	for i := range payload {
		mutated := append([]byte{}, payload...)
		mutated[i] ^= 0x01
		got, err := Fingerprint(keys.Finger, header, mutated)
		require.NoError(t, err)
		assert.NotEqual(t, base, got, "payload byte %d not covered", i)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	keys, err := DeriveKeys("shared-token")
	require.NoError(t, err)
	header := []byte{1, 4, 0, 0xFF, 10, 26, 0, 2, 10, 26, 0, 3}

	transform, err := NewTransform(ModelAESGCM, keys.Body)
	require.NoError(t, err)

	ct, trailer, err := Seal(transform, keys, header, []byte("secret"))
	require.NoError(t, err)
	ct[0] ^= 0x01

	_, err = Open(transform, keys, header, ct, trailer)
	assert.Error(t, err)
}

func TestRSASessionKeyRoundTrip(t *testing.T) {
	priv, pub := generateTestRSAKey(t)
	var sessionKey [32]byte
	copy(sessionKey[:], []byte("0123456789abcdef0123456789abcdef"))

	ct, err := EncryptSessionKey(pub, sessionKey)
	require.NoError(t, err)

	got, err := DecryptSessionKey(priv, ct)
	require.NoError(t, err)
	assert.Equal(t, sessionKey, got)
}
