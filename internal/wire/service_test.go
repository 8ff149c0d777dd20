package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRequestRoundTrip(t *testing.T) {
	req := HandshakeRequest{ClientVersion: "meshd/0.1"}
	parsed, err := ParseHandshakeRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req.ClientVersion, parsed.ClientVersion)
}

func TestHandshakeResponseRoundTrip(t *testing.T) {
	resp := HandshakeResponse{
		PublicKey:     []byte{1, 2, 3, 4},
		ServerFinger:  []byte("fingerprint"),
		ServerVersion: "registrar/2.0",
	}
	parsed, err := ParseHandshakeResponse(resp.Marshal())
	require.NoError(t, err)
	assert.Equal(t, resp.PublicKey, parsed.PublicKey)
	assert.Equal(t, resp.ServerFinger, parsed.ServerFinger)
	assert.Equal(t, resp.ServerVersion, parsed.ServerVersion)
}

func TestHandshakeResponseOmitsPublicKeyWhenServerEncryptionDisabled(t *testing.T) {
	resp := HandshakeResponse{ServerFinger: []byte("fp"), ServerVersion: "v1"}
	parsed, err := ParseHandshakeResponse(resp.Marshal())
	require.NoError(t, err)
	assert.Empty(t, parsed.PublicKey)
}

func TestSecretHandshakeRoundTrip(t *testing.T) {
	sh := SecretHandshake{EncryptedSessionKey: []byte{0xde, 0xad, 0xbe, 0xef}}
	parsed, err := ParseSecretHandshake(sh.Marshal())
	require.NoError(t, err)
	assert.Equal(t, sh.EncryptedSessionKey, parsed.EncryptedSessionKey)
}

func TestRegistrationResponseErrorRoundTrip(t *testing.T) {
	resp := RegistrationResponse{ErrorCode: 2, ErrorMessage: "address exhausted"}
	parsed, err := ParseRegistrationResponse(resp.Marshal())
	require.NoError(t, err)
	assert.EqualValues(t, 2, parsed.ErrorCode)
	assert.Equal(t, "address exhausted", parsed.ErrorMessage)
}

func TestRegistrationResponseSuccessRoundTrip(t *testing.T) {
	resp := RegistrationResponse{
		VirtualIP:      []byte{10, 26, 0, 4},
		VirtualGateway: []byte{10, 26, 0, 1},
		VirtualNetmask: []byte{255, 255, 0, 0},
		Epoch:          9,
	}
	parsed, err := ParseRegistrationResponse(resp.Marshal())
	require.NoError(t, err)
	assert.EqualValues(t, 0, parsed.ErrorCode)
	assert.True(t, resp.VirtualIP.Equal(parsed.VirtualIP))
	assert.True(t, resp.VirtualGateway.Equal(parsed.VirtualGateway))
	assert.EqualValues(t, 9, parsed.Epoch)
}

func TestPollDeviceListMarshalsEmpty(t *testing.T) {
	assert.Empty(t, PollDeviceList{}.Marshal())
}
