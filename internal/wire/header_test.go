package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader(ProtocolIpv4Turn, 0)
	h.FirstSetTTL(MaxTTL)
	h.SetSourceIPv4(0x0A1A0002)
	h.SetDestIPv4(0x0A1A0003)
	h.SetPayload([]byte("hello"))

	parsed, err := ParseHeader(h.Bytes())
	require.NoError(t, err)

	assert.EqualValues(t, Version, parsed.Version())
	assert.Equal(t, ProtocolIpv4Turn, parsed.Protocol())
	assert.EqualValues(t, MaxTTL, parsed.SourceTTL())
	assert.EqualValues(t, MaxTTL, parsed.TTL())
	assert.EqualValues(t, 0x0A1A0002, parsed.SourceIPv4())
	assert.EqualValues(t, 0x0A1A0003, parsed.DestIPv4())
	assert.Equal(t, []byte("hello"), parsed.Payload())
}

func TestFirstSetTTLPreservesSourceTTLAcrossSetTTL(t *testing.T) {
	h := NewHeader(ProtocolIpv4Turn, 0)
	h.FirstSetTTL(15)
	h.SetTTL(13)

	assert.EqualValues(t, 15, h.SourceTTL())
	assert.EqualValues(t, 13, h.TTL())
}

func TestDecrementTTLSaturatesAtZero(t *testing.T) {
	h := NewHeader(ProtocolIpv4Turn, 0)
	h.FirstSetTTL(0)
	h.DecrementTTL()
	assert.EqualValues(t, 0, h.TTL())
}

func TestParseHeaderRejectsShortAndLongFrames(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderLen-1))
	assert.Error(t, err)

	_, err = ParseHeader(make([]byte, MaxFrameLen+1))
	assert.Error(t, err)
}

func TestObservedPathLength(t *testing.T) {
	h := NewHeader(ProtocolIpv4Turn, 0)
	h.FirstSetTTL(15)
	h.SetTTL(13)
	assert.Equal(t, 3, h.ObservedPathLength())
}

func TestRegistrationRoundTrip(t *testing.T) {
	req := RegistrationRequest{
		Token:      "tok",
		DeviceName: "nodeA",
		DeviceID:   "dev-1",
		NatInfo:    []byte{1, 2, 3},
	}
	parsed, err := ParseRegistrationRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req.Token, parsed.Token)
	assert.Equal(t, req.DeviceName, parsed.DeviceName)
	assert.Equal(t, req.NatInfo, parsed.NatInfo)
}

func TestPushDeviceListRoundTrip(t *testing.T) {
	list := PushDeviceList{
		Epoch: 7,
		Peers: []DeviceListEntry{
			{VirtualIP: []byte{10, 26, 0, 2}, Name: "a", Online: true},
			{VirtualIP: []byte{10, 26, 0, 3}, Name: "b", Online: false, ClientSecret: true},
		},
	}
	parsed, err := ParsePushDeviceList(list.Marshal())
	require.NoError(t, err)
	assert.EqualValues(t, 7, parsed.Epoch)
	require.Len(t, parsed.Peers, 2)
	assert.Equal(t, "a", parsed.Peers[0].Name)
	assert.True(t, parsed.Peers[0].Online)
	assert.True(t, parsed.Peers[1].ClientSecret)
}
