package nat

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoMarshalRoundTrip(t *testing.T) {
	i := Info{
		Type:             TypeSymmetric,
		PublicIPs:        []net.IP{net.ParseIP("203.0.113.5"), net.ParseIP("203.0.113.6")},
		PublicPort:       40000,
		PublicPortStride: 12,
		LocalIP:          net.ParseIP("192.168.1.2"),
		LocalPort:        51820,
		UDPPorts:         []uint16{51820, 51821, 51822},
		TCPPort:          51823,
	}

	parsed, err := ParseInfo(i.Marshal())
	require.NoError(t, err)
	assert.Equal(t, TypeSymmetric, parsed.Type)
	require.Len(t, parsed.PublicIPs, 2)
	assert.True(t, parsed.PublicIPs[0].Equal(net.ParseIP("203.0.113.5")))
	assert.EqualValues(t, 40000, parsed.PublicPort)
	assert.EqualValues(t, 12, parsed.PublicPortStride)
	assert.True(t, parsed.LocalIP.Equal(net.ParseIP("192.168.1.2")))
	assert.Equal(t, []uint16{51820, 51821, 51822}, parsed.UDPPorts)
	assert.EqualValues(t, 51823, parsed.TCPPort)
}

func TestInfoMarshalHandlesNoPublicIPs(t *testing.T) {
	i := Info{Type: TypeCone}
	parsed, err := ParseInfo(i.Marshal())
	require.NoError(t, err)
	assert.Empty(t, parsed.PublicIPs)
	assert.Nil(t, parsed.LocalIP)
}

func TestParseInfoRejectsEmptyBlob(t *testing.T) {
	_, err := ParseInfo(nil)
	assert.Error(t, err)
}
