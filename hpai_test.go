package knxnet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPHPAIRoundTrip(t *testing.T) {
	h, err := NewUDPHPAI(net.ParseIP("192.168.1.10"), 3671)
	require.NoError(t, err)

	decoded, n, err := DecodeHPAI(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, hpaiLength, n)
	assert.Equal(t, h, decoded)
	assert.Equal(t, "192.168.1.10", decoded.IP().String())
}

func TestNewUDPHPAIRejectsIPv6(t *testing.T) {
	_, err := NewUDPHPAI(net.ParseIP("::1"), 3671)
	require.ErrorIs(t, err, ErrFormat)
}

func TestTCPRouteBack(t *testing.T) {
	h := NewTCPRouteBack()
	assert.True(t, h.IsRouteBack())
	assert.Nil(t, h.IP())

	udp, _ := NewUDPHPAI(net.ParseIP("10.0.0.1"), 1)
	assert.False(t, udp.IsRouteBack())
}

func TestDecodeHPAIRejectsBadLength(t *testing.T) {
	buf := make([]byte, hpaiLength)
	buf[0] = hpaiLength + 1
	_, _, err := DecodeHPAI(buf)
	require.ErrorIs(t, err, ErrFormat)
}

func TestDecodeHPAIRejectsShortInput(t *testing.T) {
	_, _, err := DecodeHPAI([]byte{8, 1, 2})
	require.ErrorIs(t, err, ErrFormat)
}

func TestNewUDPWildcardHPAIIsZeroed(t *testing.T) {
	h := NewUDPWildcardHPAI()
	assert.Equal(t, HostProtocolIPv4UDP, h.Protocol)
	assert.Equal(t, [4]byte{}, h.Addr)
	assert.Equal(t, uint16(0), h.Port)
	assert.Nil(t, h.IP())
}
