package knxnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeaderRoundTrip(t *testing.T) {
	body := []byte{1, 2, 3, 4}
	frame := append(encodeHeader(ServiceTunnelingRequest, len(body)), body...)

	header, decodedBody, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, byte(headerLength), header.StructureLength)
	assert.Equal(t, ProtocolVersion10, header.ProtocolVersion)
	assert.Equal(t, ServiceTunnelingRequest, header.ServiceType)
	assert.Equal(t, uint16(headerLength+len(body)), header.TotalLength)
	assert.Equal(t, body, decodedBody)
}

func TestParseHeaderRejectsShortInput(t *testing.T) {
	_, err := ParseHeader([]byte{6, 0x10, 0x02})
	require.ErrorIs(t, err, ErrFormat)
}

func TestParseHeaderRejectsBadStructureLength(t *testing.T) {
	frame := encodeHeader(ServiceConnectRequest, 0)
	frame[0] = 5
	_, err := ParseHeader(frame)
	require.ErrorIs(t, err, ErrFormat)
}

func TestParseHeaderRejectsZeroVersion(t *testing.T) {
	frame := encodeHeader(ServiceConnectRequest, 0)
	frame[1] = 0
	_, err := ParseHeader(frame)
	require.ErrorIs(t, err, ErrFormat)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	frame := append(encodeHeader(ServiceConnectRequest, 4), []byte{1, 2, 3, 4}...)
	_, _, err := Decode(frame[:len(frame)-1])
	require.ErrorIs(t, err, ErrFormat)
}

func TestServiceTypeStringFallback(t *testing.T) {
	assert.Contains(t, ServiceType(0x9999).String(), "0x9999")
}
