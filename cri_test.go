package knxnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTunnelCRIRoundTrip(t *testing.T) {
	cri := TunnelCRI(TunnelLinkLayer)
	decoded, n, err := DecodeCRI(cri.Encode())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, cri, decoded)
}

func TestDeviceManagementCRIRoundTrip(t *testing.T) {
	cri := DeviceManagementCRI()
	decoded, n, err := DecodeCRI(cri.Encode())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, ConnTypeDeviceMgmt, decoded.ConnType)
}

func TestDecodeCRDNoTrailingData(t *testing.T) {
	crd, n, err := DecodeCRD(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, CRD{}, crd)
}

func TestDecodeCRDTunnelAddress(t *testing.T) {
	addr := IndividualAddress{Area: 1, Line: 2, Device: 200}
	data := []byte{4, byte(ConnTypeTunnel), 0, 0}
	data[2] = byte(addr.Encode() >> 8)
	data[3] = byte(addr.Encode())

	crd, n, err := DecodeCRD(data)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NotNil(t, crd.TunnelAddress)
	assert.Equal(t, addr, *crd.TunnelAddress)
}

func TestIndividualAddressString(t *testing.T) {
	addr := IndividualAddress{Area: 1, Line: 1, Device: 5}
	assert.Equal(t, "1.1.5", addr.String())
}
