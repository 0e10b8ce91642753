package knxnet

import (
	"encoding/binary"
	"fmt"
)

// ConnectionType is the CRI/CRD tag identifying the kind of connection
// being requested.
type ConnectionType byte

const (
	ConnTypeDeviceMgmt ConnectionType = 0x03
	ConnTypeTunnel     ConnectionType = 0x04
)

func (c ConnectionType) String() string {
	switch c {
	case ConnTypeDeviceMgmt:
		return "DEVICE_MGMT_CONNECTION"
	case ConnTypeTunnel:
		return "TUNNEL_CONNECTION"
	default:
		return fmt.Sprintf("CONNECTION_TYPE(0x%02x)", byte(c))
	}
}

// Tunnelling link layers a CRI can request.
const (
	TunnelLinkLayer byte = 0x02
)

// IndividualAddress is the KNX individual address the server assigns for
// the lifetime of a tunnelling session: area (4 bits), line (4 bits),
// device (8 bits).
type IndividualAddress struct {
	Area, Line, Device byte
}

// Encode packs a into its 2-octet wire form.
func (a IndividualAddress) Encode() uint16 {
	return uint16(a.Area&0x0f)<<12 | uint16(a.Line&0x0f)<<8 | uint16(a.Device)
}

// DecodeIndividualAddress unpacks a 2-octet KNX individual address.
func DecodeIndividualAddress(v uint16) IndividualAddress {
	return IndividualAddress{
		Area:   byte(v >> 12 & 0x0f),
		Line:   byte(v >> 8 & 0x0f),
		Device: byte(v),
	}
}

func (a IndividualAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Area, a.Line, a.Device)
}

// CRI is the Connect Request Information payload of a connect request:
// a tagged record keyed by ConnType.
type CRI struct {
	ConnType ConnectionType
	KNXLayer byte // only meaningful for ConnTypeTunnel
}

// TunnelCRI builds a CRI requesting a tunnelling connection at the given
// KNX layer (e.g. TunnelLinkLayer).
func TunnelCRI(layer byte) CRI {
	return CRI{ConnType: ConnTypeTunnel, KNXLayer: layer}
}

// DeviceManagementCRI builds a CRI requesting a device management
// connection.
func DeviceManagementCRI() CRI {
	return CRI{ConnType: ConnTypeDeviceMgmt}
}

// Encode serializes c to its wire form: length octet, connection-type
// octet, then type-specific payload.
func (c CRI) Encode() []byte {
	switch c.ConnType {
	case ConnTypeTunnel:
		return []byte{4, byte(c.ConnType), c.KNXLayer, 0x00}
	default:
		return []byte{2, byte(c.ConnType)}
	}
}

// DecodeCRI parses a CRI from the start of data, returning the number of
// bytes consumed.
func DecodeCRI(data []byte) (CRI, int, error) {
	if len(data) < 2 {
		return CRI{}, 0, fmt.Errorf("%w: cri too short", ErrFormat)
	}
	length := int(data[0])
	if length < 2 || len(data) < length {
		return CRI{}, 0, fmt.Errorf("%w: cri declares length %d, have %d bytes", ErrFormat, length, len(data))
	}
	cri := CRI{ConnType: ConnectionType(data[1])}
	if cri.ConnType == ConnTypeTunnel && length >= 3 {
		cri.KNXLayer = data[2]
	}
	return cri, length, nil
}

// CRD is the Connect Response Data payload of a connect response: a
// tagged record keyed by ConnType. TunnelAddress is set only when the
// server includes a tunnel CRD carrying the assigned individual address.
type CRD struct {
	ConnType      ConnectionType
	TunnelAddress *IndividualAddress
}

// DecodeCRD parses a CRD from the start of data, returning the number of
// bytes consumed. A zero-length remainder (no CRD present) is not an
// error: it decodes to the zero CRD with 0 bytes consumed.
func DecodeCRD(data []byte) (CRD, int, error) {
	if len(data) == 0 {
		return CRD{}, 0, nil
	}
	if len(data) < 2 {
		return CRD{}, 0, fmt.Errorf("%w: crd too short", ErrFormat)
	}
	length := int(data[0])
	if length < 2 || len(data) < length {
		return CRD{}, 0, fmt.Errorf("%w: crd declares length %d, have %d bytes", ErrFormat, length, len(data))
	}
	crd := CRD{ConnType: ConnectionType(data[1])}
	if crd.ConnType == ConnTypeTunnel && length >= 4 {
		addr := DecodeIndividualAddress(binary.BigEndian.Uint16(data[2:4]))
		crd.TunnelAddress = &addr
	}
	return crd, length, nil
}
