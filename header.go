package knxnet

import (
	"encoding/binary"
	"fmt"
)

// ProtocolVersion10 is the KNXnet/IP 1.0 protocol version octet (0x10).
const ProtocolVersion10 byte = 0x10

const headerLength = 6

// ServiceType identifies the body that follows a KNXnet/IP header.
type ServiceType uint16

// Service types this engine encodes or decodes. Tunnelling and device
// management request/ack pairs are parameterized per ConnectionProfile
// rather than named here individually.
const (
	ServiceConnectRequest         ServiceType = 0x0205
	ServiceConnectResponse        ServiceType = 0x0206
	ServiceConnectionstateRequest ServiceType = 0x0207
	ServiceConnectionstateResponse ServiceType = 0x0208
	ServiceDisconnectRequest      ServiceType = 0x0209
	ServiceDisconnectResponse     ServiceType = 0x020A

	ServiceTunnelingRequest ServiceType = 0x0420
	ServiceTunnelingAck     ServiceType = 0x0421

	ServiceDeviceConfigurationRequest ServiceType = 0x0310
	ServiceDeviceConfigurationAck     ServiceType = 0x0311
)

// String returns a human-readable service type name, or a hex fallback
// for anything this engine treats as opaque.
func (s ServiceType) String() string {
	switch s {
	case ServiceConnectRequest:
		return "CONNECT_REQ"
	case ServiceConnectResponse:
		return "CONNECT_RES"
	case ServiceConnectionstateRequest:
		return "CONNECTIONSTATE_REQ"
	case ServiceConnectionstateResponse:
		return "CONNECTIONSTATE_RES"
	case ServiceDisconnectRequest:
		return "DISCONNECT_REQ"
	case ServiceDisconnectResponse:
		return "DISCONNECT_RES"
	case ServiceTunnelingRequest:
		return "TUNNELING_REQUEST"
	case ServiceTunnelingAck:
		return "TUNNELING_ACK"
	case ServiceDeviceConfigurationRequest:
		return "DEVICE_CONFIGURATION_REQUEST"
	case ServiceDeviceConfigurationAck:
		return "DEVICE_CONFIGURATION_ACK"
	default:
		return fmt.Sprintf("SVC(0x%04x)", uint16(s))
	}
}

// Header is the common 6-octet KNXnet/IP header: structure length,
// protocol version, service type, and total frame length.
type Header struct {
	StructureLength byte
	ProtocolVersion byte
	ServiceType     ServiceType
	TotalLength     uint16
}

// ParseHeader decodes only the fixed 6-octet header, without requiring
// the full frame to be present yet. It is used by the TCP stream framer
// to learn TotalLength before the rest of the frame has arrived.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < headerLength {
		return Header{}, fmt.Errorf("%w: frame too short for header: %d bytes", ErrFormat, len(data))
	}
	h := Header{
		StructureLength: data[0],
		ProtocolVersion: data[1],
		ServiceType:     ServiceType(binary.BigEndian.Uint16(data[2:4])),
		TotalLength:     binary.BigEndian.Uint16(data[4:6]),
	}
	if h.StructureLength != headerLength {
		return Header{}, fmt.Errorf("%w: bad header length %d, want %d", ErrFormat, h.StructureLength, headerLength)
	}
	if h.ProtocolVersion == 0 {
		return Header{}, fmt.Errorf("%w: missing protocol version", ErrFormat)
	}
	if h.TotalLength < headerLength {
		return Header{}, fmt.Errorf("%w: declared total length %d shorter than header", ErrFormat, h.TotalLength)
	}
	return h, nil
}

// Decode parses a complete framed message and returns the header
// together with the body view (the bytes after the header). It fails
// with ErrFormat when the structure length, version, declared total
// length, or frame length are inconsistent. It never panics.
func Decode(data []byte) (Header, []byte, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return Header{}, nil, err
	}
	if int(h.TotalLength) != len(data) {
		return Header{}, nil, fmt.Errorf("%w: declared total length %d does not match frame length %d", ErrFormat, h.TotalLength, len(data))
	}
	return h, data[headerLength:], nil
}

// encodeHeader writes the 6-octet header for a body of bodyLen bytes and
// returns a buffer sized and ready for the caller to append the body to.
func encodeHeader(svc ServiceType, bodyLen int) []byte {
	total := headerLength + bodyLen
	buf := make([]byte, headerLength, total)
	buf[0] = headerLength
	buf[1] = ProtocolVersion10
	binary.BigEndian.PutUint16(buf[2:4], uint16(svc))
	binary.BigEndian.PutUint16(buf[4:6], uint16(total))
	return buf
}
