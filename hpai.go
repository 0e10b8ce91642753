package knxnet

import (
	"encoding/binary"
	"fmt"
	"net"
)

const hpaiLength = 8

// HostProtocol identifies the transport a HPAI describes.
type HostProtocol byte

const (
	HostProtocolIPv4UDP HostProtocol = 0x01
	HostProtocolIPv4TCP HostProtocol = 0x02
)

func (p HostProtocol) String() string {
	switch p {
	case HostProtocolIPv4UDP:
		return "IPV4_UDP"
	case HostProtocolIPv4TCP:
		return "IPV4_TCP"
	default:
		return fmt.Sprintf("HOST_PROTOCOL(0x%02x)", byte(p))
	}
}

// HPAI is a Host Protocol Address Info: an 8-octet address/port
// descriptor exchanged during the connection handshake. A TCP HPAI is
// "route-back" when its address and port are both zero, meaning the
// peer is implied by the stream rather than carried on the wire.
type HPAI struct {
	Protocol HostProtocol
	Addr     [4]byte
	Port     uint16
}

// NewUDPHPAI builds a HPAI describing a UDP endpoint. It fails if ip is
// not a valid IPv4 address.
func NewUDPHPAI(ip net.IP, port uint16) (HPAI, error) {
	v4 := ip.To4()
	if v4 == nil {
		return HPAI{}, fmt.Errorf("%w: %s is not an IPv4 address", ErrFormat, ip)
	}
	var h HPAI
	h.Protocol = HostProtocolIPv4UDP
	copy(h.Addr[:], v4)
	h.Port = port
	return h, nil
}

// NewTCPRouteBack builds the TCP route-back HPAI: address and port zero.
func NewTCPRouteBack() HPAI {
	return HPAI{Protocol: HostProtocolIPv4TCP}
}

// NewUDPWildcardHPAI builds the zeroed UDP HPAI a NAT-mode client
// advertises in place of its real local endpoint, so the server routes
// its response back to the source address it actually observed.
func NewUDPWildcardHPAI() HPAI {
	return HPAI{Protocol: HostProtocolIPv4UDP}
}

// IsRouteBack reports whether h is a TCP HPAI with a zeroed address and
// port, i.e. the peer is implied by the stream carrying it.
func (h HPAI) IsRouteBack() bool {
	return h.Protocol == HostProtocolIPv4TCP && h.Addr == [4]byte{} && h.Port == 0
}

// IP returns the IPv4 address carried by h, or nil for the unspecified
// (route-back or zero) address.
func (h HPAI) IP() net.IP {
	if h.Addr == ([4]byte{}) {
		return nil
	}
	return net.IPv4(h.Addr[0], h.Addr[1], h.Addr[2], h.Addr[3])
}

// Encode serializes h to its 8-octet wire form: length(8), host
// protocol, 4-octet IPv4 address, 2-octet big-endian port.
func (h HPAI) Encode() []byte {
	buf := make([]byte, hpaiLength)
	buf[0] = hpaiLength
	buf[1] = byte(h.Protocol)
	copy(buf[2:6], h.Addr[:])
	binary.BigEndian.PutUint16(buf[6:8], h.Port)
	return buf
}

// DecodeHPAI parses a HPAI from the start of data and returns the
// number of bytes it consumed.
func DecodeHPAI(data []byte) (HPAI, int, error) {
	if len(data) < hpaiLength {
		return HPAI{}, 0, fmt.Errorf("%w: hpai too short: %d bytes", ErrFormat, len(data))
	}
	if data[0] != hpaiLength {
		return HPAI{}, 0, fmt.Errorf("%w: bad hpai length %d, want %d", ErrFormat, data[0], hpaiLength)
	}
	var h HPAI
	h.Protocol = HostProtocol(data[1])
	copy(h.Addr[:], data[2:6])
	h.Port = binary.BigEndian.Uint16(data[6:8])
	return h, hpaiLength, nil
}
