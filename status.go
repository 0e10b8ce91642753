package knxnet

import "fmt"

// Status is the one-octet status field carried in connect responses,
// connectionstate responses, service acks, and disconnect responses.
type Status byte

// Status codes defined by the KNXnet/IP core specification that this
// engine surfaces verbatim in user-visible error messages.
const (
	StatusNoError                Status = 0x00
	StatusErrHostProtocolType    Status = 0x01
	StatusErrVersionNotSupported Status = 0x02
	StatusErrSequenceNumber      Status = 0x04
	StatusErrConnectionID        Status = 0x21
	StatusErrConnectionType      Status = 0x22
	StatusErrConnectionOption    Status = 0x23
	StatusErrNoMoreConnections   Status = 0x24
	StatusErrNoControlEndpoint   Status = 0x25
	StatusErrDataConnection      Status = 0x26
	StatusErrKNXConnection       Status = 0x27
	StatusErrTunnelingLayer      Status = 0x29
)

// String returns the peer-reported condition name, or a hex fallback for
// codes this engine does not recognize.
func (s Status) String() string {
	switch s {
	case StatusNoError:
		return "NO_ERROR"
	case StatusErrHostProtocolType:
		return "E_HOST_PROTOCOL_TYPE"
	case StatusErrVersionNotSupported:
		return "E_VERSION_NOT_SUPPORTED"
	case StatusErrSequenceNumber:
		return "E_SEQUENCE_NUMBER"
	case StatusErrConnectionID:
		return "E_CONNECTION_ID"
	case StatusErrConnectionType:
		return "E_CONNECTION_TYPE"
	case StatusErrConnectionOption:
		return "E_CONNECTION_OPTION"
	case StatusErrNoMoreConnections:
		return "E_NO_MORE_CONNECTIONS"
	case StatusErrNoControlEndpoint:
		return "E_NO_CONTROL_ENDPOINT"
	case StatusErrDataConnection:
		return "E_DATA_CONNECTION"
	case StatusErrKNXConnection:
		return "E_KNX_CONNECTION"
	case StatusErrTunnelingLayer:
		return "E_TUNNELING_LAYER"
	default:
		return fmt.Sprintf("E_UNKNOWN(0x%02x)", byte(s))
	}
}
