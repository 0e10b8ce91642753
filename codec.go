package knxnet

import "fmt"

const connectionHeaderLength = 4

// ConnectionHeader is the 4-octet connection header carried by
// tunnelling/device-management requests and their acks: structure
// length (4), channel ID, sequence counter, and a fourth octet that
// carries the peer's status on an ack (reserved, 0, on a request).
type ConnectionHeader struct {
	Channel    byte
	SeqNumber  byte
	Status     Status
}

// Encode serializes h to its 4-octet wire form.
func (h ConnectionHeader) Encode() []byte {
	return []byte{connectionHeaderLength, h.Channel, h.SeqNumber, byte(h.Status)}
}

// DecodeConnectionHeader parses a connection header from the start of
// data, returning the number of bytes consumed.
func DecodeConnectionHeader(data []byte) (ConnectionHeader, int, error) {
	if len(data) < connectionHeaderLength {
		return ConnectionHeader{}, 0, fmt.Errorf("%w: connection header too short: %d bytes", ErrFormat, len(data))
	}
	if data[0] != connectionHeaderLength {
		return ConnectionHeader{}, 0, fmt.Errorf("%w: bad connection header length %d", ErrFormat, data[0])
	}
	h := ConnectionHeader{Channel: data[1], SeqNumber: data[2], Status: Status(data[3])}
	return h, connectionHeaderLength, nil
}

// EncodeConnectRequest builds a CONNECT_REQ frame.
func EncodeConnectRequest(cri CRI, controlHPAI, dataHPAI HPAI) []byte {
	body := append(controlHPAI.Encode(), dataHPAI.Encode()...)
	body = append(body, cri.Encode()...)
	return append(encodeHeader(ServiceConnectRequest, len(body)), body...)
}

// EncodeConnectionstateRequest builds a CONNECTIONSTATE_REQ frame.
func EncodeConnectionstateRequest(channel byte, controlHPAI HPAI) []byte {
	body := []byte{channel, 0x00}
	body = append(body, controlHPAI.Encode()...)
	return append(encodeHeader(ServiceConnectionstateRequest, len(body)), body...)
}

// EncodeDisconnectRequest builds a DISCONNECT_REQ frame.
func EncodeDisconnectRequest(channel byte, controlHPAI HPAI) []byte {
	body := []byte{channel, 0x00}
	body = append(body, controlHPAI.Encode()...)
	return append(encodeHeader(ServiceDisconnectRequest, len(body)), body...)
}

// EncodeDisconnectResponse builds a DISCONNECT_RES frame.
func EncodeDisconnectResponse(channel byte, status Status) []byte {
	body := []byte{channel, byte(status)}
	return append(encodeHeader(ServiceDisconnectResponse, len(body)), body...)
}

// EncodeServiceRequest builds a service-request frame (tunnelling or
// device-configuration) carrying the given cEMI payload.
func EncodeServiceRequest(svc ServiceType, channel, seq byte, cemi []byte) []byte {
	body := append(ConnectionHeader{Channel: channel, SeqNumber: seq}.Encode(), cemi...)
	return append(encodeHeader(svc, len(body)), body...)
}

// EncodeServiceAck builds a service-ack frame for the given channel,
// sequence number, and status.
func EncodeServiceAck(svc ServiceType, channel, seq byte, status Status) []byte {
	body := ConnectionHeader{Channel: channel, SeqNumber: seq, Status: status}.Encode()
	return append(encodeHeader(svc, len(body)), body...)
}

// DecodeConnectResponse parses a CONNECT_RES body. When status is
// non-zero, dataHPAI and crd are the zero value: the response carries no
// further fields in that case.
func DecodeConnectResponse(body []byte) (channel byte, status Status, dataHPAI HPAI, crd CRD, err error) {
	if len(body) < 2 {
		return 0, 0, HPAI{}, CRD{}, fmt.Errorf("%w: connect response too short", ErrFormat)
	}
	channel = body[0]
	status = Status(body[1])
	if status != StatusNoError {
		return channel, status, HPAI{}, CRD{}, nil
	}
	rest := body[2:]
	dataHPAI, n, herr := DecodeHPAI(rest)
	if herr != nil {
		return 0, 0, HPAI{}, CRD{}, herr
	}
	rest = rest[n:]
	crd, _, cerr := DecodeCRD(rest)
	if cerr != nil {
		return 0, 0, HPAI{}, CRD{}, cerr
	}
	return channel, status, dataHPAI, crd, nil
}

// DecodeConnectionstateResponse parses a CONNECTIONSTATE_RES body.
func DecodeConnectionstateResponse(body []byte) (channel byte, status Status, err error) {
	if len(body) < 2 {
		return 0, 0, fmt.Errorf("%w: connectionstate response too short", ErrFormat)
	}
	return body[0], Status(body[1]), nil
}

// DecodeDisconnectRequest parses a DISCONNECT_REQ body.
func DecodeDisconnectRequest(body []byte) (channel byte, controlHPAI HPAI, err error) {
	if len(body) < 2 {
		return 0, HPAI{}, fmt.Errorf("%w: disconnect request too short", ErrFormat)
	}
	channel = body[0]
	hpai, _, herr := DecodeHPAI(body[2:])
	if herr != nil {
		return 0, HPAI{}, herr
	}
	return channel, hpai, nil
}

// DecodeDisconnectResponse parses a DISCONNECT_RES body.
func DecodeDisconnectResponse(body []byte) (channel byte, status Status, err error) {
	if len(body) < 2 {
		return 0, 0, fmt.Errorf("%w: disconnect response too short", ErrFormat)
	}
	return body[0], Status(body[1]), nil
}

// DecodeServiceAck parses a service-ack body.
func DecodeServiceAck(body []byte) (ConnectionHeader, error) {
	h, _, err := DecodeConnectionHeader(body)
	return h, err
}

// DecodeServiceRequest parses a service-request body, returning the
// connection header and the opaque cEMI payload that follows it.
func DecodeServiceRequest(body []byte) (ConnectionHeader, []byte, error) {
	h, n, err := DecodeConnectionHeader(body)
	if err != nil {
		return ConnectionHeader{}, nil, err
	}
	return h, body[n:], nil
}

// peekChannel extracts the channel ID from a decoded body without fully
// parsing it, for routing frames on a shared TCP stream before a
// per-connection dispatcher has been chosen. Reports false for
// CONNECT_REQ and CONNECTIONSTATE_REQ, and for a body too short to hold
// the channel octet; a CONNECT_RES reports the channel it assigns.
func peekChannel(svc ServiceType, body []byte) (byte, bool) {
	switch svc {
	case ServiceConnectResponse, ServiceConnectionstateResponse, ServiceDisconnectRequest, ServiceDisconnectResponse:
		if len(body) < 1 {
			return 0, false
		}
		return body[0], true
	case ServiceConnectRequest, ServiceConnectionstateRequest:
		return 0, false
	default:
		if len(body) < 2 {
			return 0, false
		}
		return body[1], true
	}
}
