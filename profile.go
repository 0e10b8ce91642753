package knxnet

import "time"

// Timing parameters fixed by the KNXnet/IP core and tunnelling
// specifications.
const (
	ConnectRequestTimeout      = 10 * time.Second
	ConfirmationTimeout        = 3 * time.Second
	DisconnectResponseTimeout  = 1 * time.Second
	HeartbeatInterval          = 60 * time.Second
	HeartbeatProbeTimeout      = 10 * time.Second
	HeartbeatMaxFailures       = 4
	defaultResponseTimeout     = 1 * time.Second
	defaultMaxSendAttempts     = 2
)

// ConnectionProfile parameterizes the state machine engine for one kind
// of connection, replacing the subclass-per-connection-kind hierarchy of
// the original client with a single capability record: service request
// and ack types, whether an ack is expected at all, retransmission
// limits, and the negotiated protocol version.
type ConnectionProfile struct {
	ServiceRequest  ServiceType
	ServiceAck      ServiceType
	ExpectsAck      bool
	MaxSendAttempts int
	ResponseTimeout time.Duration
	ProtocolVersion byte
	ConnType        ConnectionType
	KNXLayer        byte
}

// TunnelingProfile returns the profile for a tunnelling connection at
// the standard link layer.
func TunnelingProfile() ConnectionProfile {
	return ConnectionProfile{
		ServiceRequest:  ServiceTunnelingRequest,
		ServiceAck:      ServiceTunnelingAck,
		ExpectsAck:      true,
		MaxSendAttempts: defaultMaxSendAttempts,
		ResponseTimeout: defaultResponseTimeout,
		ProtocolVersion: ProtocolVersion10,
		ConnType:        ConnTypeTunnel,
		KNXLayer:        TunnelLinkLayer,
	}
}

// DeviceManagementProfile returns the profile for a device-management
// connection.
func DeviceManagementProfile() ConnectionProfile {
	return ConnectionProfile{
		ServiceRequest:  ServiceDeviceConfigurationRequest,
		ServiceAck:      ServiceDeviceConfigurationAck,
		ExpectsAck:      true,
		MaxSendAttempts: defaultMaxSendAttempts,
		ResponseTimeout: defaultResponseTimeout,
		ProtocolVersion: ProtocolVersion10,
		ConnType:        ConnTypeDeviceMgmt,
	}
}

// CRI builds the connect-request-information payload for this profile.
func (p ConnectionProfile) CRI() CRI {
	return CRI{ConnType: p.ConnType, KNXLayer: p.KNXLayer}
}
