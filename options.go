package knxnet

import (
	"context"
	"fmt"
	"net"
	"time"
)

// dialConfig collects the tunables a DialOption may override. Its
// zero-plus-profile-defaults value is what Dial uses when no options are
// given.
type dialConfig struct {
	local           *net.UDPAddr
	nat             bool
	profile         *ConnectionProfile
	maxSendAttempts int
	responseTimeout time.Duration
}

// DialOption configures a Dial or DialTCP call. Options compose:
// WithProfile followed by WithMaxSendAttempts overrides only the attempt
// count from the chosen profile's defaults.
type DialOption func(*dialConfig)

// WithLocalEndpoint binds the UDP transport to a specific local address
// instead of an ephemeral one chosen by the kernel. It has no effect on
// DialTCP, whose local endpoint is that of the shared stream's socket.
func WithLocalEndpoint(addr *net.UDPAddr) DialOption {
	return func(c *dialConfig) { c.local = addr }
}

// WithNAT enables NAT-aware data-endpoint substitution: when the
// server's connect response carries an unspecified data HPAI, the
// engine substitutes the address the response was actually observed
// arriving from.
func WithNAT() DialOption {
	return func(c *dialConfig) { c.nat = true }
}

// WithProfile selects the connection profile (service types, ack
// expectations, KNX layer) instead of the tunnelling default.
func WithProfile(p ConnectionProfile) DialOption {
	return func(c *dialConfig) { c.profile = &p }
}

// WithMaxSendAttempts overrides the profile's retransmission budget for
// service requests awaiting an ack.
func WithMaxSendAttempts(n int) DialOption {
	return func(c *dialConfig) { c.maxSendAttempts = n }
}

// WithResponseTimeout overrides the profile's per-attempt ack wait.
func WithResponseTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) { c.responseTimeout = d }
}

func newDialConfig(opts []DialOption) dialConfig {
	cfg := dialConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.profile == nil {
		p := TunnelingProfile()
		cfg.profile = &p
	}
	if cfg.maxSendAttempts > 0 {
		cfg.profile.MaxSendAttempts = cfg.maxSendAttempts
	}
	if cfg.responseTimeout > 0 {
		cfg.profile.ResponseTimeout = cfg.responseTimeout
	}
	return cfg
}

// Dial establishes a UDP tunnelling (or, with WithProfile, device
// management) connection to serverCtrl. onFrame receives every inbound
// cEMI payload once this engine has acknowledged and sequenced it. The
// returned Connection is already in the OK state; call Close to tear it
// down.
func Dial(ctx context.Context, serverCtrl *net.UDPAddr, onFrame FrameCallback, opts ...DialOption) (*Connection, error) {
	cfg := newDialConfig(opts)

	transport, err := NewUDPTransport(cfg.local)
	if err != nil {
		return nil, err
	}

	c := newConnection(*cfg.profile, TransportUDP, cfg.nat, onFrame)
	if err := c.Connect(ctx, transport.LocalAddr(), serverCtrl, cfg.profile.CRI(), transport); err != nil {
		_ = transport.Close()
		return nil, err
	}
	return c, nil
}

// DialTCP establishes a connection multiplexed over an already-running
// SharedStream, using the TCP route-back convention for both control and
// data endpoints. shared must already have its Run loop started by the
// caller, since it may carry other connections.
func DialTCP(ctx context.Context, shared *SharedStream, serverCtrl *net.UDPAddr, onFrame FrameCallback, opts ...DialOption) (*Connection, error) {
	if shared == nil {
		return nil, fmt.Errorf("%w: DialTCP requires a shared stream", ErrIllegalState)
	}
	cfg := newDialConfig(opts)

	transport := NewTCPTransport(shared)
	c := newConnection(*cfg.profile, TransportTCP, false, onFrame)
	if err := c.Connect(ctx, nil, serverCtrl, cfg.profile.CRI(), transport); err != nil {
		_ = transport.Close()
		return nil, err
	}
	return c, nil
}
