package knxnet

import (
	"net"

	"github.com/rs/zerolog/log"
)

// handleInbound is the single entry point every transport calls with a
// decoded frame. It enforces the protocol-version check before routing
// by service type to the state machine, the heartbeat, or the
// application callback.
func (c *Connection) handleInbound(header Header, body []byte, src *net.UDPAddr) {
	c.mu.Lock()
	wantVersion := c.profile.ProtocolVersion
	c.mu.Unlock()

	if header.ProtocolVersion != wantVersion {
		log.Warn().Stringer("id", c.id).
			Uint8("gotVersion", header.ProtocolVersion).
			Uint8("wantVersion", wantVersion).
			Msg("protocol version changed, closing")
		c.cleanup("protocol version changed")
		return
	}

	switch header.ServiceType {
	case ServiceConnectRequest:
		log.Warn().Stringer("id", c.id).Msg("dropping CONNECT_REQ: clients do not serve")
	case ServiceConnectResponse:
		c.handleConnectResponse(body, src)
	case ServiceConnectionstateRequest:
		log.Warn().Stringer("id", c.id).Msg("dropping CONNECTIONSTATE_REQ: clients do not serve")
	case ServiceConnectionstateResponse:
		c.handleConnectionstateResponse(body)
	case ServiceDisconnectRequest:
		c.handleDisconnectRequest(body, src)
	case ServiceDisconnectResponse:
		c.handleDisconnectResponse(body)
	default:
		c.handleServiceFrame(header.ServiceType, body, src)
	}
}

func (c *Connection) handleConnectResponse(body []byte, src *net.UDPAddr) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		log.Warn().Stringer("id", c.id).Msg("unexpected CONNECT_RES outside CONNECTING, discarding")
		return
	}
	c.mu.Unlock()

	channel, status, dataHPAI, crd, err := DecodeConnectResponse(body)
	if err != nil {
		log.Warn().Err(err).Msg("malformed connect response")
		return
	}
	if status != StatusNoError {
		c.mu.Lock()
		c.lastStatus = status.String()
		c.mu.Unlock()
		c.setStateNotify(StateAckError)
		c.cleanup("connect rejected")
		return
	}

	wantProto := HostProtocolIPv4UDP
	if c.transportKind == TransportTCP {
		wantProto = HostProtocolIPv4TCP
	}
	if dataHPAI.Protocol != wantProto {
		log.Warn().Stringer("id", c.id).Msg("connect response data endpoint transport mismatch, closing")
		c.cleanup("internal: data endpoint protocol mismatch")
		return
	}

	var dataAddr *net.UDPAddr
	if c.transportKind == TransportTCP {
		if !dataHPAI.IsRouteBack() {
			log.Warn().Stringer("id", c.id).Msg("TCP connect response missing route-back data HPAI, closing")
			c.cleanup("internal: TCP data endpoint not route-back")
			return
		}
	} else {
		ip := dataHPAI.IP()
		port := dataHPAI.Port
		if c.nat && (ip == nil || ip.IsUnspecified() || port == 0) {
			if src == nil {
				log.Warn().Stringer("id", c.id).Msg("NAT substitution requested but no source address observed, closing")
				c.cleanup("internal: NAT substitution unavailable")
				return
			}
			ip = src.IP
			port = uint16(src.Port)
		}
		dataAddr = &net.UDPAddr{IP: ip, Port: int(port)}
	}

	c.mu.Lock()
	c.channelID = channel
	c.dataEndpoint = dataAddr
	if crd.TunnelAddress != nil {
		addr := *crd.TunnelAddress
		c.tunnelingAddress = &addr
	}
	c.mu.Unlock()

	if c.transportKind == TransportTCP {
		if tt, ok := c.transport.(*TCPTransport); ok {
			tt.AssignChannel(channel, c.handleInbound)
		}
	}

	c.setStateNotify(StateOK)
	c.startHeartbeat()
}

func (c *Connection) handleConnectionstateResponse(body []byte) {
	c.mu.Lock()
	hb := c.heartbeat
	channel := c.channelID
	c.mu.Unlock()
	if hb == nil {
		return
	}
	respChannel, status, err := DecodeConnectionstateResponse(body)
	if err != nil {
		log.Warn().Err(err).Msg("malformed connectionstate response")
		return
	}
	if respChannel != channel {
		log.Warn().Uint8("got", respChannel).Uint8("want", channel).Msg("connectionstate response channel mismatch, discarding")
		return
	}
	hb.onResponse(status)
}

func (c *Connection) handleDisconnectRequest(body []byte, src *net.UDPAddr) {
	channel, _, err := DecodeDisconnectRequest(body)
	if err != nil {
		log.Warn().Err(err).Msg("malformed disconnect request")
		return
	}

	c.mu.Lock()
	ctrl := c.controlEndpoint
	ourChannel := c.channelID
	kind := c.transportKind
	c.mu.Unlock()

	if kind == TransportUDP {
		if ctrl == nil || src == nil || !src.IP.Equal(ctrl.IP) || src.Port != ctrl.Port {
			log.Warn().Stringer("id", c.id).Msg("DISCONNECT_REQ from unexpected source, ignoring")
			return
		}
	}
	// Over TCP the peer is implied by the stream (route-back), so src is
	// always nil here; the control endpoint is whoever owns the connection.
	if channel != ourChannel {
		log.Warn().Stringer("id", c.id).Msg("DISCONNECT_REQ channel mismatch, ignoring")
		return
	}

	resp := EncodeDisconnectResponse(channel, StatusNoError)
	if err := c.transport.Send(resp, src); err != nil {
		log.Warn().Err(err).Msg("failed to send disconnect response")
	}
	c.cleanup("server request")
}

func (c *Connection) handleDisconnectResponse(body []byte) {
	_, status, err := DecodeDisconnectResponse(body)
	if err != nil {
		log.Warn().Err(err).Msg("malformed disconnect response")
		return
	}
	if status != StatusNoError {
		log.Warn().Stringer("status", status).Msg("peer reported non-zero status on disconnect response")
	}
	c.mu.Lock()
	closing := c.state == StateClosing
	c.mu.Unlock()
	if !closing {
		return
	}
	c.cleanup("disconnect response")
}

// handleServiceFrame routes a service ack (UDP only) or a service
// request against this connection's profile. Any other service type is
// logged at debug level and dropped; it is not passed on to any other
// handler.
func (c *Connection) handleServiceFrame(svc ServiceType, body []byte, src *net.UDPAddr) {
	c.mu.Lock()
	channel := c.channelID
	c.mu.Unlock()

	switch svc {
	case c.profile.ServiceAck:
		if c.transportKind != TransportUDP {
			log.Warn().Msg("unexpected service ack over TCP, dropping")
			return
		}
		ch, err := DecodeServiceAck(body)
		if err != nil {
			log.Warn().Err(err).Msg("malformed service ack")
			return
		}
		if ch.Channel != channel {
			log.Warn().Uint8("got", ch.Channel).Uint8("want", channel).Msg("service ack channel mismatch, discarding")
			return
		}
		c.deliverAck(ch)
	case c.profile.ServiceRequest:
		ch, cemi, err := DecodeServiceRequest(body)
		if err != nil {
			log.Warn().Err(err).Msg("malformed service request")
			return
		}
		if ch.Channel != channel {
			log.Warn().Uint8("got", ch.Channel).Uint8("want", channel).Msg("service request channel mismatch, discarding")
			return
		}
		c.acknowledgeAndDeliver(ch, cemi, src)
	default:
		log.Debug().Stringer("service", svc).Msg("unhandled service type")
	}
}

func (c *Connection) deliverAck(ch ConnectionHeader) {
	c.mu.Lock()
	waiter := c.ackWaiter
	c.mu.Unlock()
	if waiter == nil {
		log.Debug().Msg("service ack received with no pending send, discarding")
		return
	}
	if ch.SeqNumber != waiter.seq {
		log.Debug().Uint8("got", ch.SeqNumber).Uint8("want", waiter.seq).Msg("service ack sequence mismatch, ignoring")
		return
	}
	select {
	case waiter.result <- ackOutcome{status: ch.Status}:
	default:
	}
}

// acknowledgeAndDeliver implements the inbound sequence discipline: ack
// unconditionally with the peer's sequence number, advance the inbound
// counter only on a fresh (non-duplicate) sequence number, and deliver
// to the application only on that same fresh arrival. A service request
// arriving while CEMI_CON_PENDING also resolves the confirmation this
// connection's last Send is waiting on, since cEMI construction is out
// of scope here and any echoed service-request in that window is by
// definition the confirmation.
func (c *Connection) acknowledgeAndDeliver(ch ConnectionHeader, cemi []byte, src *net.UDPAddr) {
	c.mu.Lock()
	expected := c.inboundSeq
	duplicate := ch.SeqNumber != expected
	if !duplicate {
		c.inboundSeq++
	}
	channel := c.channelID
	awaitingConfirm := c.state == StateCemiConPending
	if awaitingConfirm {
		c.state = StateOK
	}
	c.mu.Unlock()

	ack := EncodeServiceAck(c.profile.ServiceAck, channel, ch.SeqNumber, StatusNoError)
	if err := c.transport.Send(ack, src); err != nil {
		log.Warn().Err(err).Msg("failed to send service ack")
	}

	if awaitingConfirm {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}

	if duplicate {
		log.Debug().Uint8("seq", ch.SeqNumber).Msg("duplicate service request re-acknowledged, not redelivered")
		return
	}

	if c.onFrame != nil {
		c.onFrame(cemi)
	}
}
