package knxnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// TransportKind selects the transport semantics a Connection runs over.
type TransportKind int

const (
	TransportUDP TransportKind = iota
	TransportTCP
)

func (k TransportKind) String() string {
	if k == TransportTCP {
		return "TCP"
	}
	return "UDP"
}

// FrameCallback delivers an inbound service-request's opaque cEMI
// payload to the application, after this engine has already
// acknowledged it and advanced the inbound sequence counter.
type FrameCallback func(cemi []byte)

// ackWaiter tracks the single outstanding UDP service ack this
// connection may be waiting on. Only one exists at a time, mirroring the
// "at most one in-flight service request" invariant.
type ackWaiter struct {
	seq    byte
	result chan ackOutcome
}

type ackOutcome struct {
	status Status
}

// Connection tracks the lifecycle of one logical channel to a KNX IP
// server: control/data endpoints, transport kind, sequence counters,
// state, and the pending send slot, all owned exclusively by mu.
type Connection struct {
	id            uuid.UUID
	profile       ConnectionProfile
	transportKind TransportKind
	nat           bool
	onFrame       FrameCallback

	transport Transport
	eg        *errgroup.Group

	mu   sync.Mutex
	cond *sync.Cond

	state            ConnState
	channelID        byte
	outboundSeq      byte
	inboundSeq       byte
	lastStatus       string
	tunnelingAddress *IndividualAddress

	controlEndpoint  *net.UDPAddr
	dataEndpoint     *net.UDPAddr
	localControlHPAI HPAI

	ackWaiter *ackWaiter

	heartbeat *heartbeatMonitor

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(profile ConnectionProfile, kind TransportKind, nat bool, onFrame FrameCallback) *Connection {
	c := &Connection{
		id:            uuid.New(),
		profile:       profile,
		transportKind: kind,
		nat:           nat,
		onFrame:       onFrame,
		state:         StateClosed,
		closed:        make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// State returns the connection's current internal state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChannelID returns the server-assigned channel ID, or 0 if unassigned.
func (c *Connection) ChannelID() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// TunnelingAddress returns the individual address assigned by a tunnel
// CRD, or nil if none was assigned (or the connection is not OK).
func (c *Connection) TunnelingAddress() *IndividualAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tunnelingAddress == nil {
		return nil
	}
	addr := *c.tunnelingAddress
	return &addr
}

// OutboundSeq returns the current outbound sequence counter.
func (c *Connection) OutboundSeq() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outboundSeq
}

// Done returns a channel closed once cleanup has fully run, including
// the join of the receiver and, unless cleanup was started by the
// heartbeat actor itself, of the heartbeat actor.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

func (c *Connection) setStateNotify(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.cond.Broadcast()
	c.mu.Unlock()
	log.Debug().Stringer("id", c.id).Stringer("state", s).Msg("state transition")
}

// waitForState blocks until the state differs from from or timeout
// elapses, returning the state observed and whether it changed.
func (c *Connection) waitForState(timeout time.Duration, from ConnState) (ConnState, bool) {
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state == from && time.Now().Before(deadline) {
		c.cond.Wait()
	}
	return c.state, c.state != from
}

// waitForStateCtx is waitForState made cancellable: a context
// cancellation surfaces as an error instead of a plain timeout, and
// still guarantees the caller stops waiting promptly.
func (c *Connection) waitForStateCtx(ctx context.Context, timeout time.Duration, from ConnState) (ConnState, bool, error) {
	done := make(chan struct{})
	var state ConnState
	var changed bool
	go func() {
		state, changed = c.waitForState(timeout, from)
		close(done)
	}()

	select {
	case <-done:
		return state, changed, nil
	case <-ctx.Done():
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
		return StateClosed, false, ctx.Err()
	}
}

// Connect drives the connection from CLOSED to OK, per the
// establishment procedure: build the local HPAI, send a connect
// request, start the receiver (UDP only), and wait bounded for a state
// change. Any path that leaves the connection short of OK reaches
// CLOSED before returning.
func (c *Connection) Connect(ctx context.Context, localAddr *net.UDPAddr, serverCtrl *net.UDPAddr, cri CRI, transport Transport) error {
	c.mu.Lock()
	if c.state != StateClosed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connect called on non-closed connection (state=%s)", ErrIllegalState, state)
	}
	c.mu.Unlock()

	if serverCtrl == nil || serverCtrl.IP == nil {
		return fmt.Errorf("%w: server control endpoint not resolved", ErrFormat)
	}
	if serverCtrl.IP.IsMulticast() {
		return fmt.Errorf("%w: server control endpoint %s must not be multicast", ErrIllegalState, serverCtrl)
	}

	c.transport = transport
	c.controlEndpoint = serverCtrl

	var localHPAI HPAI
	var err error
	switch {
	case c.transportKind == TransportTCP:
		localHPAI = NewTCPRouteBack()
	case c.nat:
		localHPAI = NewUDPWildcardHPAI()
	default:
		localHPAI, err = NewUDPHPAI(localAddr.IP, uint16(localAddr.Port))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFormat, err)
		}
	}
	c.localControlHPAI = localHPAI

	c.setStateNotify(StateConnecting)

	frame := EncodeConnectRequest(cri, localHPAI, localHPAI)
	if err := c.transport.Send(frame, serverCtrl); err != nil {
		c.doCleanup("communication failure", false)
		return fmt.Errorf("%w: send connect request to %s: %v", ErrTransport, serverCtrl, err)
	}

	if err := c.beginReceiving(); err != nil {
		c.doCleanup("communication failure", false)
		return fmt.Errorf("%w: start receiver: %v", ErrTransport, err)
	}

	final, changed, ctxErr := c.waitForStateCtx(ctx, ConnectRequestTimeout, StateConnecting)
	if ctxErr != nil {
		c.doCleanup("interrupted", false)
		return fmt.Errorf("%w: %v", ErrInterrupted, ctxErr)
	}
	if !changed {
		c.doCleanup("connect timeout", false)
		return fmt.Errorf("%w: no connect response from %s within %s", ErrTimeout, serverCtrl, ConnectRequestTimeout)
	}
	if final != StateOK {
		c.mu.Lock()
		status := c.lastStatus
		c.mu.Unlock()
		c.doCleanup("connect failed", false)
		if status != "" {
			return fmt.Errorf("%w: server %s rejected connect request: %s", ErrRemote, serverCtrl, status)
		}
		return fmt.Errorf("%w: unexpected state %s after connect request to %s", ErrIllegalState, final, serverCtrl)
	}
	return nil
}

// beginReceiving starts the UDP receive loop under the connection's
// errgroup, or, for TCP, only registers this connection as the pending
// recipient on the shared stream (whose own Run loop, started
// separately by whoever owns the TCP session, drives delivery).
func (c *Connection) beginReceiving() error {
	if c.transportKind == TransportUDP {
		c.eg = &errgroup.Group{}
		c.eg.Go(func() error {
			return c.transport.Run(c.handleInbound)
		})
		return nil
	}
	return c.transport.Run(c.handleInbound)
}

func (c *Connection) dataDest() *net.UDPAddr {
	if c.transportKind == TransportTCP {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataEndpoint
}

// Send submits one framed service request carrying cemi. It is rejected
// unless the connection is OK; on success it drives WAITING_ACK (UDP
// only) then CEMI_CON_PENDING, then blocks for the cEMI confirmation
// before returning to OK.
func (c *Connection) Send(cemi []byte) error {
	c.mu.Lock()
	if c.state != StateOK {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: send rejected in state %s", ErrIllegalState, state)
	}
	seq := c.outboundSeq
	channel := c.channelID
	c.mu.Unlock()

	frame := EncodeServiceRequest(c.profile.ServiceRequest, channel, seq, cemi)

	if c.transportKind == TransportUDP && c.profile.ExpectsAck {
		if err := c.sendWithRetransmit(frame, seq); err != nil {
			return err
		}
	} else {
		if err := c.transport.Send(frame, c.dataDest()); err != nil {
			c.doCleanup("communication failure", false)
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		c.setStateNotify(StateCemiConPending)
	}

	final, changed := c.waitForState(ConfirmationTimeout, StateCemiConPending)
	if !changed {
		log.Warn().Stringer("id", c.id).Msg("cEMI confirmation timeout, reverting to OK")
		c.setStateNotify(StateOK)
		return fmt.Errorf("%w: no cEMI confirmation within %s", ErrTimeout, ConfirmationTimeout)
	}
	if final != StateOK {
		return fmt.Errorf("%w: unexpected state %s awaiting confirmation", ErrIllegalState, final)
	}
	return nil
}

// sendWithRetransmit implements the UDP ack loop: send, wait
// responseTimeout for a matching ack, retransmit up to MaxSendAttempts
// total. A non-zero ack status fails the send and returns to OK without
// advancing the sequence counter; a matching NO_ERROR ack advances it
// and moves on to CEMI_CON_PENDING.
func (c *Connection) sendWithRetransmit(frame []byte, seq byte) error {
	c.mu.Lock()
	c.state = StateWaitingAck
	waiter := &ackWaiter{seq: seq, result: make(chan ackOutcome, 1)}
	c.ackWaiter = waiter
	c.cond.Broadcast()
	dest := c.dataEndpoint
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ackWaiter = nil
		c.mu.Unlock()
	}()

	attempts := 0
	for {
		attempts++
		if err := c.transport.Send(frame, dest); err != nil {
			c.doCleanup("communication failure", false)
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		select {
		case outcome := <-waiter.result:
			if outcome.status != StatusNoError {
				c.mu.Lock()
				c.state = StateAckError
				c.lastStatus = outcome.status.String()
				c.state = StateOK
				c.cond.Broadcast()
				c.mu.Unlock()
				return fmt.Errorf("%w: peer returned status %s on ack", ErrRemote, outcome.status)
			}
			c.mu.Lock()
			c.outboundSeq++
			c.state = StateCemiConPending
			c.cond.Broadcast()
			c.mu.Unlock()
			return nil
		case <-time.After(c.profile.ResponseTimeout):
			if attempts >= c.profile.MaxSendAttempts {
				c.mu.Lock()
				c.state = StateOK
				c.cond.Broadcast()
				c.mu.Unlock()
				return fmt.Errorf("%w: no ack after %d attempts", ErrTimeout, attempts)
			}
			log.Debug().Stringer("id", c.id).Int("attempt", attempts).Msg("ack timeout, retransmitting")
		}
	}
}

// Close initiates a local disconnect: send a disconnect request, wait
// bounded for the response, then force CLOSED regardless.
func (c *Connection) Close() error {
	c.mu.Lock()
	state := c.state
	channel := c.channelID
	c.mu.Unlock()
	if state == StateClosed {
		return nil
	}

	c.setStateNotify(StateClosing)
	frame := EncodeDisconnectRequest(channel, c.localControlHPAI)
	if err := c.transport.Send(frame, c.controlEndpoint); err != nil {
		log.Warn().Err(err).Msg("failed to send disconnect request")
	}
	c.waitForState(DisconnectResponseTimeout, StateClosing)
	c.doCleanup("local close", false)
	return nil
}

// startHeartbeat starts the heartbeat actor. It is a no-op if one is
// already running for this connection.
func (c *Connection) startHeartbeat() {
	c.mu.Lock()
	if c.heartbeat != nil {
		c.mu.Unlock()
		return
	}
	h := newHeartbeatMonitor(c)
	c.heartbeat = h
	c.mu.Unlock()
	go h.run()
}

// cleanup runs the one-shot teardown from any external caller (transport
// error, disconnect handling, local close).
func (c *Connection) cleanup(reason string) {
	c.doCleanup(reason, false)
}

// cleanupFromHeartbeat runs teardown from inside the heartbeat actor's
// own goroutine: it must not join that actor (self-join is skipped), and
// instead lets run's own return close its done channel.
func (c *Connection) cleanupFromHeartbeat(reason string) {
	c.doCleanup(reason, true)
}

// doCleanup is idempotent and guarded by closeOnce: concurrent cleanup
// requests collapse to the first. It signals every owned actor to stop
// without blocking on their exit, then joins them in the background so
// Done() only closes once the receiver has returned and, when cleanup
// did not come from the heartbeat actor, the heartbeat has too.
func (c *Connection) doCleanup(reason string, fromHeartbeat bool) {
	c.closeOnce.Do(func() {
		log.Info().Stringer("id", c.id).Str("reason", reason).Msg("connection cleanup")

		if c.transport != nil {
			if err := c.transport.Close(); err != nil {
				log.Debug().Err(err).Msg("transport close reported an error")
			}
		}
		if !fromHeartbeat && c.heartbeat != nil {
			c.heartbeat.requestStop()
		}

		c.mu.Lock()
		c.channelID = 0
		c.tunnelingAddress = nil
		c.state = StateClosed
		c.cond.Broadcast()
		c.mu.Unlock()

		if c.eg != nil || c.heartbeat != nil {
			go func() {
				if c.eg != nil {
					if err := c.eg.Wait(); err != nil {
						log.Debug().Err(err).Stringer("id", c.id).Msg("receiver actor exited")
					}
				}
				if !fromHeartbeat && c.heartbeat != nil {
					<-c.heartbeat.done
				}
				close(c.closed)
			}()
		} else {
			close(c.closed)
		}
	})
}
