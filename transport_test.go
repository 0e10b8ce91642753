package knxnet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedStreamReassemblesSplitFrames(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	shared, err := NewSharedStream(serverConn)
	require.NoError(t, err)
	defer shared.Close()

	type delivery struct {
		header Header
		body   []byte
	}
	got := make(chan delivery, 1)
	shared.RegisterPending(func(h Header, body []byte, _ *net.UDPAddr) {
		got <- delivery{h, body}
	})

	go func() { _ = shared.Run() }()

	dataHPAI, err := NewUDPHPAI(net.ParseIP("10.0.0.9"), 3671)
	require.NoError(t, err)
	body := append([]byte{7, byte(StatusNoError)}, dataHPAI.Encode()...)
	body = append(body, byte(2), byte(ConnTypeDeviceMgmt))
	frame := append(encodeHeader(ServiceConnectResponse, len(body)), body...)

	go func() {
		mid := len(frame) / 2
		_, _ = clientConn.Write(frame[:mid])
		time.Sleep(10 * time.Millisecond)
		_, _ = clientConn.Write(frame[mid:])
	}()

	select {
	case d := <-got:
		assert.Equal(t, ServiceConnectResponse, d.header.ServiceType)
		channel, status, gotHPAI, _, err := DecodeConnectResponse(d.body)
		require.NoError(t, err)
		assert.Equal(t, byte(7), channel)
		assert.Equal(t, StatusNoError, status)
		assert.Equal(t, dataHPAI, gotHPAI)
	case <-time.After(2 * time.Second):
		t.Fatal("frame split across two writes was never reassembled")
	}
}

func TestSharedStreamRoutesByRegisteredChannel(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	shared, err := NewSharedStream(serverConn)
	require.NoError(t, err)
	defer shared.Close()

	pendingHits := make(chan struct{}, 4)
	channelHits := make(chan []byte, 4)
	shared.RegisterPending(func(h Header, body []byte, _ *net.UDPAddr) { pendingHits <- struct{}{} })
	shared.Register(5, func(h Header, body []byte, _ *net.UDPAddr) { channelHits <- body })

	go func() { _ = shared.Run() }()

	ack := EncodeServiceAck(ServiceTunnelingAck, 5, 2, StatusNoError)
	go clientConn.Write(ack)

	select {
	case body := <-channelHits:
		ch, _, err := DecodeConnectionHeader(body)
		require.NoError(t, err)
		assert.Equal(t, byte(5), ch.Channel)
	case <-time.After(time.Second):
		t.Fatal("frame for a registered channel was not routed to it")
	}
	assert.Empty(t, pendingHits, "a channel-addressed frame must not also reach the pending callback")
}

func TestSharedStreamUnregisterStopsRouting(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	shared, err := NewSharedStream(serverConn)
	require.NoError(t, err)
	defer shared.Close()

	shared.Register(5, func(h Header, body []byte, _ *net.UDPAddr) {
		t.Fatal("unregistered channel must not receive frames")
	})
	shared.Unregister(5)

	go func() { _ = shared.Run() }()

	ack := EncodeServiceAck(ServiceTunnelingAck, 5, 2, StatusNoError)
	clientConn.Write(ack)
	time.Sleep(50 * time.Millisecond)
}

func TestSharedStreamCloseUnblocksRun(t *testing.T) {
	_, serverConn := net.Pipe()
	shared, err := NewSharedStream(serverConn)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- shared.Run() }()

	require.NoError(t, shared.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Run")
	}
}

func TestUDPTransportSendRequiresDestination(t *testing.T) {
	transport, err := NewUDPTransport(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer transport.Close()

	err = transport.Send([]byte{1, 2, 3}, nil)
	require.ErrorIs(t, err, ErrIllegalState)
}

func TestUDPTransportRoundTrip(t *testing.T) {
	a, err := NewUDPTransport(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransport(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer b.Close()

	type delivery struct {
		header Header
		body   []byte
	}
	got := make(chan delivery, 1)
	go func() {
		_ = b.Run(func(h Header, body []byte, src *net.UDPAddr) {
			got <- delivery{h, body}
		})
	}()

	frame := EncodeConnectionstateRequest(1, NewTCPRouteBack())
	require.NoError(t, a.Send(frame, b.LocalAddr()))

	select {
	case d := <-got:
		assert.Equal(t, ServiceConnectionstateRequest, d.header.ServiceType)
	case <-time.After(time.Second):
		t.Fatal("datagram never arrived")
	}
}

func TestTCPTransportAssignChannelSwitchesRouting(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	shared, err := NewSharedStream(serverConn)
	require.NoError(t, err)
	defer shared.Close()
	go func() { _ = shared.Run() }()

	tt := NewTCPTransport(shared)
	pendingHits := make(chan struct{}, 1)
	require.NoError(t, tt.Run(func(h Header, body []byte, _ *net.UDPAddr) { pendingHits <- struct{}{} }))

	channelHits := make(chan struct{}, 1)
	tt.AssignChannel(6, func(h Header, body []byte, _ *net.UDPAddr) { channelHits <- struct{}{} })

	ack := EncodeServiceAck(ServiceTunnelingAck, 6, 0, StatusNoError)
	clientConn.Write(ack)

	select {
	case <-channelHits:
	case <-time.After(time.Second):
		t.Fatal("frame was not routed to the channel-assigned callback")
	}
	assert.Empty(t, pendingHits)

	require.NoError(t, tt.Close())
}
