package knxnet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnectionForHeartbeat(mt *mockTransport) *Connection {
	c := newConnection(TunnelingProfile(), TransportUDP, false, nil)
	c.transport = mt
	c.channelID = 3
	c.controlEndpoint = &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 3671}
	localHPAI, _ := NewUDPHPAI(net.ParseIP("10.0.0.5"), 40000)
	c.localControlHPAI = localHPAI
	return c
}

func TestHeartbeatOnResponseDroppedWhenNotWaiting(t *testing.T) {
	h := newHeartbeatMonitor(newTestConnectionForHeartbeat(newMockTransport()))
	h.onResponse(StatusNoError)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.False(t, h.responded, "a response arriving outside a probe must be dropped")
}

func TestHeartbeatProbeSucceedsOnMatchingResponse(t *testing.T) {
	mt := newMockTransport()
	c := newTestConnectionForHeartbeat(mt)
	h := newHeartbeatMonitor(c)

	result := make(chan bool, 1)
	go func() { result <- h.probe() }()

	require.Eventually(t, func() bool { return mt.sentCount() == 1 }, time.Second, time.Millisecond)
	header, body, err := Decode(mt.sentAt(0))
	require.NoError(t, err)
	assert.Equal(t, ServiceConnectionstateRequest, header.ServiceType)
	require.NotEmpty(t, body)
	assert.Equal(t, byte(3), body[0], "probe must request state for this connection's channel")

	h.onResponse(StatusNoError)

	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("probe did not return after a matching response")
	}
}

func TestHeartbeatProbeFailsWithoutResponse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping heartbeat probe timeout in -short mode")
	}
	mt := newMockTransport()
	c := newTestConnectionForHeartbeat(mt)
	h := newHeartbeatMonitor(c)

	result := make(chan bool, 1)
	go func() { result <- h.probe() }()

	select {
	case ok := <-result:
		assert.False(t, ok, "probe must fail once its wait deadline elapses without a response")
	case <-time.After(HeartbeatProbeTimeout + 2*time.Second):
		t.Fatal("probe did not time out")
	}
}

func TestHeartbeatQuitStopsBeforeFirstSleep(t *testing.T) {
	h := newHeartbeatMonitor(newTestConnectionForHeartbeat(newMockTransport()))
	done := make(chan struct{})
	go func() {
		h.run()
		close(done)
	}()
	h.quit()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not exit promptly after requestStop")
	}
}

func TestHeartbeatQuitIsIdempotent(t *testing.T) {
	h := newHeartbeatMonitor(newTestConnectionForHeartbeat(newMockTransport()))
	go h.run()
	h.quit()
	assert.NotPanics(t, func() { h.quit() })
}
