package knxnet

import (
	"net"
	"sync"
)

// mockTransport is a Transport double driven directly by tests: Send
// records outgoing frames instead of touching a socket, and deliver lets
// a test hand the registered callback a frame as though it had arrived
// from the wire. blockingRun mirrors UDPTransport's semantics (Run
// blocks until Close); set it false to mirror TCPTransport's
// register-and-return semantics.
type mockTransport struct {
	blockingRun bool

	mu    sync.Mutex
	sent  [][]byte
	dests []*net.UDPAddr
	cb    InboundCallback

	readyOnce sync.Once
	ready     chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		blockingRun: true,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (m *mockTransport) Send(frame []byte, dest *net.UDPAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), frame...)
	m.sent = append(m.sent, cp)
	m.dests = append(m.dests, dest)
	return nil
}

func (m *mockTransport) Run(cb InboundCallback) error {
	m.mu.Lock()
	m.cb = cb
	blocking := m.blockingRun
	m.mu.Unlock()
	m.readyOnce.Do(func() { close(m.ready) })
	if !blocking {
		return nil
	}
	<-m.done
	return nil
}

func (m *mockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// deliver waits for a callback to be registered, then invokes it with
// header/body/src as if it had just been decoded off the wire.
func (m *mockTransport) deliver(header Header, body []byte, src *net.UDPAddr) {
	<-m.ready
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	cb(header, body, src)
}

func (m *mockTransport) deliverFrame(frame []byte, src *net.UDPAddr) error {
	header, body, err := Decode(frame)
	if err != nil {
		return err
	}
	m.deliver(header, body, src)
	return nil
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockTransport) sentAt(i int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[i]
}
