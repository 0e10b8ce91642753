package knxnet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog/log"
)

// maxFrameSize bounds a single KNXnet/IP frame: TotalLength is a 16-bit
// field, so no valid frame exceeds this.
const maxFrameSize = 1<<16 - 1

// traceBufferSize bounds the diagnostic ring kept alongside a shared TCP
// stream's reassembly buffer; it exists purely to attach recent raw
// bytes to a log event when framing fails, not to hold protocol state.
const traceBufferSize = 256

// InboundCallback receives one fully decoded frame off a transport. src
// is nil for TCP, whose peer is implied by the shared stream rather than
// carried per-datagram.
type InboundCallback func(header Header, body []byte, src *net.UDPAddr)

// Transport is the uniform send/receive abstraction over a UDP datagram
// socket or a shared TCP stream. Send transmits pre-framed bytes; Run
// drives inbound delivery to cb; Close unblocks any in-flight Run and
// releases resources this Transport itself owns.
type Transport interface {
	Send(frame []byte, dest *net.UDPAddr) error
	Run(cb InboundCallback) error
	Close() error
}

// UDPTransport owns a datagram socket bound to a caller-chosen local
// endpoint. Each inbound datagram must contain exactly one framed
// message.
type UDPTransport struct {
	conn   *net.UDPConn
	closed atomic.Bool
}

// NewUDPTransport binds a UDP socket to local. A loopback local address
// is permitted but logged as a warning, per the connection engine's
// contract with callers who may not have intended it.
func NewUDPTransport(local *net.UDPAddr) (*UDPTransport, error) {
	if local != nil && local.IP != nil && local.IP.IsLoopback() {
		log.Warn().Stringer("local", local).Msg("binding KNXnet/IP UDP transport to a loopback address")
	}
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return nil, fmt.Errorf("%w: bind udp transport: %v", ErrTransport, err)
	}
	return &UDPTransport{conn: conn}, nil
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Send writes frame as a single datagram to dest, which must not be nil.
func (t *UDPTransport) Send(frame []byte, dest *net.UDPAddr) error {
	if dest == nil {
		return fmt.Errorf("%w: udp transport requires an explicit destination", ErrIllegalState)
	}
	if _, err := t.conn.WriteToUDP(frame, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Run reads datagrams until the transport is closed. A datagram that
// fails to decode is logged and dropped, never propagated as an error:
// only a genuine socket failure (other than the closing one this
// transport itself triggers) is returned.
func (t *UDPTransport) Run(cb InboundCallback) error {
	buf := make([]byte, maxFrameSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() {
				// Closing the socket is the mandated way to unblock a
				// pending read; treat it as terminal, not an error.
				return nil
			}
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		frame := append([]byte(nil), buf[:n]...)
		header, body, derr := Decode(frame)
		if derr != nil {
			log.Warn().Err(derr).Stringer("src", addr).Msg("dropping malformed datagram")
			continue
		}
		cb(header, body, addr)
	}
}

// Close marks the transport closed and closes the socket, which is the
// interrupt mechanism for a receiver blocked in ReadFromUDP.
func (t *UDPTransport) Close() error {
	t.closed.Store(true)
	return t.conn.Close()
}

// SharedStream multiplexes one TCP byte stream across the connections
// registered with it by channel ID, reassembling KNXnet/IP frames out of
// arbitrary read chunks. It is owned by whatever set up the TCP session,
// not by any single Connection: connections only register and
// unregister their interest.
type SharedStream struct {
	conn net.Conn

	mu      sync.Mutex
	clients map[byte]InboundCallback
	pending InboundCallback

	writeMu sync.Mutex

	buf   bytes.Buffer   // frame reassembly FIFO
	trace *circbuf.Buffer // bounded ring of recent raw bytes, for diagnostics only

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSharedStream wraps conn for frame-oriented multiplexing. The caller
// is responsible for calling Run and, eventually, Close.
func NewSharedStream(conn net.Conn) (*SharedStream, error) {
	trace, err := circbuf.NewBuffer(traceBufferSize)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate trace buffer: %v", ErrTransport, err)
	}
	return &SharedStream{
		conn:    conn,
		clients: make(map[byte]InboundCallback),
		trace:   trace,
		closed:  make(chan struct{}),
	}, nil
}

// RegisterPending sets the callback that receives frames not yet
// associated with a channel ID (chiefly the connect response for a
// connection attempt in progress).
func (s *SharedStream) RegisterPending(cb InboundCallback) {
	s.mu.Lock()
	s.pending = cb
	s.mu.Unlock()
}

// ClearPending removes the pending callback without registering a
// channel, used when a connect attempt is abandoned.
func (s *SharedStream) ClearPending() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// Register associates channel with cb and clears the pending callback,
// used once a connect response has assigned a channel ID.
func (s *SharedStream) Register(channel byte, cb InboundCallback) {
	s.mu.Lock()
	s.clients[channel] = cb
	s.pending = nil
	s.mu.Unlock()
}

// Unregister removes channel's callback.
func (s *SharedStream) Unregister(channel byte) {
	s.mu.Lock()
	delete(s.clients, channel)
	s.mu.Unlock()
}

// Write sends frame on the shared stream, serialized against concurrent
// writers.
func (s *SharedStream) Write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Run reads the stream until EOF or Close, reassembling and dispatching
// frames as they complete. It returns nil on a clean close or EOF.
func (s *SharedStream) Run() error {
	chunk := make([]byte, 4096)
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.trace.Write(chunk[:n])
			s.buf.Write(chunk[:n])
			s.drainFrames()
		}
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
}

// drainFrames extracts and dispatches every complete frame currently
// buffered, leaving a partial trailing frame in place for the next read.
func (s *SharedStream) drainFrames() {
	for {
		raw := s.buf.Bytes()
		if len(raw) < headerLength {
			return
		}
		h, err := ParseHeader(raw[:headerLength])
		if err != nil {
			log.Error().Err(err).Bytes("trace", s.trace.Bytes()).Msg("bad header on shared TCP stream, closing")
			_ = s.Close()
			return
		}
		if len(raw) < int(h.TotalLength) {
			return
		}
		frame := append([]byte(nil), raw[:h.TotalLength]...)
		s.buf.Next(int(h.TotalLength))

		header, body, derr := Decode(frame)
		if derr != nil {
			log.Warn().Err(derr).Msg("dropping malformed TCP frame")
			continue
		}
		s.dispatch(header, body)
	}
}

func (s *SharedStream) dispatch(header Header, body []byte) {
	// Callbacks run without s.mu held: a connection's handler may call
	// Register (connect response) or Unregister (cleanup) itself.
	s.mu.Lock()

	if header.ServiceType == ServiceConnectResponse {
		pending := s.pending
		s.mu.Unlock()
		if pending != nil {
			pending(header, body, nil)
		}
		return
	}
	channel, ok := peekChannel(header.ServiceType, body)
	if !ok {
		pending := s.pending
		s.mu.Unlock()
		if pending != nil {
			pending(header, body, nil)
		}
		return
	}
	cb, found := s.clients[channel]
	s.mu.Unlock()
	if found {
		cb(header, body, nil)
		return
	}
	log.Warn().Uint8("channel", channel).Stringer("service", header.ServiceType).Msg("no registered TCP client for channel, discarding frame")
}

// Close terminates the underlying stream and unblocks Run. Per the
// transport contract, individual TCPTransport instances must never call
// this: the stream is shared and only the owner that created it may
// close it.
func (s *SharedStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// TCPTransport is a per-connection view onto a SharedStream. It does not
// own the socket: Close only unregisters this connection's interest.
type TCPTransport struct {
	shared *SharedStream

	mu      sync.Mutex
	channel *byte
}

// NewTCPTransport creates a transport delegating to shared.
func NewTCPTransport(shared *SharedStream) *TCPTransport {
	return &TCPTransport{shared: shared}
}

// Send writes a pre-framed message on the shared stream. dest is ignored
// since the peer is implied by the stream.
func (t *TCPTransport) Send(frame []byte, _ *net.UDPAddr) error {
	return t.shared.Write(frame)
}

// Run registers this transport as the pending recipient for frames not
// yet bound to a channel ID. Unlike UDPTransport.Run, it does not block:
// the shared stream's own Run loop, started once by whoever owns the
// TCP connection, drives all delivery.
func (t *TCPTransport) Run(cb InboundCallback) error {
	t.shared.RegisterPending(cb)
	return nil
}

// AssignChannel switches this transport's routing from the pending slot
// to a channel-keyed registration, once a connect response has assigned
// a channel ID.
func (t *TCPTransport) AssignChannel(channel byte, cb InboundCallback) {
	t.mu.Lock()
	c := channel
	t.channel = &c
	t.mu.Unlock()
	t.shared.Register(channel, cb)
}

// Close unregisters this connection's interest in the shared stream. It
// must not, and does not, close the stream itself.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	ch := t.channel
	t.mu.Unlock()
	if ch != nil {
		t.shared.Unregister(*ch)
	} else {
		t.shared.ClearPending()
	}
	return nil
}
