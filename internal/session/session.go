// Package session implements the per-client state for the dual-transport
// channel: one owned stream connection and one endpoint on the shared
// datagram socket, bound together during the gateway handshake.
package session

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Session IDs are assigned from a process-wide counter and are unique for the
// lifetime of the process.
var nextSessionID atomic.Uint32

// Session represents one connected client once both of its transports have
// been bound. A session owns its stream connection; the datagram socket is
// shared with every other session and is never closed here.
type Session struct {
	id    uint32
	nonce uuid.UUID

	conn      net.Conn
	udpSocket *net.UDPConn
	udpAddr   *net.UDPAddr

	// Exactly one codec per transport, created at construction. The sequence
	// counters live inside them, so they must never be recreated per call.
	stream   *StreamIO
	datagram *DatagramIO

	authenticated atomic.Bool
	disconnecting atomic.Bool

	metrics Metrics

	logger     *logrus.Logger
	unregister func(*Session)
}

// New creates a Session from a stream connection and the datagram endpoint
// learned during the handshake. handshakeSeq is the sequence number carried
// by the client's handshake datagram and seeds the receive-side counter.
// unregister is invoked exactly once when the session disconnects.
func New(
	logger *logrus.Logger,
	nonce uuid.UUID,
	conn net.Conn,
	udpSocket *net.UDPConn,
	udpAddr *net.UDPAddr,
	handshakeSeq uint32,
	unregister func(*Session),
) *Session {
	s := &Session{
		id:         nextSessionID.Add(1),
		nonce:      nonce,
		conn:       conn,
		udpSocket:  udpSocket,
		udpAddr:    udpAddr,
		logger:     logger,
		unregister: unregister,
	}
	s.metrics.loginTime = time.Now()
	s.metrics.lastStreamActivity.Store(time.Now().UnixNano())
	s.metrics.lastDatagramActivity.Store(time.Now().UnixNano())

	s.stream = newStreamIO(conn, &s.metrics)
	s.datagram = newDatagramIO(logger, s.id, udpSocket, udpAddr, handshakeSeq, &s.metrics)
	return s
}

func (s *Session) ID() uint32        { return s.id }
func (s *Session) Nonce() uuid.UUID  { return s.nonce }
func (s *Session) Stream() *StreamIO { return s.stream }

// Datagram returns the session's datagram codec.
func (s *Session) Datagram() *DatagramIO { return s.datagram }

// RemoteDatagramAddr returns the client's endpoint on the shared datagram socket.
func (s *Session) RemoteDatagramAddr() *net.UDPAddr { return s.udpAddr }

// Authenticated reports whether the challenge-response exchange has succeeded.
func (s *Session) Authenticated() bool { return s.authenticated.Load() }

// SetAuthenticated marks the session as authenticated. The flag only ever
// moves from false to true.
func (s *Session) SetAuthenticated() { s.authenticated.Store(true) }

// Disconnecting reports whether the session has begun tearing down.
func (s *Session) Disconnecting() bool { return s.disconnecting.Load() }

// Metrics exposes the session's transfer counters.
func (s *Session) Metrics() *Metrics { return &s.metrics }

// Disconnect tears the session down: the stream connection is closed and the
// session is unregistered. Idempotent and safe to call from any goroutine on
// any failure path; only the first call has any effect.
func (s *Session) Disconnect() {
	if !s.disconnecting.CompareAndSwap(false, true) {
		return
	}

	if err := s.conn.Close(); err != nil {
		s.logger.Debugf("session %d: error closing stream: %v", s.id, err)
	}
	if s.unregister != nil {
		s.unregister(s)
	}
	s.logger.Infof("session %d disconnected", s.id)
}

// Metrics tracks a session's transfer totals and activity timestamps. All
// fields are updated atomically by the transport codecs.
type Metrics struct {
	bytesSent            atomic.Uint64
	bytesReceived        atomic.Uint64
	lastStreamActivity   atomic.Int64
	lastDatagramActivity atomic.Int64
	loginTime            time.Time
}

func (m *Metrics) BytesSent() uint64     { return m.bytesSent.Load() }
func (m *Metrics) BytesReceived() uint64 { return m.bytesReceived.Load() }
func (m *Metrics) LoginTime() time.Time  { return m.loginTime }

// LastStreamActivity returns the time of the most recent stream read or write.
func (m *Metrics) LastStreamActivity() time.Time {
	return time.Unix(0, m.lastStreamActivity.Load())
}

// LastDatagramActivity returns the time of the most recent accepted datagram.
func (m *Metrics) LastDatagramActivity() time.Time {
	return time.Unix(0, m.lastDatagramActivity.Load())
}

func (m *Metrics) addSent(n int) {
	m.bytesSent.Add(uint64(n))
}

func (m *Metrics) addReceived(n int) {
	m.bytesReceived.Add(uint64(n))
}

func (m *Metrics) touchStream() {
	m.lastStreamActivity.Store(time.Now().UnixNano())
}

func (m *Metrics) touchDatagram() {
	m.lastDatagramActivity.Store(time.Now().UnixNano())
}
