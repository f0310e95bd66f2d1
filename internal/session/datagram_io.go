package session

import (
	"encoding/binary"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bulwark-server/bulwark/internal/core/bytes"
	"github.com/bulwark-server/bulwark/internal/core/debug"
)

const (
	// MaxDatagramPayload is the largest payload accepted for an outbound
	// datagram. Oversized payloads are rejected, never truncated.
	MaxDatagramPayload = 1024

	// DatagramTimeout is the inactivity threshold after which a session's
	// datagram channel is considered quiet. Diagnostic only; a quiet datagram
	// channel does not drop the session.
	DatagramTimeout = 30 * time.Second
)

// ErrPayloadTooLarge is returned by Send for payloads over MaxDatagramPayload.
var ErrPayloadTooLarge = errors.New("datagram payload exceeds maximum size")

// DatagramIO sends and receives sequence-prefixed datagrams for one session
// over the shared datagram socket. Every datagram on the wire is
// [seq u32 LE | payload]; the sequence counters for both directions live here.
//
// Deliver is driven by the gateway's single datagram read loop and must not
// be called concurrently. Send is safe for concurrent use.
type DatagramIO struct {
	logger    *logrus.Logger
	sessionID uint32

	socket *net.UDPConn
	remote *net.UDPAddr

	lastSent     atomic.Uint32
	lastReceived atomic.Uint32

	metrics *Metrics

	// Receiver for accepted payloads, installed by the game layer. Nil
	// handlers drop the payload after sequence accounting.
	handler func(payload []byte)
}

func newDatagramIO(
	logger *logrus.Logger,
	sessionID uint32,
	socket *net.UDPConn,
	remote *net.UDPAddr,
	handshakeSeq uint32,
	metrics *Metrics,
) *DatagramIO {
	d := &DatagramIO{
		logger:    logger,
		sessionID: sessionID,
		socket:    socket,
		remote:    remote,
		metrics:   metrics,
	}
	d.lastReceived.Store(handshakeSeq)
	return d
}

// SetHandler installs the receiver for inbound payloads. Must be set before
// datagrams are routed to the session.
func (d *DatagramIO) SetHandler(handler func(payload []byte)) {
	d.handler = handler
}

// Send transmits payload to the session's remote endpoint, prefixed with the
// next outbound sequence number. The first datagram ever sent carries
// sequence 1; the counter wraps at 2^32.
func (d *DatagramIO) Send(payload []byte) error {
	if len(payload) > MaxDatagramPayload {
		return ErrPayloadTooLarge
	}

	seq := d.lastSent.Add(1)
	datagram := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(datagram, seq)
	copy(datagram[4:], payload)

	n, err := d.socket.WriteToUDP(datagram, d.remote)
	d.metrics.addSent(n)
	if err != nil {
		return err
	}

	debug.LogPacket(d.logger, "send", d.sessionID, datagram)
	return nil
}

// Deliver hands an inbound datagram to the session. Datagrams shorter than
// the sequence prefix are dropped, as is anything not strictly newer than the
// last accepted sequence. Gaps are logged for loss diagnostics but never
// trigger retransmission.
func (d *DatagramIO) Deliver(datagram []byte) {
	if len(datagram) < 4 {
		d.logger.Debugf("session %d: dropping short datagram (%d bytes)", d.sessionID, len(datagram))
		return
	}

	seq := binary.LittleEndian.Uint32(datagram)
	last := d.lastReceived.Load()
	if !bytes.SerialNewer32(seq, last) {
		d.logger.Debugf("session %d: dropping stale datagram seq=%d last=%d", d.sessionID, seq, last)
		return
	}

	if gap := bytes.SerialGap32(seq, last); gap > 1 {
		d.logger.Debugf("session %d: %d datagrams lost (seq=%d last=%d)", d.sessionID, gap-1, seq, last)
	}
	d.lastReceived.Store(seq)

	d.metrics.addReceived(len(datagram))
	d.metrics.touchDatagram()
	debug.LogPacket(d.logger, "recv", d.sessionID, datagram)

	if d.handler != nil {
		d.handler(datagram[4:])
	}
}

// LastSent returns the most recently assigned outbound sequence number, which
// equals the count of datagrams sent since the session was created (mod 2^32).
func (d *DatagramIO) LastSent() uint32 { return d.lastSent.Load() }

// LastReceived returns the newest accepted inbound sequence number.
func (d *DatagramIO) LastReceived() uint32 { return d.lastReceived.Load() }

// TimedOut reports whether no datagram has been accepted within
// DatagramTimeout.
func (d *DatagramIO) TimedOut() bool {
	return time.Since(d.metrics.LastDatagramActivity()) > DatagramTimeout
}
