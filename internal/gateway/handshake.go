package gateway

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/bulwark-server/bulwark/internal/session"
)

const (
	handshakePrefix = "HANDSHAKE|"
	handshakeAck    = "HANDSHAKE_ACK"
)

// handshakeResult is what the datagram listener hands back to a waiting
// handshake driver: the client's datagram endpoint and the sequence number
// its handshake datagram carried.
type handshakeResult struct {
	addr *net.UDPAddr
	seq  uint32
}

// pendingHandshake is a stream connection waiting for its matching handshake
// datagram. The completion slot resolves at most once; duplicate handshake
// datagrams after resolution are dropped.
type pendingHandshake struct {
	conn     *net.TCPConn
	resolved chan handshakeResult
	once     sync.Once
}

func newPendingHandshake(conn *net.TCPConn) *pendingHandshake {
	return &pendingHandshake{
		conn:     conn,
		resolved: make(chan handshakeResult, 1),
	}
}

// resolve delivers the datagram endpoint to the waiting driver. Returns
// false if the entry was already resolved.
func (p *pendingHandshake) resolve(result handshakeResult) bool {
	delivered := false
	p.once.Do(func() {
		p.resolved <- result
		delivered = true
	})
	return delivered
}

// driveHandshake runs the state machine for one raw stream connection: issue
// the handshake line, wait for the matching datagram, then bind the session
// and authenticate it. Any failure closes the stream and removes the
// connection from the raw collection.
func (g *Gateway) driveHandshake(ctx context.Context, conn *net.TCPConn) {
	g.Registry.AddRaw(conn)
	defer g.Registry.RemoveRaw(conn)

	nonce := uuid.New()
	pending := newPendingHandshake(conn)
	g.pending.Set(nonce.String(), pending, gocache.DefaultExpiration)
	defer g.pending.Delete(nonce.String())

	udpPort := g.udpSocket.LocalAddr().(*net.UDPAddr).Port
	line := fmt.Sprintf("%s%s|%s|%d\n", handshakePrefix, nonce, g.Config.AdvertisedAddress(), udpPort)

	if err := conn.SetWriteDeadline(time.Now().Add(g.HandshakeTimeout)); err != nil {
		_ = conn.Close()
		return
	}
	if _, err := io.WriteString(conn, line); err != nil {
		g.Logger.Debugf("failed to send handshake to %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	select {
	case result := <-pending.resolved:
		// Both transports are known: the connection leaves the raw collection
		// and its nonce stops matching further handshake datagrams.
		g.pending.Delete(nonce.String())
		g.Registry.RemoveRaw(conn)
		g.bindSession(ctx, conn, nonce, result)
	case <-time.After(g.HandshakeTimeout):
		g.Logger.Infof("handshake timed out for %s", conn.RemoteAddr())
		_ = conn.Close()
	case <-ctx.Done():
		_ = conn.Close()
	}
}

// resolvePendingHandshake handles a HANDSHAKE datagram: parse the nonce,
// match it against the pending table, acknowledge, and wake the driver. A
// nonce with no pending entry (including retransmissions after binding) is
// dropped.
func (g *Gateway) resolvePendingHandshake(addr *net.UDPAddr, datagram []byte) {
	text := strings.TrimPrefix(string(datagram[4:]), handshakePrefix)
	nonce, err := uuid.Parse(strings.TrimSpace(text))
	if err != nil {
		g.Logger.Debugf("malformed handshake datagram from %s", addr)
		return
	}

	entry, ok := g.pending.Get(nonce.String())
	if !ok {
		g.Logger.Debugf("no pending handshake for nonce %s from %s", nonce, addr)
		return
	}

	result := handshakeResult{addr: addr, seq: binary.LittleEndian.Uint32(datagram)}
	if !entry.(*pendingHandshake).resolve(result) {
		// Duplicate handshake datagram racing the driver; drop it.
		return
	}
}

// bindSession constructs the session now that both transports are known,
// acknowledges the handshake over the datagram channel, and gates the
// session behind authentication before it joins the broadcast set.
func (g *Gateway) bindSession(ctx context.Context, conn *net.TCPConn, nonce uuid.UUID, result handshakeResult) {
	s := session.New(g.Logger, nonce, conn, g.udpSocket, result.addr, result.seq, g.Registry.Remove)
	if g.DatagramHandler != nil {
		s.Datagram().SetHandler(func(payload []byte) {
			g.DatagramHandler(s, payload)
		})
	}
	g.Registry.Add(s)
	g.Logger.Infof("session %d bound to %s / %s", s.ID(), conn.RemoteAddr(), result.addr)

	// The ack goes through the session's datagram codec so it carries the
	// session's first outbound sequence number.
	if err := s.Datagram().Send([]byte(handshakeAck)); err != nil {
		g.Logger.Warnf("session %d: failed to send handshake ack: %v", s.ID(), err)
	}

	if err := g.Auth.Authenticate(s); err != nil {
		g.Logger.Infof("session %d failed authentication: %v", s.ID(), err)
		s.Disconnect()
		return
	}

	if msg := g.Config.Gateway.WelcomeMessage; msg != "" {
		if err := s.Stream().WriteLine(msg); err != nil {
			s.Disconnect()
			return
		}
	}

	g.sessionReadLoop(ctx, s)
}
