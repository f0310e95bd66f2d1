// Package gateway implements the dual-transport acceptor: it owns the stream
// listener and the shared datagram socket, binds the two transports together
// through the out-of-band handshake, and routes inbound datagrams to their
// sessions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bulwark-server/bulwark/internal/auth"
	"github.com/bulwark-server/bulwark/internal/core"
	"github.com/bulwark-server/bulwark/internal/launcher"
	"github.com/bulwark-server/bulwark/internal/session"
)

const (
	// DefaultHandshakeTimeout is how long a stream connection may wait for
	// its matching handshake datagram before being dropped.
	DefaultHandshakeTimeout = 10 * time.Second

	// How often the accept loop rechecks the session cap while the server is full.
	acceptPollInterval = time.Second

	datagramBufferSize = 2048
)

// Gateway accepts client connections and runs the handshake state machine
// that produces bound sessions. It implements launcher.Process.
type Gateway struct {
	launcher.StateTracker

	Config   *core.Config
	Logger   *logrus.Logger
	Registry *session.Registry
	Auth     *auth.Authenticator

	// Receivers for post-handshake traffic, installed by the game layer.
	DatagramHandler func(s *session.Session, payload []byte)
	ControlHandler  func(s *session.Session, line string)

	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	listener  *net.TCPListener
	udpSocket *net.UDPConn
	pending   *gocache.Cache
	group     *errgroup.Group
	cancel    context.CancelFunc
}

func New(
	config *core.Config,
	logger *logrus.Logger,
	registry *session.Registry,
	authenticator *auth.Authenticator,
) *Gateway {
	return &Gateway{
		Config:           config,
		Logger:           logger,
		Registry:         registry,
		Auth:             authenticator,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

func (g *Gateway) Name() string { return "GATEWAY" }

// StreamAddr returns the address of the stream listener, or nil before Start.
func (g *Gateway) StreamAddr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// DatagramAddr returns the address of the shared datagram socket, or nil
// before Start.
func (g *Gateway) DatagramAddr() net.Addr {
	if g.udpSocket == nil {
		return nil
	}
	return g.udpSocket.LocalAddr()
}

// Start binds both listeners and launches the accept and datagram loops.
func (g *Gateway) Start(ctx context.Context) error {
	g.SetState(launcher.StateLoading)

	streamAddr, err := net.ResolveTCPAddr("tcp",
		fmt.Sprintf("%s:%d", g.Config.Hostname, g.Config.Gateway.StreamPort))
	if err != nil {
		return fmt.Errorf("resolving stream address: %w", err)
	}

	g.listener, err = net.ListenTCP("tcp", streamAddr)
	if err != nil {
		return fmt.Errorf("listening on stream socket: %w", err)
	}

	g.udpSocket, err = net.ListenUDP("udp", &net.UDPAddr{Port: g.Config.Gateway.DatagramPort})
	if err != nil {
		_ = g.listener.Close()
		return fmt.Errorf("listening on datagram socket: %w", err)
	}

	g.pending = gocache.New(g.HandshakeTimeout, 2*g.HandshakeTimeout)

	ctx, g.cancel = context.WithCancel(ctx)
	g.group, ctx = errgroup.WithContext(ctx)
	g.group.Go(func() error {
		g.acceptLoop(ctx)
		return nil
	})
	g.group.Go(func() error {
		g.datagramLoop(ctx)
		return nil
	})
	g.group.Go(func() error {
		g.watchdogLoop(ctx)
		return nil
	})

	g.Logger.Infof("waiting for stream connections on %v (datagrams on %v)",
		g.listener.Addr(), g.udpSocket.LocalAddr())
	g.SetState(launcher.StateRunning)
	return nil
}

// Stop trips the gateway's shutdown, closes both listeners, disconnects
// every session, and waits for the loops to exit within ctx's deadline.
func (g *Gateway) Stop(ctx context.Context) error {
	g.SetState(launcher.StateStopping)

	if g.cancel != nil {
		g.cancel()
	}
	if g.listener != nil {
		_ = g.listener.Close()
	}
	if g.udpSocket != nil {
		_ = g.udpSocket.Close()
	}

	// Closing the stream connections unblocks any session read loops.
	for _, s := range g.Registry.Snapshot() {
		s.Disconnect()
	}

	if g.group != nil {
		done := make(chan error, 1)
		go func() {
			done <- g.group.Wait()
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.SetState(launcher.StateStopped)
	return nil
}

// acceptLoop accepts raw stream connections and spawns a handshake driver
// for each. The session cap is enforced before accepting: while the server
// is full the loop polls instead of accepting.
func (g *Gateway) acceptLoop(ctx context.Context) {
	defer g.Logger.Info("stream listener exiting")

	for {
		for g.Registry.Count() >= g.Config.MaxSessions {
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptPollInterval):
			}
		}

		conn, err := g.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			g.Logger.Warnf("failed to accept connection: %s", err)
			continue
		}

		g.Logger.Infof("accepted stream connection from %s", conn.RemoteAddr())
		g.group.Go(func() error {
			g.driveHandshake(ctx, conn)
			return nil
		})
	}
}

// datagramLoop routes every inbound datagram: handshake datagrams resolve
// pending entries, anything else is delivered to the session bound to the
// sender's endpoint.
func (g *Gateway) datagramLoop(ctx context.Context) {
	defer g.Logger.Info("datagram listener exiting")

	buf := make([]byte, datagramBufferSize)
	for {
		n, addr, err := g.udpSocket.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			g.Logger.Warnf("datagram read error: %s", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		g.routeDatagram(addr, datagram)
	}
}

func (g *Gateway) routeDatagram(addr *net.UDPAddr, datagram []byte) {
	if len(datagram) < 4 {
		g.Logger.Debugf("dropping short datagram (%d bytes) from %s", len(datagram), addr)
		return
	}

	if payload := string(datagram[4:]); strings.HasPrefix(payload, handshakePrefix) {
		g.resolvePendingHandshake(addr, datagram)
		return
	}

	if s := g.Registry.FindByEndpoint(addr); s != nil {
		s.Datagram().Deliver(datagram)
		return
	}
	g.Logger.Debugf("dropping datagram from unknown endpoint %s", addr)
}

// watchdogLoop periodically reports sessions whose datagram channel has gone
// quiet. Datagram inactivity alone never drops a session; the stream does.
func (g *Gateway) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(session.DatagramTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range g.Registry.Snapshot() {
				if s.Datagram().TimedOut() {
					g.Logger.Debugf("session %d: no datagrams received for over %v",
						s.ID(), session.DatagramTimeout)
				}
			}
		}
	}
}

// sessionReadLoop consumes the session's stream until it closes, handing
// control lines to the game layer. Transport closes are normal and logged at
// debug; anything else is a warning.
func (g *Gateway) sessionReadLoop(ctx context.Context, s *session.Session) {
	defer s.Disconnect()

	for {
		line, err := s.Stream().ReadLine(time.Time{})
		if err != nil {
			if isConnectionClosed(err) {
				g.Logger.Debugf("session %d: stream closed: %v", s.ID(), err)
			} else {
				g.Logger.Warnf("session %d: stream read error: %v", s.ID(), err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if g.ControlHandler != nil {
			g.ControlHandler(s, line)
		}
	}
}

// The common transport closes that should not pollute the error log.
func isConnectionClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
