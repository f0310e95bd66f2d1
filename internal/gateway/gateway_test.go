package gateway

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwark-server/bulwark/internal/auth"
	"github.com/bulwark-server/bulwark/internal/core"
	"github.com/bulwark-server/bulwark/internal/launcher"
	"github.com/bulwark-server/bulwark/internal/session"
)

const testSecret = "test-shared-secret"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newTestGateway starts a gateway on ephemeral loopback ports and returns it
// with its cancel function. Any configure funcs run before Start. Cleanup
// stops the gateway.
func newTestGateway(t *testing.T, configure ...func(*Gateway)) (*Gateway, context.CancelFunc) {
	t.Helper()

	cfg := &core.Config{Hostname: "127.0.0.1", MaxSessions: 9}
	cfg.Gateway.StreamPort = 0
	cfg.Gateway.DatagramPort = 0
	cfg.Gateway.WelcomeMessage = "Welcome to Bulwark"
	cfg.Auth.SharedSecret = testSecret

	logger := testLogger()
	registry := session.NewRegistry()
	authenticator := &auth.Authenticator{Secret: cfg.SharedSecret(), Logger: logger}

	g := New(cfg, logger, registry, authenticator)
	for _, fn := range configure {
		fn(g)
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, g.Start(ctx))

	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), launcher.StopGrace)
		defer stopCancel()
		_ = g.Stop(stopCtx)
	})
	return g, cancel
}

// testClient drives the client side of the dual-transport protocol.
type testClient struct {
	t         *testing.T
	stream    net.Conn
	reader    *bufio.Reader
	udp       *net.UDPConn
	serverUDP *net.UDPAddr
	nonce     string
}

func dialGateway(t *testing.T, g *Gateway) *testClient {
	t.Helper()

	stream, err := net.Dial("tcp", g.StreamAddr().String())
	require.NoError(t, err)

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = stream.Close()
		_ = udp.Close()
	})

	c := &testClient{t: t, stream: stream, reader: bufio.NewReader(stream), udp: udp}

	// HANDSHAKE|<nonce>|<server-address>|<datagram-port>
	line := c.readLine()
	parts := strings.Split(line, "|")
	require.Len(t, parts, 4, "unexpected handshake line: %s", line)
	require.Equal(t, "HANDSHAKE", parts[0])

	c.nonce = parts[1]
	port, err := strconv.Atoi(parts[3])
	require.NoError(t, err)
	c.serverUDP = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	return c
}

func (c *testClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.stream.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\n")
}

func (c *testClient) writeLine(line string) {
	c.t.Helper()
	_, err := c.stream.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) sendDatagram(seq uint32, payload string) {
	c.t.Helper()
	datagram := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(datagram, seq)
	copy(datagram[4:], payload)
	_, err := c.udp.WriteToUDP(datagram, c.serverUDP)
	require.NoError(c.t, err)
}

func (c *testClient) readDatagram() []byte {
	c.t.Helper()
	buf := make([]byte, 2048)
	require.NoError(c.t, c.udp.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := c.udp.ReadFromUDP(buf)
	require.NoError(c.t, err)
	return buf[:n]
}

// authenticate answers the challenge with a MAC computed from secret and
// returns the server's verdict line.
func (c *testClient) authenticate(secret string) string {
	c.t.Helper()

	challengeLine := c.readLine()
	require.True(c.t, strings.HasPrefix(challengeLine, "AUTH_CHALLENGE|"))
	challenge := strings.TrimPrefix(challengeLine, "AUTH_CHALLENGE|")

	a := auth.Authenticator{Secret: []byte(secret)}
	c.writeLine("AUTH_RESPONSE|" + a.ExpectedResponse(challenge))
	return c.readLine()
}

// completeHandshake performs the datagram half of the handshake and consumes
// the ack.
func (c *testClient) completeHandshake() []byte {
	c.t.Helper()
	c.sendDatagram(1, "HANDSHAKE|"+c.nonce)
	return c.readDatagram()
}

func TestGatewayHappyPath(t *testing.T) {
	received := make(chan []byte, 1)
	g, _ := newTestGateway(t, func(g *Gateway) {
		g.DatagramHandler = func(_ *session.Session, payload []byte) {
			received <- payload
		}
	})

	c := dialGateway(t, g)

	ack := c.completeHandshake()
	require.Len(t, ack, 4+len("HANDSHAKE_ACK"))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(ack), "handshake ack carries sequence 1")
	assert.Equal(t, "HANDSHAKE_ACK", string(ack[4:]))

	require.Equal(t, "AUTH_SUCCESS", c.authenticate(testSecret))
	assert.Equal(t, "Welcome to Bulwark", c.readLine())

	require.Eventually(t, func() bool { return g.Registry.Count() == 1 },
		time.Second, 10*time.Millisecond)
	s := g.Registry.Snapshot()[0]
	assert.True(t, s.Authenticated())
	assert.Equal(t, c.udp.LocalAddr().String(), s.RemoteDatagramAddr().String())

	// Post-handshake datagrams are routed to the session and on to the game layer.
	c.sendDatagram(2, "input")
	select {
	case payload := <-received:
		assert.Equal(t, "input", string(payload))
	case <-time.After(time.Second):
		t.Fatal("datagram was not delivered to the game layer")
	}
}

func TestGatewayWrongSecret(t *testing.T) {
	g, _ := newTestGateway(t)

	c := dialGateway(t, g)
	c.completeHandshake()

	require.Equal(t, "AUTH_FAILED", c.authenticate("not-the-secret"))

	// The stream closes shortly after the failure.
	require.NoError(t, c.stream.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := c.reader.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool { return g.Registry.Count() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestGatewayHandshakeTimeout(t *testing.T) {
	cfg := &core.Config{Hostname: "127.0.0.1", MaxSessions: 9}
	cfg.Gateway.StreamPort = 0
	cfg.Gateway.DatagramPort = 0

	logger := testLogger()
	registry := session.NewRegistry()
	g := New(cfg, logger, registry, &auth.Authenticator{Secret: []byte(testSecret), Logger: logger})
	g.HandshakeTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, g.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), launcher.StopGrace)
		defer stopCancel()
		_ = g.Stop(stopCtx)
	})

	c := dialGateway(t, g)
	// Never send the handshake datagram; the server closes the stream.
	require.NoError(t, c.stream.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.reader.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	assert.Zero(t, registry.Count(), "no session may exist after a handshake timeout")
	require.Eventually(t, func() bool { return registry.RawCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestGatewayDuplicateHandshakeDatagram(t *testing.T) {
	g, _ := newTestGateway(t)

	c := dialGateway(t, g)
	c.completeHandshake()
	require.Equal(t, "AUTH_SUCCESS", c.authenticate(testSecret))
	c.readLine() // welcome

	require.Eventually(t, func() bool { return g.Registry.Count() == 1 },
		time.Second, 10*time.Millisecond)
	boundSession := g.Registry.Snapshot()[0]

	// A retransmitted handshake datagram must not create a second session or
	// disturb the existing one.
	c.sendDatagram(1, "HANDSHAKE|"+c.nonce)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, g.Registry.Count())
	assert.Same(t, boundSession, g.Registry.Snapshot()[0])
	assert.False(t, boundSession.Disconnecting())
}

func TestGatewayDropsDatagramFromUnknownEndpoint(t *testing.T) {
	g, _ := newTestGateway(t)

	stranger, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer stranger.Close()

	serverAddr := &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: g.DatagramAddr().(*net.UDPAddr).Port,
	}
	datagram := []byte{0x01, 0x00, 0x00, 0x00, 0xFF}
	_, err = stranger.WriteToUDP(datagram, serverAddr)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, g.Registry.Count())
}

func TestGatewayGracefulStop(t *testing.T) {
	g, cancel := newTestGateway(t)

	c := dialGateway(t, g)
	c.completeHandshake()
	require.Equal(t, "AUTH_SUCCESS", c.authenticate(testSecret))
	c.readLine() // welcome

	require.Eventually(t, func() bool { return g.Registry.Count() == 1 },
		time.Second, 10*time.Millisecond)
	s := g.Registry.Snapshot()[0]

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), launcher.StopGrace)
	defer stopCancel()
	require.NoError(t, g.Stop(stopCtx))

	assert.Equal(t, launcher.StateStopped, g.State())
	assert.True(t, s.Disconnecting())
	assert.Zero(t, g.Registry.Count())

	// The client observes the stream closing.
	require.NoError(t, c.stream.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := c.reader.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}
