package tick

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwark-server/bulwark/internal/session"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestBuildTickPacketLayout(t *testing.T) {
	packet := buildTickPacket(Combat, 42, 1700000000123)

	require.Len(t, packet, 21)
	assert.Equal(t, byte(TickPacketType), packet[0])
	assert.Equal(t, int32(Combat), int32(binary.LittleEndian.Uint32(packet[1:5])))
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(packet[5:13]))
	assert.Equal(t, int64(1700000000123), int64(binary.LittleEndian.Uint64(packet[13:21])))
}

func TestDispatcherCounterStartsAtOne(t *testing.T) {
	d := NewDispatcher(testLogger(), session.NewRegistry(), nil)
	d.Register(Movement, 50*time.Millisecond, Processor{})

	assert.Equal(t, uint64(0), d.Counter(Movement))
	d.ProcessTick(Movement)
	assert.Equal(t, uint64(1), d.Counter(Movement))
	d.ProcessTick(Movement)
	assert.Equal(t, uint64(2), d.Counter(Movement))
}

func TestDispatcherRegisterOverwrites(t *testing.T) {
	d := NewDispatcher(testLogger(), session.NewRegistry(), nil)

	first, second := 0, 0
	d.Register(Combat, time.Second, Processor{
		ProcessBatch: func(interface{}) { first++ },
	})
	d.Register(Combat, 2*time.Second, Processor{
		ProcessBatch: func(interface{}) { second++ },
	})

	require.Equal(t, []Kind{Combat}, d.Kinds(), "re-registration must not duplicate kinds")
	interval, ok := d.Interval(Combat)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, interval)

	d.ProcessTick(Combat)
	assert.Zero(t, first, "overwritten processor must not run")
	assert.Equal(t, 1, second)
}

func TestDispatcherPendingBatchFlow(t *testing.T) {
	d := NewDispatcher(testLogger(), session.NewRegistry(), nil)

	pending := []string{"move-1", "move-2"}
	var processed interface{}
	d.Register(Movement, 50*time.Millisecond, Processor{
		HasPending:   func() bool { return len(pending) > 0 },
		FlushPending: func() interface{} { batch := pending; pending = nil; return batch },
		ProcessBatch: func(batch interface{}) { processed = batch },
	})

	d.ProcessTick(Movement)
	assert.Equal(t, []string{"move-1", "move-2"}, processed)

	// Nothing pending on the second tick; the batch callbacks are skipped
	// but the counter still advances.
	processed = nil
	d.ProcessTick(Movement)
	assert.Nil(t, processed)
	assert.Equal(t, uint64(2), d.Counter(Movement))
}

func TestDispatcherSurvivesPanickingProcessor(t *testing.T) {
	registry := session.NewRegistry()
	d := NewDispatcher(testLogger(), registry, nil)
	d.Register(AutoSave, time.Minute, Processor{
		ProcessBatch: func(interface{}) { panic("module bug") },
	})

	s, client := newBroadcastSession(t, registry)
	s.SetAuthenticated()

	require.NotPanics(t, func() { d.ProcessTick(AutoSave) })
	assert.Equal(t, uint64(1), d.Counter(AutoSave))

	// The broadcast still happened despite the panic.
	packet := readBroadcast(t, client)
	assert.Equal(t, byte(TickPacketType), packet[4])
}

// newBroadcastSession returns an authenticated-capable session wired to a
// real loopback UDP socket pair, plus the client side socket.
func newBroadcastSession(t *testing.T, registry *session.Registry) (*session.Session, *net.UDPConn) {
	t.Helper()

	shared, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	server, streamClient := net.Pipe()
	t.Cleanup(func() {
		_ = shared.Close()
		_ = client.Close()
		_ = server.Close()
		_ = streamClient.Close()
	})

	s := session.New(testLogger(), uuid.New(), server, shared,
		client.LocalAddr().(*net.UDPAddr), 0, registry.Remove)
	registry.Add(s)
	return s, client
}

func readBroadcast(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestDispatcherBroadcastSkipsUnauthenticated(t *testing.T) {
	registry := session.NewRegistry()
	d := NewDispatcher(testLogger(), registry, nil)
	d.Register(Movement, 50*time.Millisecond, Processor{})

	authed, authedConn := newBroadcastSession(t, registry)
	authed.SetAuthenticated()

	_, unauthedConn := newBroadcastSession(t, registry)

	d.ProcessTick(Movement)

	packet := readBroadcast(t, authedConn)
	require.Len(t, packet, 4+21, "tick datagram is the 4 byte sequence plus the 21 byte payload")
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(packet[:4]))
	assert.Equal(t, byte(TickPacketType), packet[4])

	require.NoError(t, unauthedConn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := unauthedConn.ReadFromUDP(make([]byte, 64))
	assert.Error(t, err, "unauthenticated session must not receive broadcasts")
}

type testModule struct {
	name string
	err  error
}

func (m *testModule) Name() string { return m.name }

func (m *testModule) Initialize(d *Dispatcher) error {
	if m.err != nil {
		return m.err
	}
	d.Register(Movement, 50*time.Millisecond, Processor{})
	return nil
}

func TestNewDispatcherLoadsModule(t *testing.T) {
	d := NewDispatcher(testLogger(), session.NewRegistry(), &testModule{name: "demo"})
	assert.Equal(t, []Kind{Movement}, d.Kinds())
}

func TestNewDispatcherToleratesModuleFailure(t *testing.T) {
	d := NewDispatcher(testLogger(), session.NewRegistry(), &testModule{
		name: "broken",
		err:  assert.AnError,
	})
	assert.Empty(t, d.Kinds())
}
