package tick

import (
	"encoding/binary"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bulwark-server/bulwark/internal/session"
)

// TickPacketType identifies a tick announcement datagram.
const TickPacketType = 0x01

// tickPacketSize is the fixed length of a tick announcement payload.
const tickPacketSize = 21

// Module is the surface by which a game module plugs its periodic work into
// the dispatcher. Initialize is invoked once at dispatcher construction and
// is expected to call Register zero or more times.
type Module interface {
	// Name returns a uniquely identifying string for the game module.
	Name() string

	// Initialize registers the module's tick processors.
	Initialize(d *Dispatcher) error
}

// Processor callbacks supplied by the game module for one tick kind. Any nil
// callback is replaced with a default so that the broadcast happens even for
// kinds with no game work.
type Processor struct {
	HasPending   func() bool
	FlushPending func() interface{}
	ProcessBatch func(batch interface{})
}

type entry struct {
	interval  time.Duration
	processor Processor
	counter   atomic.Uint64
}

// Dispatcher holds the registry of tick processors and performs the per-tick
// work: run the game module's pending batch, then broadcast the tick
// announcement to every authenticated session.
type Dispatcher struct {
	logger   *logrus.Logger
	registry *session.Registry

	mu      sync.RWMutex
	entries map[Kind]*entry
}

// NewDispatcher creates a Dispatcher and loads the game module. A module
// that fails to initialize is logged and skipped, leaving the registration
// table empty; the scheduler will then have nothing to drive.
func NewDispatcher(logger *logrus.Logger, registry *session.Registry, module Module) *Dispatcher {
	d := &Dispatcher{
		logger:   logger,
		registry: registry,
		entries:  make(map[Kind]*entry),
	}

	if module != nil {
		if err := module.Initialize(d); err != nil {
			logger.Errorf("game module %s failed to initialize: %v", module.Name(), err)
			d.entries = make(map[Kind]*entry)
		} else {
			logger.Infof("loaded game module %s", module.Name())
		}
	}
	return d
}

// Register adds a processor for kind, overwriting any previous registration.
// The per-kind tick counter survives re-registration; it resets only on
// restart.
func (d *Dispatcher) Register(kind Kind, interval time.Duration, processor Processor) {
	if processor.HasPending == nil {
		processor.HasPending = func() bool { return true }
	}
	if processor.FlushPending == nil {
		processor.FlushPending = func() interface{} { return nil }
	}
	if processor.ProcessBatch == nil {
		processor.ProcessBatch = func(interface{}) {}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.entries[kind]; ok {
		existing.interval = interval
		existing.processor = processor
		d.logger.Warnf("tick processor for %s re-registered", kind)
		return
	}
	d.entries[kind] = &entry{interval: interval, processor: processor}
}

// Kinds returns the registered tick kinds in ascending order.
func (d *Dispatcher) Kinds() []Kind {
	d.mu.RLock()
	defer d.mu.RUnlock()

	kinds := make([]Kind, 0, len(d.entries))
	for k := range d.entries {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Interval returns the configured interval for kind, or false if the kind is
// not registered.
func (d *Dispatcher) Interval(kind Kind) (time.Duration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[kind]
	if !ok {
		return 0, false
	}
	return e.interval, true
}

// Counter returns the number of ticks processed for kind.
func (d *Dispatcher) Counter(kind Kind) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if e, ok := d.entries[kind]; ok {
		return e.counter.Load()
	}
	return 0
}

// ProcessTick runs one tick for kind: advance the counter, run any pending
// game work, and broadcast the announcement datagram. Unregistered kinds are
// ignored.
func (d *Dispatcher) ProcessTick(kind Kind) {
	d.mu.RLock()
	e, ok := d.entries[kind]
	d.mu.RUnlock()
	if !ok {
		return
	}

	count := e.counter.Add(1)
	d.runProcessor(kind, e.processor)
	d.broadcast(buildTickPacket(kind, count, time.Now().UnixMilli()))
}

// The game module is untrusted for liveness: a panicking callback is caught
// and logged so the broadcast still happens.
func (d *Dispatcher) runProcessor(kind Kind, p Processor) {
	defer func() {
		if err := recover(); err != nil {
			d.logger.Errorf("tick processor for %s panicked: %v\n%s", kind, err, debug.Stack())
		}
	}()

	if p.HasPending() {
		p.ProcessBatch(p.FlushPending())
	}
}

// broadcast fans packet out to every authenticated, non-disconnecting
// session in the registry snapshot. Per-session send failures are logged and
// do not stop the fan-out.
func (d *Dispatcher) broadcast(packet []byte) {
	for _, s := range d.registry.Snapshot() {
		if !s.Authenticated() || s.Disconnecting() {
			continue
		}
		if err := s.Datagram().Send(packet); err != nil {
			d.logger.Debugf("session %d: tick broadcast failed: %v", s.ID(), err)
		}
	}
}

// buildTickPacket encodes the fixed-layout tick announcement:
//
//	offset 0, 1 byte:  packet type (0x01)
//	offset 1, 4 bytes: tick kind, int32 LE
//	offset 5, 8 bytes: tick counter, uint64 LE
//	offset 13, 8 bytes: wall-clock milliseconds since the Unix epoch, int64 LE
func buildTickPacket(kind Kind, count uint64, unixMilli int64) []byte {
	packet := make([]byte, tickPacketSize)
	packet[0] = TickPacketType
	binary.LittleEndian.PutUint32(packet[1:], uint32(int32(kind)))
	binary.LittleEndian.PutUint64(packet[5:], count)
	binary.LittleEndian.PutUint64(packet[13:], uint64(unixMilli))
	return packet
}
