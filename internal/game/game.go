// Package game contains the built-in game module. It exercises the full
// registration surface of the tick dispatcher with queue-backed processors;
// real games replace it with their own tick.Module implementation.
package game

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bulwark-server/bulwark/internal/session"
	"github.com/bulwark-server/bulwark/internal/tick"
)

// Per-kind tick intervals for the default module.
var tickIntervals = map[tick.Kind]time.Duration{
	tick.Movement:        50 * time.Millisecond,
	tick.Messaging:       100 * time.Millisecond,
	tick.ObjectSpawning:  500 * time.Millisecond,
	tick.ObjectCleanup:   time.Second,
	tick.Combat:          100 * time.Millisecond,
	tick.WorldSimulation: 250 * time.Millisecond,
	tick.AutoSave:        time.Minute,
}

// eventQueue accumulates opaque work items between ticks. Pushes arrive from
// network goroutines; the flush happens on the tick loop.
type eventQueue struct {
	mu    sync.Mutex
	items []interface{}
}

func (q *eventQueue) push(item interface{}) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

func (q *eventQueue) hasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

func (q *eventQueue) flush() interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.items
	q.items = nil
	return batch
}

// Default is the game module loaded when no other module is supplied. Every
// tick kind gets a queue-backed processor; inbound datagram payloads are fed
// into the movement queue.
type Default struct {
	Logger *logrus.Logger

	queues map[tick.Kind]*eventQueue
}

func NewDefault(logger *logrus.Logger) *Default {
	queues := make(map[tick.Kind]*eventQueue, len(tickIntervals))
	for kind := range tickIntervals {
		queues[kind] = &eventQueue{}
	}
	return &Default{Logger: logger, queues: queues}
}

func (g *Default) Name() string { return "bulwark-default" }

// Initialize registers a processor for every tick kind.
func (g *Default) Initialize(d *tick.Dispatcher) error {
	for kind, interval := range tickIntervals {
		queue := g.queues[kind]
		kind := kind
		d.Register(kind, interval, tick.Processor{
			HasPending:   queue.hasPending,
			FlushPending: queue.flush,
			ProcessBatch: func(batch interface{}) { g.processBatch(kind, batch) },
		})
	}
	return nil
}

// HandleDatagram receives payloads accepted by a session's datagram channel
// and queues them as movement input for the next tick.
func (g *Default) HandleDatagram(s *session.Session, payload []byte) {
	g.queues[tick.Movement].push(datagramEvent{sessionID: s.ID(), payload: payload})
}

// HandleControl receives post-authentication text lines from a session's stream.
func (g *Default) HandleControl(s *session.Session, line string) {
	g.Logger.Debugf("session %d control message: %s", s.ID(), line)
}

func (g *Default) processBatch(kind tick.Kind, batch interface{}) {
	events, ok := batch.([]interface{})
	if !ok || len(events) == 0 {
		return
	}
	g.Logger.Debugf("%s: processed %d queued events", kind, len(events))
}

type datagramEvent struct {
	sessionID uint32
	payload   []byte
}
