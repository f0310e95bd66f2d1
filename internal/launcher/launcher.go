// Package launcher coordinates the lifecycles of the server's long-running
// components: it starts them in a configured order, hands every one the
// shared shutdown signal, and stops them in reverse with a bounded grace
// window per component.
package launcher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is a component's position in its lifecycle. Transitions are driven
// only by Start and Stop: New -> Loading -> Running -> Stopping -> Stopped.
type State int32

const (
	StateNew State = iota
	StateLoading
	StateRunning
	StateStopping
	StateStopped
)

var stateNames = map[State]string{
	StateNew:      "New",
	StateLoading:  "Loading",
	StateRunning:  "Running",
	StateStopping: "Stopping",
	StateStopped:  "Stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether the state is acceptable after shutdown.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateStopping
}

// StateTracker is an embeddable atomic holder for a component's State.
type StateTracker struct {
	state atomic.Int32
}

func (t *StateTracker) State() State     { return State(t.state.Load()) }
func (t *StateTracker) SetState(s State) { t.state.Store(int32(s)) }

// Process is a long-running component managed by the Launcher. Start must
// return once the component is running, with its loops observing ctx for
// shutdown. Stop must return once the component has released its resources.
type Process interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() State
}

// StopGrace is how long each component gets to stop before the launcher
// gives up on it and moves on.
const StopGrace = 2 * time.Second

// ErrShutdownIncomplete is returned by Stop when at least one launched
// component failed to reach a terminal state within its grace window.
var ErrShutdownIncomplete = errors.New("one or more components did not stop cleanly")

// Launcher owns the shared shutdown signal and the ordered component list.
type Launcher struct {
	Logger *logrus.Logger

	processes []Process
	launched  []Process

	shutdown context.CancelFunc
}

func New(logger *logrus.Logger, processes ...Process) *Launcher {
	return &Launcher{Logger: logger, processes: processes}
}

// Start brings up every configured component in order, passing each the
// shared shutdown context. A component that fails to start is logged and
// skipped; the remaining components are still started.
func (l *Launcher) Start(ctx context.Context) {
	ctx, l.shutdown = context.WithCancel(ctx)

	for _, p := range l.processes {
		if err := p.Start(ctx); err != nil {
			l.Logger.Errorf("failed to start %s: %v", p.Name(), err)
			continue
		}
		l.Logger.Infof("%s running", p.Name())
		l.launched = append(l.launched, p)
	}
}

// Stop trips the shutdown signal, then stops every launched component in
// reverse launch order, giving each StopGrace to finish. Components that do
// not reach a terminal state are logged individually and reported through
// ErrShutdownIncomplete.
func (l *Launcher) Stop() error {
	if l.shutdown != nil {
		l.shutdown()
	}

	for i := len(l.launched) - 1; i >= 0; i-- {
		p := l.launched[i]

		stopCtx, cancel := context.WithTimeout(context.Background(), StopGrace)
		if err := stopWithGrace(stopCtx, p); err != nil {
			l.Logger.Warnf("error stopping %s: %v", p.Name(), err)
		}
		cancel()
	}

	failed := false
	for _, p := range l.launched {
		if state := p.State(); !state.Terminal() {
			l.Logger.Errorf("%s did not stop (state=%s)", p.Name(), state)
			failed = true
		}
	}
	if failed {
		return ErrShutdownIncomplete
	}

	l.Logger.Info("all components stopped")
	return nil
}

// stopWithGrace invokes p.Stop and bounds the wait by ctx's deadline.
func stopWithGrace(ctx context.Context, p Process) error {
	done := make(chan error, 1)
	go func() {
		done <- p.Stop(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
