package tick

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bulwark-server/bulwark/internal/launcher"
)

// Smoothing factor for the exponential moving average of tick execution time.
const smoothingAlpha = 0.10

// How many iterations between timing stats lines in the debug log.
const statsLogInterval = 600

// Scheduler drives one independent loop per registered tick kind. A slow
// kind never blocks the others; a loop that overruns its interval fires the
// next tick immediately but does not try to catch up beyond that.
type Scheduler struct {
	launcher.StateTracker

	Dispatcher *Dispatcher
	Logger     *logrus.Logger

	group *errgroup.Group

	mu       sync.Mutex
	smoothed map[Kind]time.Duration
}

func NewScheduler(logger *logrus.Logger, dispatcher *Dispatcher) *Scheduler {
	return &Scheduler{
		Dispatcher: dispatcher,
		Logger:     logger,
		smoothed:   make(map[Kind]time.Duration),
	}
}

func (s *Scheduler) Name() string { return "SCHEDULER" }

// Start launches one loop goroutine per registered kind. The registration
// table must be populated before Start; with nothing registered the
// scheduler logs a warning and stays idle.
func (s *Scheduler) Start(ctx context.Context) error {
	s.SetState(launcher.StateLoading)

	kinds := s.Dispatcher.Kinds()
	if len(kinds) == 0 {
		s.Logger.Warn("no tick processors registered, scheduler is idle")
	}

	s.group, ctx = errgroup.WithContext(ctx)
	for _, kind := range kinds {
		kind := kind
		interval, _ := s.Dispatcher.Interval(kind)
		s.group.Go(func() error {
			s.run(ctx, kind, interval)
			return nil
		})
	}

	s.SetState(launcher.StateRunning)
	return nil
}

// Stop waits for every tick loop to observe the shutdown signal and exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.SetState(launcher.StateStopping)

	if s.group == nil {
		s.SetState(launcher.StateStopped)
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- s.group.Wait()
	}()

	select {
	case err := <-done:
		s.SetState(launcher.StateStopped)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the per-kind loop: process a tick, fold the execution time into the
// smoothed average, then sleep out the remainder of the interval.
func (s *Scheduler) run(ctx context.Context, kind Kind, interval time.Duration) {
	s.Logger.Infof("tick loop %s started (interval %v)", kind, interval)
	defer s.Logger.Infof("tick loop %s exiting", kind)

	iterations := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		s.Dispatcher.ProcessTick(kind)
		elapsed := time.Since(start)
		s.observe(kind, elapsed)

		iterations++
		if iterations%statsLogInterval == 0 {
			s.Logger.Debugf("tick %s: smoothed execution time %v over %d iterations",
				kind, s.Smoothed(kind), iterations)
		}

		remaining := interval - elapsed
		if remaining <= 0 {
			continue
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// observe folds a sample into the per-kind smoothed execution time:
// new = 0.9*old + 0.1*sample. The first sample seeds the average.
func (s *Scheduler) observe(kind Kind, sample time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.smoothed[kind]
	if !ok {
		s.smoothed[kind] = sample
		return
	}
	s.smoothed[kind] = time.Duration((1-smoothingAlpha)*float64(old) + smoothingAlpha*float64(sample))
}

// Smoothed returns the exponentially smoothed execution time for kind.
func (s *Scheduler) Smoothed(kind Kind) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.smoothed[kind]
}
