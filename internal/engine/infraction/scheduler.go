package infraction

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler maintains at most one live timer aimed at the next infraction
// expiry. Rearming with a later deadline than the current one is a no-op;
// the sweep after the earlier deadline picks the later work up anyway.
type Scheduler struct {
	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	fire     func()
	stopped  bool
	logger   *zap.Logger
}

// NewScheduler creates a scheduler that calls fire each time a deadline is
// reached. fire runs on a timer goroutine and must serialize itself.
func NewScheduler(fire func(), logger *zap.Logger) *Scheduler {
	return &Scheduler{
		fire:   fire,
		logger: logger.Named("scheduler"),
	}
}

// ScheduleAt arms the timer for the given deadline. Deadlines in the past
// fire immediately. A deadline later than the currently armed one is
// ignored.
func (s *Scheduler) ScheduleAt(deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if s.timer != nil {
		if !deadline.Before(s.deadline) {
			return
		}

		s.timer.Stop()
		s.timer = nil
	}

	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}

	s.deadline = deadline
	s.timer = time.AfterFunc(delay, s.onFire)

	s.logger.Debug("Armed expiry timer",
		zap.Time("deadline", deadline),
		zap.Duration("delay", delay))
}

// Stop cancels any pending timer. The scheduler cannot be rearmed after.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) onFire() {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		return
	}

	s.timer = nil
	s.deadline = time.Time{}
	s.mu.Unlock()

	s.fire()
}
