package infraction_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatwarden/warden/internal/engine/infraction"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestScheduleAtFiresAtDeadline(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32

	s := infraction.NewScheduler(func() { fired.Add(1) }, zap.NewNop())
	defer s.Stop()

	s.ScheduleAt(time.Now().Add(20 * time.Millisecond))

	assert.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduleAtPastDeadlineFiresImmediately(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32

	s := infraction.NewScheduler(func() { fired.Add(1) }, zap.NewNop())
	defer s.Stop()

	s.ScheduleAt(time.Now().Add(-time.Second))

	assert.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEarlierDeadlineReplacesTimer(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32

	s := infraction.NewScheduler(func() { fired.Add(1) }, zap.NewNop())
	defer s.Stop()

	s.ScheduleAt(time.Now().Add(time.Hour))
	s.ScheduleAt(time.Now().Add(20 * time.Millisecond))

	assert.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLaterDeadlineIsIgnored(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32

	s := infraction.NewScheduler(func() { fired.Add(1) }, zap.NewNop())
	defer s.Stop()

	s.ScheduleAt(time.Now().Add(30 * time.Millisecond))
	s.ScheduleAt(time.Now().Add(time.Hour))

	assert.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// Only the earlier deadline fires; the later one never armed.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestStopCancelsPendingTimer(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32

	s := infraction.NewScheduler(func() { fired.Add(1) }, zap.NewNop())

	s.ScheduleAt(time.Now().Add(20 * time.Millisecond))
	s.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	// Rearming after Stop is a no-op.
	s.ScheduleAt(time.Now().Add(time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
