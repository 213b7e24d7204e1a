// Package scheduler periodically starts the batch runs whose assignment
// deadline has passed.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper starts pending batch runs.
type Sweeper interface {
	RunBatchSweep(ctx context.Context) ([]uint, error)
}

// Scheduler is a background service invoking the batch sweep.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log      logrus.FieldLogger
	sweeper  Sweeper
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler sweeping every interval.
func NewScheduler(log logrus.FieldLogger, sweeper Sweeper, interval time.Duration) Scheduler {
	return &scheduler{
		log:      log.WithField("component", "scheduler"),
		sweeper:  sweeper,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches a goroutine that sweeps once immediately and then on
// every tick.
func (s *scheduler) Start(ctx context.Context) error {
	s.log.WithField("interval", s.interval.String()).Info("Starting batch scheduler")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.sweep(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the scheduler goroutine to stop and waits for it.
func (s *scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.log.Info("Batch scheduler stopped")

	return nil
}

func (s *scheduler) sweep(ctx context.Context) {
	start := time.Now()

	started, err := s.sweeper.RunBatchSweep(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Batch sweep failed")
	}

	if len(started) == 0 {
		return
	}

	s.log.WithFields(logrus.Fields{
		"runs":     started,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Batch sweep started runs")
}
