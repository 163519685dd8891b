// internal/monitoring/scheduler.go
package monitoring

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ravenhub/internal/queue"
)

// Scheduler submits maintenance jobs through the ingestion queue on fixed
// intervals and refreshes the store gauges.
type Scheduler struct {
	engine  *Engine
	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type scheduledJob struct {
	name     string
	interval time.Duration
}

func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{engine: engine}
}

func (s *Scheduler) jobs() []scheduledJob {
	cfg := s.engine.config
	return []scheduledJob{
		{name: JobCompact, interval: cfg.Maintenance.CompactionInterval},
		{name: JobRollover, interval: cfg.Maintenance.RolloverInterval},
		{name: JobPurge, interval: cfg.Maintenance.PurgeInterval},
		{name: JobDatabaseCompact, interval: cfg.Database.CompactInterval},
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)

	scheduled := 0
	for _, job := range s.jobs() {
		if job.interval <= 0 {
			logrus.WithField("job", job.name).Debug("Maintenance job disabled")
			continue
		}
		s.wg.Add(1)
		go s.runJob(ctx, job)
		scheduled++
	}

	if interval := s.engine.config.Maintenance.MetricsInterval; interval > 0 && s.engine.metrics != nil {
		s.wg.Add(1)
		go s.updateMetrics(ctx, interval)
	}

	logrus.WithField("jobs", scheduled).Info("Started maintenance scheduler")
	return nil
}

// Stop ends the ticker loops. Jobs already submitted still run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	logrus.Info("Stopping maintenance scheduler")
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job scheduledJob) {
	defer s.wg.Done()

	// Jitter the first run so jobs sharing an interval do not queue together
	delay := job.interval + time.Duration(rand.Int63n(int64(job.interval/10)+1))
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.submit(ctx, job.name)
			timer.Reset(job.interval)
		}
	}
}

func (s *Scheduler) submit(ctx context.Context, name string) {
	log := logrus.WithField("job", name)

	future, err := s.engine.SubmitMaintenance(name)
	switch {
	case errors.Is(err, queue.ErrDuplicateInFlight):
		log.Debug("Maintenance job still queued, skipping run")
		return
	case errors.Is(err, queue.ErrStopped):
		log.Debug("Queue stopped, skipping maintenance run")
		return
	case err != nil:
		log.WithError(err).Error("Failed to submit maintenance job")
		return
	}

	log.WithField("ticket", future.Ticket).Debug("Submitted maintenance job")

	result, err := future.Wait(ctx)
	if err != nil {
		return
	}
	if result.Err != nil {
		log.WithError(result.Err).Warn("Scheduled maintenance failed")
	}
}

func (s *Scheduler) updateMetrics(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.engine.metrics.RecordQueueDepth(s.engine.QueueDepth())
			if err := s.engine.metrics.UpdateSystemMetrics(ctx); err != nil {
				logrus.WithError(err).Warn("Failed to refresh store metrics")
			}
		}
	}
}
