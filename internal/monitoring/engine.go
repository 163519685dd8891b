// internal/monitoring/engine.go
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ravenhub/internal/config"
	"ravenhub/internal/database"
	"ravenhub/internal/ingest"
	"ravenhub/internal/metrics"
	"ravenhub/internal/queue"
	"ravenhub/internal/reconcile"
)

// Publisher relays a committed result back to the submitting agent.
type Publisher interface {
	Publish(result *reconcile.Result)
}

// Engine owns the ingestion queue and everything that runs on it.
type Engine struct {
	config      *config.Config
	store       database.Store
	metrics     *metrics.Collector
	queue       *queue.Queue
	reconciler  *reconcile.Reconciler
	maintenance *Maintenance
	scheduler   *Scheduler

	mu        sync.RWMutex
	publisher Publisher
	running   bool
}

func NewEngine(cfg *config.Config, store database.Store, metricsCollector *metrics.Collector) (*Engine, error) {
	if cfg.Ingest.Secret == "" {
		return nil, fmt.Errorf("ingest secret is required")
	}

	engine := &Engine{
		config:      cfg,
		store:       store,
		metrics:     metricsCollector,
		queue:       queue.New(metricsCollector),
		reconciler:  reconcile.New(store, ingest.NewKeyAuthenticator(cfg.Ingest.Secret)),
		maintenance: NewMaintenance(store, cfg),
	}
	engine.scheduler = NewScheduler(engine)

	return engine, nil
}

// SetPublisher installs where results are relayed. It may be called while
// the engine runs.
func (e *Engine) SetPublisher(p Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publisher = p
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	logrus.Info("Starting ingestion engine")

	e.queue.Start(ctx)
	return e.scheduler.Start(ctx)
}

// Stop refuses new work and waits up to the drain timeout for accepted jobs.
// An engine that never started still stops accepting.
func (e *Engine) Stop(ctx context.Context) error {
	e.queue.StopAccepting()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	logrus.Info("Stopping ingestion engine")
	e.scheduler.Stop()

	drainCtx, cancel := context.WithTimeout(ctx, e.config.Maintenance.DrainTimeout)
	defer cancel()

	if err := e.queue.Drain(drainCtx); err != nil {
		logrus.WithError(err).WithField("pending", e.queue.Len()).Warn("Ingestion queue did not drain")
		return err
	}

	logrus.Info("Ingestion queue drained")
	return nil
}

// SubmitBatch queues payload under jobID, normally the agent id, so an agent
// has at most one batch in flight. The future resolves to a
// *reconcile.Result.
func (e *Engine) SubmitBatch(jobID string, payload []byte) (*queue.Future, error) {
	return e.queue.Submit(jobID, func(ctx context.Context) (any, error) {
		return e.applyBatch(ctx, jobID, payload)
	})
}

// SubmitMaintenance queues a maintenance job. The future resolves to a
// *MaintenanceReport.
func (e *Engine) SubmitMaintenance(job string) (*queue.Future, error) {
	if !KnownJob(job) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
	return e.queue.Submit("maintenance:"+job, func(ctx context.Context) (any, error) {
		return e.runMaintenance(ctx, job)
	})
}

func (e *Engine) QueueDepth() int {
	return e.queue.Len()
}

func (e *Engine) applyBatch(ctx context.Context, jobID string, payload []byte) (*reconcile.Result, error) {
	log := logrus.WithFields(logrus.Fields{
		"job_id": jobID,
		"ticket": queue.TicketFromContext(ctx),
		"bytes":  len(payload),
	})

	batch, err := ingest.DecodeBatch(payload, e.config.Ingest.MaxPayload)
	if err != nil {
		log.WithError(err).Warn("Rejected undecodable batch")
		e.metrics.RecordReconcile("validation", 0, 0, 0, 0, 0, false)
		return nil, fmt.Errorf("%w: %w", reconcile.ErrValidation, err)
	}

	if batch.AgentID == "" {
		batch.AgentID = jobID
	}
	if jobID != "" && batch.AgentID != jobID {
		log.WithField("agent_id", batch.AgentID).Warn("Batch agent does not match submitter")
		e.metrics.RecordReconcile("validation", 0, 0, 0, 0, 0, false)
		return nil, fmt.Errorf("%w: batch for agent %s submitted as %s", reconcile.ErrValidation, batch.AgentID, jobID)
	}

	result, err := e.reconciler.Reconcile(ctx, batch)
	if err != nil {
		e.metrics.RecordReconcile(outcome(err), 0, 0, 0, 0, 0, false)
		return nil, err
	}

	result.Ticket = queue.TicketFromContext(ctx)
	result.Digest = ingest.Digest(payload)
	e.metrics.RecordReconcile("success", len(result.Applied), result.Created, result.Updated,
		result.Swapped, result.Removed, result.Degraded)

	e.mu.RLock()
	publisher := e.publisher
	e.mu.RUnlock()
	if publisher != nil {
		publisher.Publish(result)
	}

	return result, nil
}

func (e *Engine) runMaintenance(ctx context.Context, job string) (*MaintenanceReport, error) {
	start := time.Now()
	report, err := e.maintenance.Run(ctx, job)
	e.metrics.RecordMaintenance(job, err == nil, time.Since(start))
	return report, err
}

// outcome labels a reconcile failure for metrics.
func outcome(err error) string {
	switch {
	case errors.Is(err, reconcile.ErrAuthentication):
		return "authentication"
	case errors.Is(err, reconcile.ErrValidation):
		return "validation"
	case errors.Is(err, reconcile.ErrPersistence):
		return "persistence"
	default:
		return "error"
	}
}
