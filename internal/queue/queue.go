// Package queue serializes every write against the store through a single
// worker. Submissions are single-flight per job id.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ravenhub/internal/metrics"
)

var (
	// ErrDuplicateInFlight rejects a job id that is already queued or running.
	ErrDuplicateInFlight = errors.New("job already queued or in flight")

	// ErrStopped rejects submissions after StopAccepting.
	ErrStopped = errors.New("queue is not accepting jobs")
)

// Job is one unit of serialized work. The returned value becomes Result.Value.
type Job func(ctx context.Context) (any, error)

// Result is the outcome of one job.
type Result struct {
	JobID    string
	Ticket   string
	Value    any
	Err      error
	Started  time.Time
	Finished time.Time
}

// Future resolves once its job has run.
type Future struct {
	JobID  string
	Ticket string

	done   chan struct{}
	result Result
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job finished or ctx ends. A ctx error does not
// cancel the job.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{JobID: f.JobID, Ticket: f.Ticket}, ctx.Err()
	}
}

type ticketKey struct{}

// TicketFromContext returns the ticket of the job that was handed ctx.
func TicketFromContext(ctx context.Context) string {
	ticket, _ := ctx.Value(ticketKey{}).(string)
	return ticket
}

type entry struct {
	job    Job
	future *Future
}

type Queue struct {
	metrics *metrics.Collector

	mu        sync.Mutex
	pending   []*entry
	inFlight  map[string]*Future
	accepting bool
	running   bool

	wake chan struct{}
}

// New returns an accepting queue. Jobs run once Start is called. collector
// may be nil.
func New(collector *metrics.Collector) *Queue {
	return &Queue{
		metrics:   collector,
		inFlight:  make(map[string]*Future),
		accepting: true,
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the worker. When ctx ends the queue stops accepting, runs
// what it already accepted and exits. Jobs get a context that is never
// cancelled, so in-flight work always completes.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	logrus.Info("Starting ingestion queue worker")
	go q.run(ctx)
}

func (q *Queue) run(ctx context.Context) {
	jobCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			q.StopAccepting()
		default:
		}

		e, accepting := q.next()
		if e == nil {
			if !accepting {
				logrus.Info("Ingestion queue worker stopped")
				return
			}
			select {
			case <-q.wake:
			case <-ctx.Done():
			}
			continue
		}

		q.execute(jobCtx, e)
	}
}

// Submit enqueues job under jobID. An empty jobID gets a unique one and is
// never rejected as a duplicate.
func (q *Queue) Submit(jobID string, job Job) (*Future, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}

	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		q.metrics.RecordJobRejected("stopped")
		return nil, ErrStopped
	}
	if _, ok := q.inFlight[jobID]; ok {
		q.mu.Unlock()
		q.metrics.RecordJobRejected("duplicate")
		logrus.WithField("job_id", jobID).Debug("Rejected duplicate submission")
		return nil, fmt.Errorf("%w: %s", ErrDuplicateInFlight, jobID)
	}

	future := &Future{
		JobID:  jobID,
		Ticket: uuid.NewString(),
		done:   make(chan struct{}),
	}
	q.pending = append(q.pending, &entry{job: job, future: future})
	q.inFlight[jobID] = future
	depth := len(q.pending)
	q.mu.Unlock()

	q.metrics.RecordQueueDepth(depth)

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return future, nil
}

// StopAccepting makes every later Submit fail with ErrStopped.
func (q *Queue) StopAccepting() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.accepting {
		q.accepting = false
		logrus.WithField("pending", len(q.pending)).Info("Ingestion queue stopped accepting jobs")
	}
}

// Drain blocks until every job accepted before the call has completed.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	futures := make([]*Future, 0, len(q.inFlight))
	for _, f := range q.inFlight {
		futures = append(futures, f)
	}
	q.mu.Unlock()

	for _, f := range futures {
		select {
		case <-f.done:
		case <-ctx.Done():
			return fmt.Errorf("drain interrupted with jobs outstanding: %w", ctx.Err())
		}
	}
	return nil
}

// Len returns the number of queued jobs, excluding the running one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight reports whether jobID is queued or running.
func (q *Queue) InFlight(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inFlight[jobID]
	return ok
}

// next pops the oldest entry. When it returns nil and !accepting, nothing
// can be queued any more.
func (q *Queue) next() (*entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, q.accepting
	}
	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return e, q.accepting
}

func (q *Queue) execute(ctx context.Context, e *entry) {
	f := e.future
	result := Result{JobID: f.JobID, Ticket: f.Ticket, Started: time.Now()}

	result.Value, result.Err = runJob(context.WithValue(ctx, ticketKey{}, f.Ticket), e)
	result.Finished = time.Now()

	q.mu.Lock()
	delete(q.inFlight, f.JobID)
	depth := len(q.pending)
	q.mu.Unlock()

	f.result = result
	close(f.done)

	duration := result.Finished.Sub(result.Started)
	q.metrics.RecordJobResult(result.Err == nil, duration)
	q.metrics.RecordQueueDepth(depth)

	fields := logrus.Fields{
		"job_id":   f.JobID,
		"ticket":   f.Ticket,
		"duration": duration,
	}
	if result.Err != nil {
		logrus.WithFields(fields).WithError(result.Err).Warn("Job failed")
		return
	}
	logrus.WithFields(fields).Debug("Job completed")
}

func runJob(ctx context.Context, e *entry) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"job_id": e.future.JobID,
				"panic":  r,
				"stack":  string(debug.Stack()),
			}).Error("Job panicked")
			err = fmt.Errorf("job %s panicked: %v", e.future.JobID, r)
		}
	}()

	return e.job(ctx)
}
