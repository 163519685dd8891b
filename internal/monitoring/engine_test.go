package monitoring

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ravenhub/internal/config"
	"ravenhub/internal/database"
	"ravenhub/internal/ingest"
	"ravenhub/internal/queue"
	"ravenhub/internal/reconcile"
)

const testSecret = "engine-secret"

func testConfig() *config.Config {
	return &config.Config{
		Ingest: config.IngestConfig{
			Secret:      testSecret,
			MaxPayload:  1 << 20,
			WaitTimeout: 5 * time.Second,
		},
		Database: config.DatabaseConfig{
			Type:             "boltdb",
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Downsample: config.DownsampleConfig{
			ReadPoints:    100,
			CompactTarget: 4,
			CompactAfter:  7 * 24 * time.Hour,
		},
		Maintenance: config.MaintenanceConfig{
			DrainTimeout: 5 * time.Second,
		},
	}
}

func newTestStore(t *testing.T) *database.BoltStore {
	t.Helper()
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type recordingPublisher struct {
	mu      sync.Mutex
	results []*reconcile.Result
}

func (p *recordingPublisher) Publish(result *reconcile.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.results)
}

func startEngine(t *testing.T) (*Engine, *database.BoltStore, *recordingPublisher) {
	t.Helper()
	store := newTestStore(t)
	engine, err := NewEngine(testConfig(), store, nil)
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	engine.SetPublisher(publisher)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, engine.Start(ctx))
	return engine, store, publisher
}

func agentPayload(t *testing.T, agentID string, enc ingest.Encoding) []byte {
	t.Helper()
	auth := ingest.NewKeyAuthenticator(testSecret)
	batch := &ingest.Batch{
		AgentID: agentID,
		AuthKey: auth.Derive(agentID),
		Series: []database.HostSeries{{
			ID:      1,
			HostID:  10,
			Address: "198.51.100.7",
			Ended:   time.Now(),
		}},
		Samples: []database.Sample{
			{ID: 1, SeriesID: 1, SentAt: 100, RTT: 12, Status: "Success"},
			{ID: 2, SeriesID: 1, SentAt: 110, RTT: database.TimeoutRTT, Status: "TimedOut"},
		},
	}
	payload, err := ingest.EncodeBatch(batch, enc)
	require.NoError(t, err)
	return payload
}

func waitResult(t *testing.T, f *queue.Future) queue.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestSubmitBatchReconcilesAndPublishes(t *testing.T) {
	engine, store, publisher := startEngine(t)

	payload := agentPayload(t, "agent-1", ingest.EncodingZstd)
	future, err := engine.SubmitBatch("agent-1", payload)
	require.NoError(t, err)

	res := waitResult(t, future)
	require.NoError(t, res.Err)

	result, ok := res.Value.(*reconcile.Result)
	require.True(t, ok)
	assert.Equal(t, future.Ticket, result.Ticket)
	assert.Equal(t, ingest.Digest(payload), result.Digest)
	assert.Len(t, result.Applied, 2)
	assert.Equal(t, 1, publisher.count())

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.LiveSeries)
	assert.Equal(t, 2, stats.TotalSamples)
	assert.Equal(t, 2, stats.StatusItems)
}

func TestSubmitBatchRejectsBadInput(t *testing.T) {
	engine, store, publisher := startEngine(t)

	future, err := engine.SubmitBatch("agent-1", []byte("{not json"))
	require.NoError(t, err)
	res := waitResult(t, future)
	assert.ErrorIs(t, res.Err, reconcile.ErrValidation)
	assert.ErrorIs(t, res.Err, ingest.ErrPayload)

	future, err = engine.SubmitBatch("agent-2", agentPayload(t, "agent-1", ingest.EncodingGzip))
	require.NoError(t, err)
	res = waitResult(t, future)
	assert.ErrorIs(t, res.Err, reconcile.ErrValidation)

	assert.Zero(t, publisher.count())
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalSeries)
}

func TestStopDrainsAndRefuses(t *testing.T) {
	engine, _, publisher := startEngine(t)

	future, err := engine.SubmitBatch("agent-1", agentPayload(t, "agent-1", ingest.EncodingJSON))
	require.NoError(t, err)

	require.NoError(t, engine.Stop(context.Background()))
	select {
	case <-future.Done():
	default:
		t.Fatal("accepted batch did not complete before Stop returned")
	}
	assert.Equal(t, 1, publisher.count())

	_, err = engine.SubmitBatch("agent-1", agentPayload(t, "agent-1", ingest.EncodingJSON))
	assert.ErrorIs(t, err, queue.ErrStopped)
}

func TestStopBeforeStartRefuses(t *testing.T) {
	engine, err := NewEngine(testConfig(), newTestStore(t), nil)
	require.NoError(t, err)

	require.NoError(t, engine.Stop(context.Background()))

	_, err = engine.SubmitBatch("agent-1", agentPayload(t, "agent-1", ingest.EncodingJSON))
	assert.ErrorIs(t, err, queue.ErrStopped)

	_, err = engine.SubmitMaintenance(JobRollover)
	assert.ErrorIs(t, err, queue.ErrStopped)
}

func TestSubmitMaintenance(t *testing.T) {
	engine, _, _ := startEngine(t)

	_, err := engine.SubmitMaintenance("defrag")
	assert.ErrorIs(t, err, ErrUnknownJob)

	future, err := engine.SubmitMaintenance(JobRollover)
	require.NoError(t, err)
	res := waitResult(t, future)
	require.NoError(t, res.Err)

	report, ok := res.Value.(*MaintenanceReport)
	require.True(t, ok)
	assert.Equal(t, JobRollover, report.Job)
	assert.Equal(t, 1, report.Epoch)
}

func TestOutcomeLabels(t *testing.T) {
	assert.Equal(t, "authentication", outcome(reconcile.ErrAuthentication))
	assert.Equal(t, "validation", outcome(reconcile.ErrValidation))
	assert.Equal(t, "persistence", outcome(reconcile.ErrPersistence))
	assert.Equal(t, "error", outcome(context.Canceled))
}
