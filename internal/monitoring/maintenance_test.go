package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ravenhub/internal/database"
)

var fixedNow = time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

func newTestMaintenance(t *testing.T) (*Maintenance, *database.BoltStore) {
	t.Helper()
	store := newTestStore(t)
	m := NewMaintenance(store, testConfig())
	m.now = func() time.Time { return fixedNow }
	return m, store
}

func samplesEvery(n int, timeoutAt int) []database.Sample {
	samples := make([]database.Sample, n)
	for i := range samples {
		samples[i] = database.Sample{SentAt: uint32(i * 10), RTT: uint16(10 + i)}
		if i == timeoutAt {
			samples[i].RTT = database.TimeoutRTT
		}
	}
	return samples
}

func seed(t *testing.T, store database.Store, rows ...database.HostSeries) []uint64 {
	t.Helper()
	var ids []uint64
	require.NoError(t, store.Update(context.Background(), func(tx database.Tx) error {
		for i := range rows {
			if err := tx.AddSeries(&rows[i]); err != nil {
				return err
			}
			ids = append(ids, rows[i].ID)
		}
		return nil
	}))
	return ids
}

func load(t *testing.T, store database.Store, id uint64) (*database.HostSeries, []database.Sample) {
	t.Helper()
	var (
		series  *database.HostSeries
		samples []database.Sample
	)
	require.NoError(t, store.View(context.Background(), func(tx database.Tx) error {
		var err error
		if series, err = tx.GetSeries(id); err != nil {
			return err
		}
		samples, err = tx.FindSamples(id, 0)
		return err
	}))
	return series, samples
}

func TestRolloverArchivesLiveSeries(t *testing.T) {
	m, store := newTestMaintenance(t)
	ids := seed(t, store,
		database.HostSeries{HostID: 1, AgentID: "a1", Samples: samplesEvery(3, -1)},
		database.HostSeries{HostID: 2, AgentID: "a2"},
	)

	report, err := m.Rollover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Epoch)
	assert.Equal(t, 2, report.Series)

	for _, id := range ids {
		series, samples := load(t, store, id)
		assert.False(t, series.Live())
		assert.True(t, series.Archived)
		assert.Equal(t, 1, series.Epoch)
		if series.HostID == 1 {
			assert.Len(t, samples, 3)
		}
	}

	report, err = m.Rollover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Epoch)
	assert.Zero(t, report.Series)
}

func TestCompactHistoryReducesOldArchives(t *testing.T) {
	m, store := newTestMaintenance(t)
	old := fixedNow.Add(-10 * 24 * time.Hour)
	recent := fixedNow.Add(-time.Hour)

	ids := seed(t, store,
		database.HostSeries{HostID: 1, Epoch: 1, Archived: true, Ended: old, Samples: samplesEvery(10, 9)},
		database.HostSeries{HostID: 2, Epoch: 1, Archived: true, Ended: recent, Samples: samplesEvery(10, -1)},
		database.HostSeries{HostID: 3, Ended: old, Samples: samplesEvery(10, -1)},
		database.HostSeries{HostID: 4, Epoch: 1, Archived: true, Ended: old, Samples: samplesEvery(2, -1)},
	)

	report, err := m.CompactHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Series)
	assert.Equal(t, 10, report.SamplesBefore)
	assert.Equal(t, 4, report.SamplesAfter)

	series, samples := load(t, store, ids[0])
	assert.True(t, series.Compacted)
	require.Len(t, samples, 4)
	assert.True(t, samples[len(samples)-1].Timeout())
	assert.Equal(t, uint32(90), samples[len(samples)-1].SentAt)
	for _, s := range samples {
		assert.Equal(t, ids[0], s.SeriesID)
	}

	series, samples = load(t, store, ids[1])
	assert.False(t, series.Compacted)
	assert.Len(t, samples, 10)

	series, samples = load(t, store, ids[2])
	assert.False(t, series.Compacted)
	assert.Len(t, samples, 10)

	series, samples = load(t, store, ids[3])
	assert.True(t, series.Compacted)
	assert.Len(t, samples, 2)

	report, err = m.CompactHistory(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Series)
}

func TestPurgeRemovesExpiredArchives(t *testing.T) {
	m, store := newTestMaintenance(t)
	expired := fixedNow.Add(-60 * 24 * time.Hour)

	ids := seed(t, store,
		database.HostSeries{HostID: 1, Epoch: 1, Archived: true, Ended: expired, Samples: samplesEvery(5, -1)},
		database.HostSeries{HostID: 2, Epoch: 1, Archived: true, Ended: fixedNow, Samples: samplesEvery(5, -1)},
		database.HostSeries{HostID: 3, Ended: expired, Samples: samplesEvery(5, -1)},
	)

	report, err := m.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Series)
	assert.Equal(t, 5, report.SamplesBefore)

	require.NoError(t, store.View(context.Background(), func(tx database.Tx) error {
		_, err := tx.GetSeries(ids[0])
		assert.ErrorIs(t, err, database.ErrNotFound)
		samples, err := tx.FindSamples(ids[0], 0)
		assert.Empty(t, samples)
		return err
	}))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalSeries)
	assert.Equal(t, 10, stats.TotalSamples)
}

func TestRunDispatchesJobs(t *testing.T) {
	m, store := newTestMaintenance(t)
	seed(t, store, database.HostSeries{HostID: 1, Samples: samplesEvery(3, -1)})

	report, err := m.Run(context.Background(), JobDatabaseCompact)
	require.NoError(t, err)
	assert.Equal(t, JobDatabaseCompact, report.Job)
	assert.Equal(t, 1, report.Series)
	assert.Equal(t, 3, report.SamplesAfter)

	_, err = m.Run(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)

	assert.True(t, KnownJob(JobPurge))
	assert.False(t, KnownJob(""))
}
