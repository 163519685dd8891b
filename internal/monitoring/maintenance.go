// internal/monitoring/maintenance.go
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ravenhub/internal/config"
	"ravenhub/internal/database"
	"ravenhub/internal/downsample"
)

// Maintenance job names, shared by the scheduler and the HTTP trigger.
const (
	JobCompact         = "compact"
	JobRollover        = "rollover"
	JobPurge           = "purge"
	JobDatabaseCompact = "database_compact"
)

var ErrUnknownJob = errors.New("unknown maintenance job")

func KnownJob(job string) bool {
	switch job {
	case JobCompact, JobRollover, JobPurge, JobDatabaseCompact:
		return true
	}
	return false
}

// MaintenanceReport summarises one maintenance run.
type MaintenanceReport struct {
	Job           string        `json:"job"`
	Series        int           `json:"series"`
	SamplesBefore int           `json:"samples_before"`
	SamplesAfter  int           `json:"samples_after"`
	Epoch         int           `json:"epoch,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Maintenance keeps stored history bounded. Every method writes, so callers
// run it on the ingestion queue.
type Maintenance struct {
	store  database.Store
	config *config.Config
	now    func() time.Time
}

func NewMaintenance(store database.Store, cfg *config.Config) *Maintenance {
	return &Maintenance{
		store:  store,
		config: cfg,
		now:    time.Now,
	}
}

func (m *Maintenance) Run(ctx context.Context, job string) (*MaintenanceReport, error) {
	start := m.now()

	var (
		report *MaintenanceReport
		err    error
	)
	switch job {
	case JobCompact:
		report, err = m.CompactHistory(ctx)
	case JobRollover:
		report, err = m.Rollover(ctx)
	case JobPurge:
		report, err = m.Purge(ctx)
	case JobDatabaseCompact:
		report, err = m.CompactDatabase(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
	if err != nil {
		logrus.WithError(err).WithField("job", job).Error("Maintenance job failed")
		return nil, fmt.Errorf("%s: %w", job, err)
	}

	report.Duration = m.now().Sub(start)
	logrus.WithFields(logrus.Fields{
		"job":            job,
		"series":         report.Series,
		"samples_before": report.SamplesBefore,
		"samples_after":  report.SamplesAfter,
		"duration":       report.Duration,
	}).Info("Maintenance job completed")

	return report, nil
}

// CompactHistory permanently downsamples archived series that ended before
// the compaction horizon. A compacted series is never reduced again.
func (m *Maintenance) CompactHistory(ctx context.Context) (*MaintenanceReport, error) {
	report := &MaintenanceReport{Job: JobCompact}
	target := m.config.Downsample.CompactTarget
	archived := true

	err := m.store.Update(ctx, func(tx database.Tx) error {
		rows, err := tx.FindSeries(database.SeriesFilter{
			Archived:    &archived,
			EndedBefore: m.now().Add(-m.config.Downsample.CompactAfter),
		})
		if err != nil {
			return err
		}

		for i := range rows {
			series := &rows[i]
			if series.Compacted {
				continue
			}

			samples, err := tx.FindSamples(series.ID, 0)
			if err != nil {
				return err
			}

			if len(samples) > target {
				reduced := downsample.Reduce(samples, target)
				if _, err := tx.RemoveSamples(series.ID); err != nil {
					return err
				}
				if err := tx.AddSamples(series.ID, reduced); err != nil {
					return err
				}
				report.SamplesBefore += len(samples)
				report.SamplesAfter += len(reduced)

				logrus.WithFields(logrus.Fields{
					"series_id": series.ID,
					"host_id":   series.HostID,
					"before":    len(samples),
					"after":     len(reduced),
				}).Debug("Compacted series history")
			}

			series.Compacted = true
			if err := tx.SaveSeries(series); err != nil {
				return err
			}
			report.Series++
		}
		return nil
	})

	return report, err
}

// Rollover closes the live working set: every live series is archived under
// a new epoch and agents start fresh series on their next batch.
func (m *Maintenance) Rollover(ctx context.Context) (*MaintenanceReport, error) {
	report := &MaintenanceReport{Job: JobRollover}

	err := m.store.Update(ctx, func(tx database.Tx) error {
		epoch, err := tx.NextEpoch()
		if err != nil {
			return err
		}
		report.Epoch = epoch

		rows, err := tx.FindSeries(database.SeriesFilter{LiveOnly: true})
		if err != nil {
			return err
		}

		for i := range rows {
			rows[i].Epoch = epoch
			rows[i].Archived = true
			if err := tx.SaveSeries(&rows[i]); err != nil {
				return err
			}
		}
		report.Series = len(rows)
		return nil
	})

	return report, err
}

// Purge deletes archived series that ended before the retention horizon,
// samples first.
func (m *Maintenance) Purge(ctx context.Context) (*MaintenanceReport, error) {
	report := &MaintenanceReport{Job: JobPurge}
	archived := true

	err := m.store.Update(ctx, func(tx database.Tx) error {
		rows, err := tx.FindSeries(database.SeriesFilter{
			Archived:    &archived,
			EndedBefore: m.now().Add(-m.config.Database.HistoryRetention),
		})
		if err != nil {
			return err
		}

		for _, series := range rows {
			removed, err := tx.RemoveSamples(series.ID)
			if err != nil {
				return err
			}
			if err := tx.RemoveSeries(series.ID); err != nil {
				return err
			}
			report.SamplesBefore += removed
			report.Series++
		}
		return nil
	})

	return report, err
}

// CompactDatabase rewrites the database file to release freed pages.
func (m *Maintenance) CompactDatabase(ctx context.Context) (*MaintenanceReport, error) {
	report := &MaintenanceReport{Job: JobDatabaseCompact}

	if err := m.store.Compact(ctx); err != nil {
		return nil, err
	}

	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	report.Series = stats.TotalSeries
	report.SamplesAfter = stats.TotalSamples

	return report, nil
}
