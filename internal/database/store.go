// internal/database/store.go
package database

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a keyed lookup finds no row.
var ErrNotFound = errors.New("not found")

// Store is the persistence collaborator. Every write happens inside an Update
// unit of work, which commits atomically or not at all.
type Store interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Maintenance
	Stats(ctx context.Context) (*DatabaseStats, error)
	Compact(ctx context.Context) error

	Close() error
}

// Tx is the repository view of one transaction. Removing a series never
// cascades; callers delete its samples explicitly.
type Tx interface {
	// HostSeries operations
	FindSeries(filter SeriesFilter) ([]HostSeries, error)
	GetSeries(id uint64) (*HostSeries, error)
	AddSeries(series *HostSeries) error
	SaveSeries(series *HostSeries) error
	RemoveSeries(id uint64) error

	// Sample operations
	FindSamples(seriesID uint64, since uint32) ([]Sample, error)
	AddSamples(seriesID uint64, samples []Sample) error
	RemoveSamples(seriesID uint64) (int, error)

	// Status mapping operations
	StatusItems() ([]StatusItem, error)
	AddStatusItems(items []StatusItem) error

	// NextEpoch bumps and returns the archive generation counter.
	NextEpoch() (int, error)
}

// DatabaseStats provides information about database size and health
type DatabaseStats struct {
	TotalSeries    int       `json:"total_series"`
	LiveSeries     int       `json:"live_series"`
	ArchivedSeries int       `json:"archived_series"`
	TotalSamples   int       `json:"total_samples"`
	StatusItems    int       `json:"status_items"`
	CurrentEpoch   int       `json:"current_epoch"`
	DatabaseSize   int64     `json:"database_size_bytes"`
	OldestSample   time.Time `json:"oldest_sample"`
	NewestSample   time.Time `json:"newest_sample"`
}
