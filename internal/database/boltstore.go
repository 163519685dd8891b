// internal/database/boltstore.go - BoltDB implementation of the Store
package database

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	SeriesBucket  = []byte("host_series")
	SamplesBucket = []byte("samples")
	StatusBucket  = []byte("status_items")
	MetaBucket    = []byte("meta")

	allBuckets = [][]byte{SeriesBucket, SamplesBucket, StatusBucket, MetaBucket}

	epochKey = []byte("epoch")
)

type BoltStore struct {
	// mu guards db, which Compact swaps out.
	mu   sync.RWMutex
	db   *bbolt.DB
	path string
}

func NewBoltStore(path string) (*BoltStore, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := openBolt(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store := &BoltStore{db: db, path: path}

	if err := initBuckets(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func openBolt(path string) (*bbolt.DB, error) {
	return bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
}

func initBuckets(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) FindSeries(filter SeriesFilter) ([]HostSeries, error) {
	var result []HostSeries

	b := t.tx.Bucket(SeriesBucket)
	err := b.ForEach(func(k, v []byte) error {
		var series HostSeries
		if err := unmarshal(v, &series); err != nil {
			return fmt.Errorf("failed to unmarshal series %d: %w", btoi(k), err)
		}

		if !filter.match(&series) {
			return nil
		}

		if filter.WithSamples {
			samples, err := t.FindSamples(series.ID, filter.SamplesSince)
			if err != nil {
				return err
			}
			series.Samples = samples
		}

		result = append(result, series)
		return nil
	})

	return result, err
}

func (t *boltTx) GetSeries(id uint64) (*HostSeries, error) {
	v := t.tx.Bucket(SeriesBucket).Get(itob(id))
	if v == nil {
		return nil, fmt.Errorf("series %d: %w", id, ErrNotFound)
	}

	var series HostSeries
	if err := unmarshal(v, &series); err != nil {
		return nil, fmt.Errorf("failed to unmarshal series %d: %w", id, err)
	}
	return &series, nil
}

// AddSeries assigns a fresh identity to series and to any attached samples.
func (t *boltTx) AddSeries(series *HostSeries) error {
	b := t.tx.Bucket(SeriesBucket)

	id, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate series id: %w", err)
	}
	series.ID = id

	if err := t.putSeries(series); err != nil {
		return err
	}

	return t.AddSamples(series.ID, series.Samples)
}

func (t *boltTx) SaveSeries(series *HostSeries) error {
	if series.ID == 0 {
		return fmt.Errorf("cannot save series without an id")
	}
	return t.putSeries(series)
}

func (t *boltTx) putSeries(series *HostSeries) error {
	data, err := marshal(series)
	if err != nil {
		return fmt.Errorf("failed to marshal series: %w", err)
	}
	return t.tx.Bucket(SeriesBucket).Put(itob(series.ID), data)
}

func (t *boltTx) RemoveSeries(id uint64) error {
	return t.tx.Bucket(SeriesBucket).Delete(itob(id))
}

// FindSamples returns the series' samples with SentAt >= since, ordered by
// send time.
func (t *boltTx) FindSamples(seriesID uint64, since uint32) ([]Sample, error) {
	var samples []Sample

	prefix := itob(seriesID)
	c := t.tx.Bucket(SamplesBucket).Cursor()

	for k, v := c.Seek(sampleSeek(seriesID, since)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var sample Sample
		if err := unmarshal(v, &sample); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sample %x: %w", k, err)
		}
		samples = append(samples, sample)
	}

	return samples, nil
}

// AddSamples stores samples under seriesID. Samples without an identity get
// one from the bucket sequence; the slice is updated in place.
func (t *boltTx) AddSamples(seriesID uint64, samples []Sample) error {
	b := t.tx.Bucket(SamplesBucket)

	for i := range samples {
		sample := &samples[i]
		if sample.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to allocate sample id: %w", err)
			}
			sample.ID = id
		}
		sample.SeriesID = seriesID

		data, err := marshal(sample)
		if err != nil {
			return fmt.Errorf("failed to marshal sample: %w", err)
		}
		if err := b.Put(sampleKey(sample), data); err != nil {
			return err
		}
	}

	return nil
}

func (t *boltTx) RemoveSamples(seriesID uint64) (int, error) {
	b := t.tx.Bucket(SamplesBucket)
	prefix := itob(seriesID)

	// Collect keys to delete
	var keysToDelete [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keysToDelete = append(keysToDelete, copyBytes(k))
	}

	for _, key := range keysToDelete {
		if err := b.Delete(key); err != nil {
			return 0, fmt.Errorf("failed to delete sample %x: %w", key, err)
		}
	}

	return len(keysToDelete), nil
}

func (t *boltTx) StatusItems() ([]StatusItem, error) {
	var items []StatusItem

	err := t.tx.Bucket(StatusBucket).ForEach(func(k, v []byte) error {
		var item StatusItem
		if err := unmarshal(v, &item); err != nil {
			return fmt.Errorf("failed to unmarshal status item %x: %w", k, err)
		}
		items = append(items, item)
		return nil
	})

	return items, err
}

func (t *boltTx) AddStatusItems(items []StatusItem) error {
	b := t.tx.Bucket(StatusBucket)

	sort.Slice(items, func(i, j int) bool { return items[i].Code < items[j].Code })
	for _, item := range items {
		if item.Code == 0 {
			return fmt.Errorf("status code 0 is reserved for unassigned")
		}

		key := make([]byte, 2)
		binary.BigEndian.PutUint16(key, item.Code)
		if b.Get(key) != nil {
			return fmt.Errorf("status code %d already assigned", item.Code)
		}

		data, err := marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal status item: %w", err)
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
	}

	return nil
}

func (t *boltTx) NextEpoch() (int, error) {
	b := t.tx.Bucket(MetaBucket)

	next := currentEpoch(t.tx) + 1
	if err := b.Put(epochKey, itob(uint64(next))); err != nil {
		return 0, fmt.Errorf("failed to store epoch: %w", err)
	}
	return next, nil
}

func currentEpoch(tx *bbolt.Tx) int {
	v := tx.Bucket(MetaBucket).Get(epochKey)
	if v == nil {
		return 0
	}
	return int(btoi(v))
}

// Sample keys are series id, send time, sample id so a prefix scan returns a
// series in time order and Seek can start at a send time.
func sampleKey(s *Sample) []byte {
	key := make([]byte, 20)
	binary.BigEndian.PutUint64(key[0:8], s.SeriesID)
	binary.BigEndian.PutUint32(key[8:12], s.SentAt)
	binary.BigEndian.PutUint64(key[12:20], s.ID)
	return key
}

func sampleSeek(seriesID uint64, since uint32) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key[0:8], seriesID)
	binary.BigEndian.PutUint32(key[8:12], since)
	return key
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}
