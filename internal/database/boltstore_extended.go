// internal/database/boltstore_extended.go - stats and file compaction
package database

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// compactTxMaxSize bounds how much bbolt.Compact copies per transaction.
const compactTxMaxSize = 64 << 20

// Stats returns information about database size and health
func (s *BoltStore) Stats(ctx context.Context) (*DatabaseStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &DatabaseStats{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(SeriesBucket).ForEach(func(k, v []byte) error {
			var series HostSeries
			if err := unmarshal(v, &series); err != nil {
				return nil // Skip malformed entries
			}
			stats.TotalSeries++
			if series.Live() {
				stats.LiveSeries++
			} else {
				stats.ArchivedSeries++
			}
			return nil
		})
		if err != nil {
			return err
		}

		stats.StatusItems = tx.Bucket(StatusBucket).Stats().KeyN
		stats.CurrentEpoch = currentEpoch(tx)

		// Send times live in the key, so the value never needs decoding
		var oldest, newest uint32
		c := tx.Bucket(SamplesBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) < 12 {
				continue
			}
			sentAt := binary.BigEndian.Uint32(k[8:12])
			if stats.TotalSamples == 0 || sentAt < oldest {
				oldest = sentAt
			}
			if sentAt > newest {
				newest = sentAt
			}
			stats.TotalSamples++
		}

		if stats.TotalSamples > 0 {
			stats.OldestSample = Sample{SentAt: oldest}.SentTime()
			stats.NewestSample = Sample{SentAt: newest}.SentTime()
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get database stats: %w", err)
	}

	// Get file size
	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}

	return stats, nil
}

// Compact rewrites the database file to reclaim pages freed by deletes and
// sample compaction. Readers and writers wait while the file is swapped.
func (s *BoltStore) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logrus.Info("Starting database compaction")

	compactPath := s.path + ".compact.tmp"
	os.Remove(compactPath)

	newDB, err := openBolt(compactPath)
	if err != nil {
		return fmt.Errorf("failed to create compact database: %w", err)
	}

	if err := bbolt.Compact(newDB, s.db, compactTxMaxSize); err != nil {
		newDB.Close()
		os.Remove(compactPath)
		return fmt.Errorf("failed to copy data to compact database: %w", err)
	}

	before := fileSize(s.path)

	// Close databases
	if err := newDB.Close(); err != nil {
		os.Remove(compactPath)
		return fmt.Errorf("failed to close compact database: %w", err)
	}
	if err := s.db.Close(); err != nil {
		os.Remove(compactPath)
		return fmt.Errorf("failed to close database: %w", err)
	}

	// Replace old database with compacted version
	renameErr := os.Rename(compactPath, s.path)
	if renameErr != nil {
		os.Remove(compactPath)
	}

	// Reopen whichever file is now in place
	s.db, err = openBolt(s.path)
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	if renameErr != nil {
		return fmt.Errorf("failed to replace database: %w", renameErr)
	}

	logrus.WithFields(logrus.Fields{
		"size_before": before,
		"size_after":  fileSize(s.path),
	}).Info("Database compaction completed successfully")

	return nil
}

func fileSize(path string) int64 {
	if fileInfo, err := os.Stat(path); err == nil {
		return fileInfo.Size()
	}
	return 0
}

// copyBytes creates a copy of a byte slice
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	copied := make([]byte, len(b))
	copy(copied, b)
	return copied
}
