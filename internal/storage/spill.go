// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tessera-io/sensorgate/internal/logging"
	"github.com/tessera-io/sensorgate/internal/models"
)

// Spill is the durable overflow for batches whose commit retries were
// exhausted. Entries survive a gateway restart and are replayed into DuckDB
// before ingestion resumes, preserving the no-silent-data-loss contract.
type Spill struct {
	db *badger.DB
}

// spillEntry is one persisted batch.
type spillEntry struct {
	ID        string                     `json:"id"`
	CreatedAt time.Time                  `json:"created_at"`
	Batch     []*models.PersistedReading `json:"batch"`
}

// OpenSpill opens (or creates) the badger-backed spill at dir.
func OpenSpill(dir string) (*Spill, error) {
	opts := badger.DefaultOptions(dir)
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open spill %s: %w", dir, err)
	}
	return &Spill{db: db}, nil
}

// Add durably persists a failed batch.
func (s *Spill) Add(batch []*models.PersistedReading) error {
	entry := spillEntry{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Batch:     batch,
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("storage: marshal spill entry: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(entry.ID), data)
	})
	if err != nil {
		return fmt.Errorf("storage: write spill entry: %w", err)
	}
	return nil
}

// Pending returns the number of spilled batches.
func (s *Spill) Pending() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: count spill entries: %w", err)
	}
	return count, nil
}

// Replay inserts every spilled batch into db and deletes entries that
// committed. Called at startup before ingestion begins.
func (s *Spill) Replay(ctx context.Context, db *DB) (batches, rows int, err error) {
	var ids [][]byte
	var entries []spillEntry

	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var entry spillEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("skipping malformed spill entry")
				continue
			}
			ids = append(ids, item.KeyCopy(nil))
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("storage: iterate spill: %w", err)
	}

	for i, entry := range entries {
		if ctx.Err() != nil {
			return batches, rows, ctx.Err()
		}
		inserted, duplicates, err := db.InsertBatch(ctx, entry.Batch)
		if err != nil {
			return batches, rows, fmt.Errorf("storage: replay spill entry %s: %w", entry.ID, err)
		}
		if delErr := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(ids[i])
		}); delErr != nil {
			return batches, rows, fmt.Errorf("storage: delete replayed entry %s: %w", entry.ID, delErr)
		}
		batches++
		rows += inserted
		logging.Info().
			Str("entry", entry.ID).
			Int("inserted", inserted).
			Int("duplicates", duplicates).
			Time("spilled_at", entry.CreatedAt).
			Msg("spill entry replayed")
	}
	return batches, rows, nil
}

// Close closes the spill store.
func (s *Spill) Close() error {
	return s.db.Close()
}
