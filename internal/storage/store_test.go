// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-io/sensorgate/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = ":memory:"
	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func reading(node uuid.UUID, seq uint64, ts time.Time) *models.PersistedReading {
	return &models.PersistedReading{
		NodeID:     node,
		Sequence:   seq,
		Timestamp:  ts,
		Metric:     "temperature",
		Value:      21.5,
		Status:     "ok",
		ReceivedAt: ts.Add(time.Millisecond),
	}
}

func TestInsertBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	node := uuid.New()
	now := time.Now().UTC()

	batch := []*models.PersistedReading{
		reading(node, 1, now),
		reading(node, 2, now.Add(time.Second)),
		reading(node, 3, now.Add(2*time.Second)),
	}
	inserted, duplicates, err := db.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)
	assert.Zero(t, duplicates)

	n, err := db.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestInsertBatchIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	node := uuid.New()
	now := time.Now().UTC()

	batch := []*models.PersistedReading{
		reading(node, 1, now),
		reading(node, 2, now.Add(time.Second)),
	}

	_, _, err := db.InsertBatch(ctx, batch)
	require.NoError(t, err)

	// Replaying the same batch must not duplicate rows; the key constraint
	// absorbs the conflict.
	inserted, duplicates, err := db.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.Equal(t, 2, duplicates)

	n, err := db.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestInsertBatchMixedConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	node := uuid.New()
	now := time.Now().UTC()

	_, _, err := db.InsertBatch(ctx, []*models.PersistedReading{reading(node, 1, now)})
	require.NoError(t, err)

	inserted, duplicates, err := db.InsertBatch(ctx, []*models.PersistedReading{
		reading(node, 1, now),
		reading(node, 2, now.Add(time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 1, duplicates)
}

func TestInsertBatchEmpty(t *testing.T) {
	db := openTestDB(t)
	inserted, duplicates, err := db.InsertBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.Zero(t, duplicates)
}

func TestQueryByNode(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	node, other := uuid.New(), uuid.New()
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	batch := []*models.PersistedReading{
		reading(node, 2, base.Add(2*time.Minute)),
		reading(node, 1, base.Add(time.Minute)),
		reading(node, 3, base.Add(time.Hour)), // outside the window below
		reading(other, 1, base.Add(time.Minute)),
	}
	_, _, err := db.InsertBatch(ctx, batch)
	require.NoError(t, err)

	got, err := db.QueryByNode(ctx, node, base, base.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Ordered by producer timestamp, not insert order.
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, uint64(2), got[1].Sequence)
	for _, r := range got {
		assert.Equal(t, node, r.NodeID)
		assert.Equal(t, "temperature", r.Metric)
		assert.Equal(t, 21.5, r.Value)
	}
	assert.WithinDuration(t, base.Add(time.Minute), got[0].Timestamp, time.Millisecond)
}

func TestQueryByNodeUnknown(t *testing.T) {
	db := openTestDB(t)
	got, err := db.QueryByNode(context.Background(), uuid.New(), time.Unix(0, 0), time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}
