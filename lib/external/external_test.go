package external

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQuotaStoreAdjustWithinCapacity(t *testing.T) {
	s := NewInMemoryQuotaStore(1024)
	ctx := context.Background()

	s.SetCapacity("u1", 1024, 100)
	require.NoError(t, s.Adjust(ctx, "u1", 60))

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 160, rec.SnapshotStoredMB)
}

func TestInMemoryQuotaStoreRejectsOverCapacity(t *testing.T) {
	s := NewInMemoryQuotaStore(1024)
	ctx := context.Background()

	s.SetCapacity("u1", 1024, 1000)
	assert.ErrorIs(t, s.Adjust(ctx, "u1", 60), ErrQuotaExceeded)

	rec, _ := s.Get(ctx, "u1")
	assert.EqualValues(t, 1000, rec.SnapshotStoredMB, "unchanged on rejection")
}

func TestInMemoryQuotaStoreFloorsAtZero(t *testing.T) {
	s := NewInMemoryQuotaStore(1024)
	ctx := context.Background()

	s.SetCapacity("u1", 1024, 10)
	require.NoError(t, s.Adjust(ctx, "u1", -100))

	rec, _ := s.Get(ctx, "u1")
	assert.Zero(t, rec.SnapshotStoredMB, "floored at 0")
}
