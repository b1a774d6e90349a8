package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galedi/lvsync/internal/records"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func line(le int) records.Fields {
	return records.Fields{fmt.Sprintf("%d", le), "P01", "A02", "5", "03.04.24", "10:11:12"}
}

func TestInsertRejectsDuplicateContent(t *testing.T) {
	for name, build := range backends() {
		t.Run(name, func(t *testing.T) {
			s := build(t)
			ctx := context.Background()

			outcome, err := s.Insert(ctx, records.PartnerH, line(1))
			require.NoError(t, err)
			assert.Equal(t, Inserted, outcome)

			outcome, err = s.Insert(ctx, records.PartnerH, line(1))
			require.NoError(t, err)
			assert.Equal(t, DuplicateRejected, outcome)

			pending, err := s.ReadPending(ctx, records.PartnerH)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, records.Fields{"1", "P01", "A02", "05", "03.04.24", "10:11:12"}, pending[0].Fields)
		})
	}
}

func TestInsertDedupIsScopedToPartner(t *testing.T) {
	for name, build := range backends() {
		t.Run(name, func(t *testing.T) {
			s := build(t)
			ctx := context.Background()

			for _, partner := range []records.PartnerID{records.PartnerH, records.PartnerE} {
				outcome, err := s.Insert(ctx, partner, line(7))
				require.NoError(t, err)
				assert.Equal(t, Inserted, outcome, partner)
			}
		})
	}
}

func TestInsertReportsValidationFailure(t *testing.T) {
	for name, build := range backends() {
		t.Run(name, func(t *testing.T) {
			s := build(t)
			ctx := context.Background()

			bad := records.Fields{"1", "P01", "A02", "xx", "03.04.24", "10:11:12"}
			outcome, err := s.Insert(ctx, records.PartnerH, bad)
			assert.Equal(t, ValidationFailed, outcome)
			assert.True(t, records.IsValidation(err))
			assert.False(t, IsUnavailable(err))

			pending, err := s.ReadPending(ctx, records.PartnerH)
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestReadPendingIsBoundedAndOrdered(t *testing.T) {
	for name, build := range backends() {
		t.Run(name, func(t *testing.T) {
			s := build(t)
			ctx := context.Background()

			for i := 1; i <= MaxBatch+5; i++ {
				_, err := s.Insert(ctx, records.PartnerE, line(i))
				require.NoError(t, err)
			}

			first, err := s.ReadPending(ctx, records.PartnerE)
			require.NoError(t, err)
			require.Len(t, first, MaxBatch)
			assert.Equal(t, "1", first[0].Fields[0])
			assert.Equal(t, fmt.Sprintf("%d", MaxBatch), first[MaxBatch-1].Fields[0])

			ids := make([]int64, 0, len(first))
			for _, rec := range first {
				ids = append(ids, rec.ID)
			}
			updated, err := s.MarkDelivered(ctx, records.PartnerE, ids)
			require.NoError(t, err)
			assert.EqualValues(t, MaxBatch, updated)

			second, err := s.ReadPending(ctx, records.PartnerE)
			require.NoError(t, err)
			require.Len(t, second, 5)
			assert.Equal(t, fmt.Sprintf("%d", MaxBatch+1), second[0].Fields[0])
		})
	}
}

func TestMarkDeliveredIsMonotonic(t *testing.T) {
	for name, build := range backends() {
		t.Run(name, func(t *testing.T) {
			s := build(t)
			ctx := context.Background()

			_, err := s.Insert(ctx, records.PartnerH, line(1))
			require.NoError(t, err)
			_, err = s.Insert(ctx, records.PartnerH, line(2))
			require.NoError(t, err)
			pending, err := s.ReadPending(ctx, records.PartnerH)
			require.NoError(t, err)
			require.Len(t, pending, 2)

			updated, err := s.MarkDelivered(ctx, records.PartnerH, nil)
			require.NoError(t, err)
			assert.Zero(t, updated)

			updated, err = s.MarkDelivered(ctx, records.PartnerE, []int64{pending[0].ID})
			require.NoError(t, err)
			assert.Zero(t, updated, "ids of another partner must not be touched")

			updated, err = s.MarkDelivered(ctx, records.PartnerH, []int64{pending[0].ID})
			require.NoError(t, err)
			assert.EqualValues(t, 1, updated)

			updated, err = s.MarkDelivered(ctx, records.PartnerH, []int64{pending[0].ID})
			require.NoError(t, err)
			assert.Zero(t, updated)

			remaining, err := s.ReadPending(ctx, records.PartnerH)
			require.NoError(t, err)
			require.Len(t, remaining, 1)
			assert.Equal(t, pending[1].ID, remaining[0].ID)
		})
	}
}

func TestDeliveredContentCanBeIngestedAgain(t *testing.T) {
	for name, build := range backends() {
		t.Run(name, func(t *testing.T) {
			s := build(t)
			ctx := context.Background()

			_, err := s.Insert(ctx, records.PartnerH, line(3))
			require.NoError(t, err)
			pending, err := s.ReadPending(ctx, records.PartnerH)
			require.NoError(t, err)
			_, err = s.MarkDelivered(ctx, records.PartnerH, []int64{pending[0].ID})
			require.NoError(t, err)

			outcome, err := s.Insert(ctx, records.PartnerH, line(3))
			require.NoError(t, err)
			assert.Equal(t, Inserted, outcome)
		})
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = first.Insert(ctx, records.PartnerH, line(9))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()
	outcome, err := second.Insert(ctx, records.PartnerH, line(9))
	require.NoError(t, err)
	assert.Equal(t, DuplicateRejected, outcome)
}

func TestCancelledContextIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore().Insert(ctx, records.PartnerH, line(1))
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	s := &SQLStore{dialect: postgresDialect}
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", s.rebind("a = ? AND b IN (?, ?)"))

	s = &SQLStore{dialect: sqliteDialect}
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestBuildFromDSN(t *testing.T) {
	s, err := BuildFromDSN("memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = BuildFromDSN("sqlite://" + filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	sqlStore, ok := s.(*SQLStore)
	require.True(t, ok)
	assert.Equal(t, "sqlite", sqlStore.dialect.driverName)

	s, err = BuildFromDSN("postgres://u:p@localhost:5432/lvsync?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "postgres", s.(*SQLStore).dialect.driverName)

	_, err = BuildFromDSN("mysql://localhost/lvsync")
	assert.True(t, errors.Is(err, ErrNotImplemented))

	_, err = BuildFromDSN("redis://localhost")
	assert.Error(t, err)

	_, err = BuildFromDSN("  ")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestRegisteredFactoryTakesPrecedence(t *testing.T) {
	custom := NewMemoryStore()
	RegisterFactory("custom-mem", func(string) (Store, error) { return custom, nil })

	s, err := BuildFromDSN("custom-mem://anything")
	require.NoError(t, err)
	assert.Same(t, custom, s)
}
