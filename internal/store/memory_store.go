package store

import (
	"context"
	"sync"
	"time"

	"github.com/galedi/lvsync/internal/records"
)

// MemoryStore is an in-process Store with the same dedup and ordering rules
// as SQLStore. It backs memory:// DSNs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []records.Record
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Insert(ctx context.Context, partner records.PartnerID, fields records.Fields) (InsertOutcome, error) {
	record, err := records.Parse(partner, fields)
	if err != nil {
		return ValidationFailed, err
	}
	if err := ctx.Err(); err != nil {
		return 0, wrapStoreError(err, "insert", partner)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.Partner == partner && !row.Delivered && row.Fingerprint == record.Fingerprint {
			return DuplicateRejected, nil
		}
	}
	s.nextID++
	record.ID = s.nextID
	record.InsertedAt = s.now()
	s.rows = append(s.rows, record)
	return Inserted, nil
}

func (s *MemoryStore) ReadPending(ctx context.Context, partner records.PartnerID) ([]PendingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapStoreError(err, "read pending", partner)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]PendingRecord, 0)
	for _, row := range s.rows {
		if row.Partner != partner || row.Delivered {
			continue
		}
		pending = append(pending, PendingRecord{ID: row.ID, Fields: row.DisplayFields()})
		if len(pending) == MaxBatch {
			break
		}
	}
	return pending, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, partner records.PartnerID, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, wrapStoreError(err, "mark delivered", partner)
	}
	wanted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated int64
	for i := range s.rows {
		row := &s.rows[i]
		if row.Partner != partner || row.Delivered {
			continue
		}
		if _, ok := wanted[row.ID]; !ok {
			continue
		}
		row.Delivered = true
		updated++
	}
	return updated, nil
}

// Records returns a copy of every stored row, delivered or not.
func (s *MemoryStore) Records() []records.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]records.Record(nil), s.rows...)
}

func (s *MemoryStore) Close() error {
	return nil
}
