package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/galedi/lvsync/internal/records"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationDedupAndDelivery(t *testing.T) {
	s := postgresIntegrationStore(t)
	ctx := context.Background()

	outcome, err := s.Insert(ctx, records.PartnerH, line(1))
	if err != nil || outcome != Inserted {
		t.Fatalf("expected insert, got %s (%v)", outcome, err)
	}
	outcome, err = s.Insert(ctx, records.PartnerH, line(1))
	if err != nil || outcome != DuplicateRejected {
		t.Fatalf("expected duplicate, got %s (%v)", outcome, err)
	}
	pending, err := s.ReadPending(ctx, records.PartnerH)
	if err != nil {
		t.Fatalf("read pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Fields[4] != "03.04.24" || pending[0].Fields[5] != "10:11:12" {
		t.Fatalf("unexpected pending rows: %+v", pending)
	}
	updated, err := s.MarkDelivered(ctx, records.PartnerH, []int64{pending[0].ID})
	if err != nil || updated != 1 {
		t.Fatalf("expected one delivered row, got %d (%v)", updated, err)
	}
}

func TestPostgresIntegrationConcurrentDuplicateInsert(t *testing.T) {
	s := postgresIntegrationStore(t)
	ctx := context.Background()

	var inserted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := s.Insert(ctx, records.PartnerE, line(42))
			if err != nil {
				t.Errorf("concurrent insert failed: %v", err)
				return
			}
			if outcome == Inserted {
				inserted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := inserted.Load(); got != 1 {
		t.Fatalf("expected exactly one insert to win, got %d", got)
	}
}

func postgresIntegrationStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LVSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set LVSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	s, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	s.tableName = fmt.Sprintf("lvsync_records_it_%d_%d", time.Now().UnixNano(), n)
	t.Cleanup(func() {
		_ = s.Close()
		postgresIntegrationDropTable(t, dsn, s.tableName)
	})
	return s
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
