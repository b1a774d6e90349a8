package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"

	"github.com/galedi/lvsync/internal/records"
)

const (
	defaultTableName    = "lvsync_records"
	sqlOperationTimeout = 5 * time.Second
	sqliteTimestamp     = "2006-01-02T15:04:05.000000000Z"
	sqlDateLayout       = "2006-01-02"

	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type dialect struct {
	name           string
	driverName     string
	maxOpenConns   int
	pending        string
	deliveredValue string
	dateExpr       string
	timeExpr       string
	schema         []string
	numbered       bool
	timestamp      func(time.Time) any
}

var postgresDialect = dialect{
	name:           "postgres",
	driverName:     "postgres",
	pending:        "delivered = FALSE",
	deliveredValue: "TRUE",
	dateExpr:       "to_char(record_date, 'YYYY-MM-DD')",
	timeExpr:       "to_char(record_time, 'HH24:MI:SS')",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS %[1]s (
			id BIGSERIAL PRIMARY KEY,
			partner_id TEXT NOT NULL,
			le BIGINT NOT NULL,
			planned_destination TEXT NOT NULL,
			actual_destination TEXT NOT NULL,
			status SMALLINT NOT NULL,
			record_date DATE NOT NULL,
			record_time TIME NOT NULL,
			fingerprint TEXT NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT FALSE,
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			delivered_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS %[2]s ON %[1]s (partner_id, fingerprint) WHERE delivered = FALSE`,
		`CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (partner_id, delivered, inserted_at)`,
	},
	numbered:  true,
	timestamp: func(t time.Time) any { return t },
}

var sqliteDialect = dialect{
	name:           "sqlite",
	driverName:     "sqlite",
	maxOpenConns:   1,
	pending:        "delivered = 0",
	deliveredValue: "1",
	dateExpr:       "record_date",
	timeExpr:       "record_time",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS %[1]s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			partner_id TEXT NOT NULL,
			le INTEGER NOT NULL,
			planned_destination TEXT NOT NULL,
			actual_destination TEXT NOT NULL,
			status INTEGER NOT NULL,
			record_date TEXT NOT NULL,
			record_time TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			inserted_at TEXT NOT NULL,
			delivered_at TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS %[2]s ON %[1]s (partner_id, fingerprint) WHERE delivered = 0`,
		`CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (partner_id, delivered, inserted_at)`,
	},
	timestamp: func(t time.Time) any { return t.UTC().Format(sqliteTimestamp) },
}

// SQLStore keeps records in a relational database. The schema is created
// lazily on first use; a failed initialisation is retried on the next call.
type SQLStore struct {
	dsn       string
	tableName string
	dialect   dialect
	openDB    sqlOpenFunc
	now       func() time.Time

	mu sync.Mutex
	db *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(dsn, postgresDialect)
}

func NewSQLiteStore(path string) (*SQLStore, error) {
	return newSQLStore(path, sqliteDialect)
}

func newSQLStore(dsn string, d dialect) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:       dsn,
		tableName: defaultTableName,
		dialect:   d,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func (s *SQLStore) Insert(ctx context.Context, partner records.PartnerID, fields records.Fields) (InsertOutcome, error) {
	record, err := records.Parse(partner, fields)
	if err != nil {
		return ValidationFailed, err
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return 0, wrapStoreError(err, "insert", partner)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf(`
		INSERT INTO %s (partner_id, le, planned_destination, actual_destination, status, record_date, record_time, fingerprint, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (partner_id, fingerprint) WHERE %s DO NOTHING`,
		quoteIdentifier(s.tableName), s.dialect.pending))
	result, err := db.ExecContext(ctx, query,
		partner.String(),
		record.LE,
		record.PlannedDestination,
		record.ActualDestination,
		record.Status,
		record.Date.Format(sqlDateLayout),
		record.Time,
		record.Fingerprint,
		s.dialect.timestamp(s.now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return DuplicateRejected, nil
		}
		return 0, wrapStoreError(err, "insert", partner)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, wrapStoreError(err, "insert", partner)
	}
	if affected == 0 {
		return DuplicateRejected, nil
	}
	return Inserted, nil
}

func (s *SQLStore) ReadPending(ctx context.Context, partner records.PartnerID) ([]PendingRecord, error) {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, wrapStoreError(err, "read pending", partner)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf(`
		SELECT id, le, planned_destination, actual_destination, status, %s, %s
		FROM %s
		WHERE partner_id = ? AND %s
		ORDER BY inserted_at ASC, id ASC
		LIMIT %d`,
		s.dialect.dateExpr, s.dialect.timeExpr, quoteIdentifier(s.tableName), s.dialect.pending, MaxBatch))
	rows, err := db.QueryContext(ctx, query, partner.String())
	if err != nil {
		return nil, wrapStoreError(err, "read pending", partner)
	}
	defer rows.Close()

	pending := make([]PendingRecord, 0)
	for rows.Next() {
		var (
			record   records.Record
			rawDate  string
			rawClock string
		)
		if err := rows.Scan(&record.ID, &record.LE, &record.PlannedDestination, &record.ActualDestination, &record.Status, &rawDate, &rawClock); err != nil {
			return nil, wrapStoreError(err, "read pending", partner)
		}
		date, err := time.Parse(sqlDateLayout, rawDate)
		if err != nil {
			return nil, wrapStoreError(fmt.Errorf("record %d has malformed date %q: %w", record.ID, rawDate, err), "read pending", partner)
		}
		record.Date = date
		record.Time = rawClock
		pending = append(pending, PendingRecord{ID: record.ID, Fields: record.DisplayFields()})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(err, "read pending", partner)
	}
	return pending, nil
}

func (s *SQLStore) MarkDelivered(ctx context.Context, partner records.PartnerID, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return 0, wrapStoreError(err, "mark delivered", partner)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, s.dialect.timestamp(s.now()), partner.String())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := s.rebind(fmt.Sprintf(`
		UPDATE %s
		SET delivered = %s, delivered_at = ?
		WHERE partner_id = ? AND %s AND id IN (%s)`,
		quoteIdentifier(s.tableName), s.dialect.deliveredValue, s.dialect.pending, strings.Join(placeholders, ", ")))
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapStoreError(err, "mark delivered", partner)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, wrapStoreError(err, "mark delivered", partner)
	}
	return affected, nil
}

func (s *SQLStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLStore) ensureReady(ctx context.Context) (*sql.DB, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.openDB(s.dialect.driverName, s.dsn)
	if err != nil {
		return nil, err
	}
	if s.dialect.maxOpenConns > 0 {
		db.SetMaxOpenConns(s.dialect.maxOpenConns)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	uniqueIndex := quoteIdentifier(s.tableName + "_pending_fingerprint_idx")
	pendingIndex := quoteIdentifier(s.tableName + "_partner_pending_idx")
	for _, statement := range s.dialect.schema {
		query := fmt.Sprintf(statement, quoteIdentifier(s.tableName), uniqueIndex, pendingIndex)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s.db = db
	return db, nil
}

// rebind rewrites ? placeholders into $n for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
	}
	return false
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
