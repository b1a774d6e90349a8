// Package store persists logistics records and tracks which of them have been
// delivered to their partner.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	goerrors "github.com/goliatone/go-errors"

	"github.com/galedi/lvsync/internal/records"
)

// MaxBatch bounds ReadPending so feedback files stay small.
const MaxBatch = 50

const (
	TextCodeUnavailable = "STORE_UNAVAILABLE"
	TextCodeFailure     = "STORE_FAILURE"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type InsertOutcome int

const (
	Inserted InsertOutcome = iota + 1
	DuplicateRejected
	ValidationFailed
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case DuplicateRejected:
		return "duplicate"
	case ValidationFailed:
		return "invalid"
	default:
		return "unknown"
	}
}

// PendingRecord is a not yet delivered record in wire form.
type PendingRecord struct {
	ID     int64
	Fields records.Fields
}

// Store is shared by every partner and by both pipelines. Implementations
// resolve conflicting writes themselves; callers hold no external lock.
//
// Insert returns ValidationFailed together with the validation error for
// malformed input and DuplicateRejected with a nil error when a pending row
// with the same content already exists. Any other error is an infrastructure
// failure.
type Store interface {
	Insert(ctx context.Context, partner records.PartnerID, fields records.Fields) (InsertOutcome, error)
	ReadPending(ctx context.Context, partner records.PartnerID) ([]PendingRecord, error)
	MarkDelivered(ctx context.Context, partner records.PartnerID, ids []int64) (int64, error)
	Close() error
}

// IsUnavailable reports whether err means the store could not be reached at
// all, as opposed to a failure of a single statement.
func IsUnavailable(err error) bool {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == TextCodeUnavailable
	}
	return isConnectivityError(err)
}

func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func wrapStoreError(err error, op string, partner records.PartnerID) error {
	if err == nil {
		return nil
	}
	textCode := TextCodeFailure
	category := goerrors.CategoryInternal
	if isConnectivityError(err) {
		textCode = TextCodeUnavailable
		category = goerrors.CategoryOperation
	}
	return goerrors.Wrap(err, category, "store "+op+" failed: "+err.Error()).
		WithTextCode(textCode).
		WithMetadata(map[string]any{"partner": partner.String(), "op": op})
}
