// Package records defines the logistics record exchanged with partners and its
// line-oriented wire format.
//
// A line carries exactly six comma separated fields:
//
//	LE,plannedDestination,actualDestination,status,dd.mm.yy,hh:mm:ss
package records

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	FieldCount = 6

	DateLayout = "02.01.06"
	TimeLayout = "15:04:05"

	TextCodeInvalid = "RECORD_INVALID"
)

// PartnerID identifies one manufacturer site.
type PartnerID string

const (
	PartnerH PartnerID = "MFR-H"
	PartnerE PartnerID = "MFR-E"
	// PartnerA is reserved; it has no drop site yet.
	PartnerA PartnerID = "MFR-A"
)

func (p PartnerID) String() string {
	return string(p)
}

// Fields holds the six raw wire fields in order.
type Fields [FieldCount]string

func (f Fields) Join() string {
	return strings.Join(f[:], ",")
}

type Record struct {
	ID                 int64
	Partner            PartnerID
	LE                 int64
	PlannedDestination string
	ActualDestination  string
	Status             int
	Date               time.Time
	Time               string
	Fingerprint        string
	Delivered          bool
	InsertedAt         time.Time
}

// ParseLine splits a raw line into its six fields. Only the line terminator
// is dropped; the fields keep their bytes so the fingerprint covers the line
// as the partner wrote it.
func ParseLine(line string) (Fields, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, ",")
	if len(parts) != FieldCount {
		return Fields{}, invalid(fmt.Sprintf("expected %d fields, got %d", FieldCount, len(parts)), line)
	}
	var fields Fields
	copy(fields[:], parts)
	return fields, nil
}

// Trimmed returns the fields without surrounding whitespace.
func (f Fields) Trimmed() Fields {
	var out Fields
	for i, v := range f {
		out[i] = strings.TrimSpace(v)
	}
	return out
}

// Parse validates fields and converts them into a Record for partner. Values
// are read without surrounding whitespace; the fingerprint is taken over the
// raw fields.
func Parse(partner PartnerID, raw Fields) (Record, error) {
	fields := raw.Trimmed()
	le, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, invalid("LE is not an integer", fields.Join())
	}
	status, err := strconv.Atoi(fields[3])
	if err != nil || status < 0 || status > 99 {
		return Record{}, invalid("status is not a two digit number", fields.Join())
	}
	date, err := time.Parse(DateLayout, fields[4])
	if err != nil {
		return Record{}, invalid("date is not dd.mm.yy", fields.Join())
	}
	clock, err := time.Parse(TimeLayout, fields[5])
	if err != nil {
		return Record{}, invalid("time is not hh:mm:ss", fields.Join())
	}
	return Record{
		Partner:            partner,
		LE:                 le,
		PlannedDestination: fields[1],
		ActualDestination:  fields[2],
		Status:             status,
		Date:               date,
		Time:               clock.Format(TimeLayout),
		Fingerprint:        Fingerprint(raw),
	}, nil
}

// Fingerprint is the hex SHA-256 of the comma joined fields.
func Fingerprint(fields Fields) string {
	sum := sha256.Sum256([]byte(fields.Join()))
	return hex.EncodeToString(sum[:])
}

// DisplayFields renders the record in wire form.
func (r Record) DisplayFields() Fields {
	return Fields{
		strconv.FormatInt(r.LE, 10),
		r.PlannedDestination,
		r.ActualDestination,
		fmt.Sprintf("%02d", r.Status),
		r.Date.Format(DateLayout),
		r.Time,
	}
}

func (r Record) FormatLine() string {
	return r.DisplayFields().Join()
}

// IsValidation reports whether err describes malformed record input.
func IsValidation(err error) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == TextCodeInvalid
}

func invalid(reason, line string) error {
	return goerrors.New(reason, goerrors.CategoryValidation).
		WithTextCode(TextCodeInvalid).
		WithMetadata(map[string]any{"line": line})
}
