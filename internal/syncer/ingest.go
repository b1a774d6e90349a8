package syncer

import (
	"bufio"
	"context"
	"os"
	"strings"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/galedi/lvsync/internal/records"
	"github.com/galedi/lvsync/internal/store"
)

const (
	maxLineBytes  = 1 << 20
	byteOrderMark = "\ufeff"
)

// ingest downloads the partner's data file and stores every new record in
// it. A bad or duplicate line never stops the file; a store outage or a
// failed download abandons the partner for this cycle.
func (e *Engine) ingest(ctx context.Context, p Partner, logger glog.Logger) (IngestResult, error) {
	var res IngestResult
	partner := p.ID.String()

	local, err := e.tempPath(p.ID, p.SourceFile)
	if err != nil {
		return res, err
	}
	defer removeTemp(local, logger)

	if err := p.source().Download(ctx, p.SourceFile, local); err != nil {
		return res, err
	}

	file, err := os.Open(local)
	if err != nil {
		return res, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if lineNo == 1 {
			raw = strings.TrimPrefix(raw, byteOrderMark)
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}
		fields, err := records.ParseLine(raw)
		if err != nil {
			res.Rejected++
			logger.Warn("line rejected", "partner", partner, "line", lineNo, "error", err)
			continue
		}

		outcome, err := e.store.Insert(ctx, p.ID, fields)
		switch {
		case err == nil && outcome == store.Inserted:
			res.Inserted++
		case err == nil && outcome == store.DuplicateRejected:
			res.Duplicates++
			logger.Debug("duplicate line skipped", "partner", partner, "line", lineNo)
		case outcome == store.ValidationFailed:
			res.Rejected++
			logger.Warn("line rejected", "partner", partner, "line", lineNo, "error", err)
		case store.IsUnavailable(err):
			res.Failed++
			return res, err
		default:
			res.Failed++
			logger.Error("line not stored", "partner", partner, "line", lineNo, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return res, err
	}

	logger.Info("ingestion finished",
		"partner", partner,
		"inserted", res.Inserted,
		"duplicates", res.Duplicates,
		"rejected", res.Rejected,
		"failed", res.Failed,
	)

	if p.RemoveSourceAfterIngest && res.Failed == 0 {
		removed, err := p.source().Delete(ctx, p.SourceFile)
		if err != nil {
			return res, err
		}
		res.SourceRemoved = removed
	}
	return res, nil
}
