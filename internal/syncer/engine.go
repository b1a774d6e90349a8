// Package syncer runs the ingestion and export pipelines against every
// configured partner.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/galedi/lvsync/internal/channel"
	"github.com/galedi/lvsync/internal/records"
	"github.com/galedi/lvsync/internal/store"
)

var ErrUnknownPartner = errors.New("unknown partner")

type Pipeline string

const (
	PipelineIngest Pipeline = "ingest"
	PipelineExport Pipeline = "export"
)

// Partner is one drop site together with its file names.
type Partner struct {
	ID records.PartnerID
	// DropSite holds the request and feedback files.
	DropSite channel.Channel
	// Source serves the raw data file. Nil means DropSite.
	Source       channel.Channel
	RequestFile  string
	FeedbackFile string
	SourceFile   string
	// RemoveSourceAfterIngest deletes the remote data file once every line
	// of it was handled.
	RemoveSourceAfterIngest bool
}

func (p Partner) source() channel.Channel {
	if p.Source != nil {
		return p.Source
	}
	return p.DropSite
}

// Recorder receives pipeline outcomes, typically for metrics. Exports are
// recorded only once the handshake step completed; a failed step is reported
// through RecordFailure alone.
type Recorder interface {
	RecordIngest(partner records.PartnerID, result IngestResult)
	RecordExport(partner records.PartnerID, result ExportResult)
	RecordFailure(partner records.PartnerID, pipeline Pipeline)
	ObserveCycle(pipeline Pipeline, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordIngest(records.PartnerID, IngestResult) {}
func (nopRecorder) RecordExport(records.PartnerID, ExportResult) {}
func (nopRecorder) RecordFailure(records.PartnerID, Pipeline)    {}
func (nopRecorder) ObserveCycle(Pipeline, time.Duration)         {}

type Options struct {
	Store    store.Store
	Partners []Partner
	// TempDir receives the per partner working files. Defaults to
	// <os temp>/lvsync.
	TempDir  string
	Logger   glog.Logger
	Recorder Recorder
	Now      func() time.Time
}

type Engine struct {
	store    store.Store
	partners []Partner
	byID     map[string]int
	tempDir  string
	logger   glog.Logger
	recorder Recorder
	now      func() time.Time
	locks    *keyedMutex

	mu   sync.RWMutex
	last map[Pipeline]CycleReport
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	byID := make(map[string]int, len(opts.Partners))
	for i, p := range opts.Partners {
		if strings.TrimSpace(p.ID.String()) == "" {
			return nil, fmt.Errorf("partner %d: id is required", i)
		}
		if _, dup := byID[partnerKey(p.ID)]; dup {
			return nil, fmt.Errorf("partner %s: duplicate id", p.ID)
		}
		if p.DropSite == nil {
			return nil, fmt.Errorf("partner %s: drop site is required", p.ID)
		}
		if p.RequestFile == "" || p.FeedbackFile == "" || p.SourceFile == "" {
			return nil, fmt.Errorf("partner %s: request, feedback and source file names are required", p.ID)
		}
		byID[partnerKey(p.ID)] = i
	}
	tempDir := strings.TrimSpace(opts.TempDir)
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "lvsync")
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, err
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    opts.Store,
		partners: append([]Partner(nil), opts.Partners...),
		byID:     byID,
		tempDir:  filepath.Clean(tempDir),
		logger:   glog.Ensure(opts.Logger),
		recorder: recorder,
		now:      now,
		locks:    newKeyedMutex(),
		last:     map[Pipeline]CycleReport{},
	}, nil
}

// Partners returns the partners in processing order.
func (e *Engine) Partners() []Partner {
	return append([]Partner(nil), e.partners...)
}

// LastReport returns the most recent finished cycle of pipeline.
func (e *Engine) LastReport(pipeline Pipeline) (CycleReport, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	report, ok := e.last[pipeline]
	return report, ok
}

// IngestAll runs ingestion for every partner in order. A failing partner is
// logged and reported; the remaining partners still run.
func (e *Engine) IngestAll(ctx context.Context) CycleReport {
	return e.runCycle(ctx, PipelineIngest, func(ctx context.Context, p Partner, logger glog.Logger) PartnerResult {
		res, err := e.ingestLocked(ctx, p, logger)
		result := PartnerResult{Partner: p.ID, Ingest: &res}
		if err != nil {
			result.Error = err.Error()
		}
		return result
	})
}

// ExportAll runs the sentinel handshake for every partner in order.
func (e *Engine) ExportAll(ctx context.Context) CycleReport {
	return e.runCycle(ctx, PipelineExport, func(ctx context.Context, p Partner, logger glog.Logger) PartnerResult {
		res, err := e.exportLocked(ctx, p, logger)
		result := PartnerResult{Partner: p.ID, Export: &res}
		if err != nil {
			result.Error = err.Error()
		}
		return result
	})
}

// Ingest runs ingestion for a single partner.
func (e *Engine) Ingest(ctx context.Context, partner records.PartnerID) (IngestResult, error) {
	p, err := e.partner(partner)
	if err != nil {
		return IngestResult{}, err
	}
	return e.ingestLocked(ctx, p, e.runLogger(ctx, PipelineIngest, uuid.NewString()))
}

// Export runs the sentinel handshake for a single partner.
func (e *Engine) Export(ctx context.Context, partner records.PartnerID) (ExportResult, error) {
	p, err := e.partner(partner)
	if err != nil {
		return ExportResult{}, err
	}
	return e.exportLocked(ctx, p, e.runLogger(ctx, PipelineExport, uuid.NewString()))
}

func (e *Engine) runCycle(ctx context.Context, pipeline Pipeline, run func(context.Context, Partner, glog.Logger) PartnerResult) CycleReport {
	report := CycleReport{
		RunID:     uuid.NewString(),
		Pipeline:  pipeline,
		StartedAt: e.now().UTC(),
		Partners:  make([]PartnerResult, 0, len(e.partners)),
	}
	logger := e.runLogger(ctx, pipeline, report.RunID)
	logger.Info("cycle started", "pipeline", string(pipeline), "partners", len(e.partners))

	for _, p := range e.partners {
		if ctx.Err() != nil {
			report.Partners = append(report.Partners, PartnerResult{Partner: p.ID, Error: ctx.Err().Error()})
			continue
		}
		report.Partners = append(report.Partners, run(ctx, p, logger))
	}

	report.FinishedAt = e.now().UTC()
	duration := report.FinishedAt.Sub(report.StartedAt)
	e.recorder.ObserveCycle(pipeline, duration)
	logger.Info("cycle finished", "pipeline", string(pipeline), "failed", report.Failed(), "duration", duration.String())

	e.mu.Lock()
	e.last[pipeline] = report
	e.mu.Unlock()
	return report
}

func (e *Engine) ingestLocked(ctx context.Context, p Partner, logger glog.Logger) (IngestResult, error) {
	unlock, err := e.locks.Lock(ctx, lockKey(p.ID, PipelineIngest))
	if err != nil {
		return IngestResult{}, err
	}
	defer unlock()
	res, err := e.ingest(ctx, p, logger)
	e.recorder.RecordIngest(p.ID, res)
	if err != nil {
		e.recorder.RecordFailure(p.ID, PipelineIngest)
		logger.Error("ingestion failed", "partner", p.ID.String(), "error", err)
	}
	return res, err
}

func (e *Engine) exportLocked(ctx context.Context, p Partner, logger glog.Logger) (ExportResult, error) {
	unlock, err := e.locks.Lock(ctx, lockKey(p.ID, PipelineExport))
	if err != nil {
		return ExportResult{}, err
	}
	defer unlock()
	res, err := e.export(ctx, p, logger)
	if err != nil {
		e.recorder.RecordFailure(p.ID, PipelineExport)
		logger.Error("export failed", "partner", p.ID.String(), "action", res.Action.String(), "error", err)
		return res, err
	}
	e.recorder.RecordExport(p.ID, res)
	return res, nil
}

func (e *Engine) partner(id records.PartnerID) (Partner, error) {
	i, ok := e.byID[partnerKey(id)]
	if !ok {
		return Partner{}, fmt.Errorf("%w: %s", ErrUnknownPartner, id)
	}
	return e.partners[i], nil
}

func (e *Engine) runLogger(ctx context.Context, pipeline Pipeline, runID string) glog.Logger {
	logger := e.logger.WithContext(ctx)
	if fieldsLogger, ok := logger.(glog.FieldsLogger); ok {
		logger = fieldsLogger.WithFields(map[string]any{
			"run_id":   runID,
			"pipeline": string(pipeline),
		})
	}
	return glog.Ensure(logger)
}

// tempPath is deterministic per partner and file so that overlapping runs of
// the same pipeline would collide; the per key lock prevents that.
func (e *Engine) tempPath(partner records.PartnerID, name string) (string, error) {
	dir := filepath.Join(e.tempDir, safeName(partner.String()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(name)), nil
}

func removeTemp(path string, logger glog.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("temp file cleanup failed", "path", path, "error", err)
	}
}

// partnerKey matches ids case-insensitively, as configuration does.
func partnerKey(id records.PartnerID) string {
	return strings.ToUpper(strings.TrimSpace(id.String()))
}

func lockKey(partner records.PartnerID, pipeline Pipeline) string {
	return partner.String() + "/" + string(pipeline)
}

func safeName(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
