// Package httpapi serves the agent's health, metrics and status endpoints and
// lets operators trigger a partner run on demand.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/galedi/lvsync/internal/records"
	"github.com/galedi/lvsync/internal/syncer"
)

// Runner is the part of the sync engine the server drives.
type Runner interface {
	Ingest(ctx context.Context, partner records.PartnerID) (syncer.IngestResult, error)
	Export(ctx context.Context, partner records.PartnerID) (syncer.ExportResult, error)
	LastReport(pipeline syncer.Pipeline) (syncer.CycleReport, bool)
	Partners() []syncer.Partner
}

type ServerConfig struct {
	// JWTSecret enables the trigger routes. Without it they answer 404.
	JWTSecret string
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	// RunTimeout bounds an on-demand run.
	RunTimeout time.Duration
	Logger     glog.Logger
}

type Server struct {
	runner Runner
	cfg    ServerConfig
	logger glog.Logger
}

type statusResponse struct {
	Partners []string            `json:"partners"`
	Ingest   *syncer.CycleReport `json:"ingest"`
	Export   *syncer.CycleReport `json:"export"`
}

type runResponse struct {
	Partner string               `json:"partner"`
	Ingest  *syncer.IngestResult `json:"ingest,omitempty"`
	Export  *syncer.ExportResult `json:"export,omitempty"`
}

func NewServer(runner Runner, cfg ServerConfig) *Server {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	return &Server{
		runner: runner,
		cfg:    cfg,
		logger: glog.Ensure(cfg.Logger),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.cfg.Metrics != nil {
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/status" && r.Method == http.MethodGet {
		s.handleStatus(w)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "partners" && r.Method == http.MethodPost && s.cfg.JWTSecret != "" {
		switch parts[3] {
		case string(syncer.PipelineIngest), string(syncer.PipelineExport):
			s.handleRun(w, r, parts[2], syncer.Pipeline(parts[3]))
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	resp := statusResponse{Partners: []string{}}
	for _, p := range s.runner.Partners() {
		resp.Partners = append(resp.Partners, p.ID.String())
	}
	if report, ok := s.runner.LastReport(syncer.PipelineIngest); ok {
		resp.Ingest = &report
	}
	if report, ok := s.runner.LastReport(syncer.PipelineExport); ok {
		resp.Export = &report
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, partner string, pipeline syncer.Pipeline) {
	correlationID := getCorrelationID(r)
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, partner, "sync:trigger", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RunTimeout)
	defer cancel()
	s.logger.Info("on-demand run requested", "partner", partner, "pipeline", string(pipeline), "subject", claims.Subject, "correlation_id", correlationID)

	id := records.PartnerID(partner)
	resp := runResponse{Partner: partner}
	var err error
	if pipeline == syncer.PipelineIngest {
		var res syncer.IngestResult
		res, err = s.runner.Ingest(ctx, id)
		resp.Ingest = &res
	} else {
		var res syncer.ExportResult
		res, err = s.runner.Export(ctx, id)
		resp.Export = &res
	}
	switch {
	case errors.Is(err, syncer.ErrUnknownPartner):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case err != nil:
		writeError(w, http.StatusBadGateway, "partner_failed", err.Error(), correlationID)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
