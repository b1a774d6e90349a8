// Package metrics exposes pipeline outcomes as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/galedi/lvsync/internal/records"
	"github.com/galedi/lvsync/internal/syncer"
)

var _ syncer.Recorder = (*Metrics)(nil)

type Metrics struct {
	registry *prometheus.Registry

	RecordsIngested  *prometheus.CounterVec
	RecordsExported  *prometheus.CounterVec
	RecordsDelivered *prometheus.CounterVec
	ExportActions    *prometheus.CounterVec
	PartnerFailures  *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec
}

// New registers every collector on a dedicated registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RecordsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lvsync_records_ingested_total",
				Help: "Lines read from partner data files by outcome",
			},
			[]string{"partner", "outcome"},
		),
		RecordsExported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lvsync_records_exported_total",
				Help: "Records written into uploaded feedback files",
			},
			[]string{"partner"},
		),
		RecordsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lvsync_records_delivered_total",
				Help: "Records marked delivered after a confirmed upload",
			},
			[]string{"partner"},
		),
		ExportActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lvsync_export_actions_total",
				Help: "Handshake decisions taken per partner",
			},
			[]string{"partner", "action"},
		),
		PartnerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lvsync_partner_failures_total",
				Help: "Partner steps abandoned for a cycle",
			},
			[]string{"partner", "pipeline"},
		),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lvsync_cycle_duration_seconds",
				Help:    "Duration of a full pipeline cycle over all partners",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pipeline"},
		),
	}
	m.registry.MustRegister(
		m.RecordsIngested,
		m.RecordsExported,
		m.RecordsDelivered,
		m.ExportActions,
		m.PartnerFailures,
		m.CycleDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordIngest(partner records.PartnerID, result syncer.IngestResult) {
	id := partner.String()
	m.RecordsIngested.WithLabelValues(id, "inserted").Add(float64(result.Inserted))
	m.RecordsIngested.WithLabelValues(id, "duplicate").Add(float64(result.Duplicates))
	m.RecordsIngested.WithLabelValues(id, "rejected").Add(float64(result.Rejected))
	m.RecordsIngested.WithLabelValues(id, "failed").Add(float64(result.Failed))
}

func (m *Metrics) RecordExport(partner records.PartnerID, result syncer.ExportResult) {
	id := partner.String()
	m.ExportActions.WithLabelValues(id, result.Action.String()).Inc()
	m.RecordsExported.WithLabelValues(id).Add(float64(result.Exported))
	m.RecordsDelivered.WithLabelValues(id).Add(float64(result.Delivered))
}

func (m *Metrics) RecordFailure(partner records.PartnerID, pipeline syncer.Pipeline) {
	m.PartnerFailures.WithLabelValues(partner.String(), string(pipeline)).Inc()
}

func (m *Metrics) ObserveCycle(pipeline syncer.Pipeline, duration time.Duration) {
	m.CycleDuration.WithLabelValues(string(pipeline)).Observe(duration.Seconds())
}
