// Package metrics exposes the governor's Prometheus metrics. Counters are updated by
// the admission path; control gauges are read from the stores at scrape time so they
// always reflect persisted state.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mindburn-Labs/helm-governor/pkg/controller"
	"github.com/Mindburn-Labs/helm-governor/pkg/controlstate"
	"github.com/Mindburn-Labs/helm-governor/pkg/observer"
)

const namespace = "governor"

// SnapshotReader returns the latest observation.
type SnapshotReader interface {
	Latest(ctx context.Context) (observer.Snapshot, error)
}

// Registry owns the governor's metric set.
type Registry struct {
	reg *prometheus.Registry

	ingestTotal  *prometheus.CounterVec
	cyclesTotal  *prometheus.CounterVec
	gapsRecorded *prometheus.CounterVec
}

// New creates a registry with process and Go runtime collectors.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.ingestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_total",
		Help:      "Ingested events by source and outcome",
	}, []string{"source", "outcome"})
	r.cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_cycles_total",
		Help:      "Control cycles by outcome",
	}, []string{"outcome"})
	r.gapsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliation_gaps_total",
		Help:      "Reconciliation gaps recorded by source and type",
	}, []string{"source", "gap_type"})

	r.reg.MustRegister(
		r.ingestTotal, r.cyclesTotal, r.gapsRecorded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// RecordIngest implements ingest.Recorder.
func (r *Registry) RecordIngest(source, outcome string) {
	if source == "" {
		source = "unknown"
	}
	r.ingestTotal.WithLabelValues(source, outcome).Inc()
}

// RecordCycle counts a control cycle. An empty reason means the action was applied.
func (r *Registry) RecordCycle(reason string) {
	if reason == "" {
		reason = "applied"
	}
	r.cyclesTotal.WithLabelValues(reason).Inc()
}

// RecordGap counts a newly recorded reconciliation gap.
func (r *Registry) RecordGap(source, gapType string) {
	r.gapsRecorded.WithLabelValues(source, gapType).Inc()
}

// WatchControl registers gauges that read the control state and the latest snapshot
// on every scrape.
func (r *Registry) WatchControl(store controlstate.Store, snaps SnapshotReader, ctl *controller.Controller) error {
	return r.reg.Register(newControlCollector(store, snaps, ctl))
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

type controlCollector struct {
	store  controlstate.Store
	snaps  SnapshotReader
	ctl    *controller.Controller
	logger *slog.Logger

	throttle        *prometheus.Desc
	frozen          *prometheus.Desc
	ingestionFrozen *prometheus.Desc
	manualApproval  *prometheus.Desc
	phiS            *prometheus.Desc
	phiD            *prometheus.Desc
	temperature     *prometheus.Desc
	lambda          *prometheus.Desc
	snapshotAge     *prometheus.Desc
}

func newControlCollector(store controlstate.Store, snaps SnapshotReader, ctl *controller.Controller) *controlCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &controlCollector{
		store:  store,
		snaps:  snaps,
		ctl:    ctl,
		logger: slog.Default().With("component", "metrics"),

		throttle:        desc("throttle", "Persisted throttle in [0,1]"),
		frozen:          desc("frozen", "1 when the kill switch is engaged"),
		ingestionFrozen: desc("ingestion_frozen", "1 when ingestion is halted"),
		manualApproval:  desc("manual_approval_required", "1 when control actions wait for an operator"),
		phiS:            desc("static_viability", "Latest observed static viability"),
		phiD:            desc("dynamic_viability", "Latest observed dynamic viability"),
		temperature:     desc("temperature", "Latest observed temperature"),
		lambda:          desc("lambda", "Evolvability score for the latest snapshot"),
		snapshotAge:     desc("snapshot_age_seconds", "Age of the latest snapshot"),
	}
}

func (c *controlCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.throttle, c.frozen, c.ingestionFrozen, c.manualApproval,
		c.phiS, c.phiD, c.temperature, c.lambda, c.snapshotAge,
	} {
		ch <- d
	}
}

func (c *controlCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	state, err := controlstate.Current(ctx, c.store)
	if err != nil {
		c.logger.WarnContext(ctx, "control state unavailable for scrape", "error", err)
	} else {
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
		}
		gauge(c.throttle, state[controlstate.KeyThrottle].Float())
		gauge(c.frozen, boolValue(state[controlstate.KeyFrozen].Bool()))
		gauge(c.ingestionFrozen, boolValue(state[controlstate.KeyIngestionFrozen].Bool()))
		gauge(c.manualApproval, boolValue(state[controlstate.KeyRequireManualApproval].Bool()))
	}

	snap, err := c.snaps.Latest(ctx)
	if errors.Is(err, observer.ErrNoSnapshot) {
		return
	}
	if err != nil {
		c.logger.WarnContext(ctx, "snapshot unavailable for scrape", "error", err)
		return
	}
	lambda, _, _ := c.ctl.Lambda(snap.Metrics)
	ch <- prometheus.MustNewConstMetric(c.phiS, prometheus.GaugeValue, snap.StaticViability)
	ch <- prometheus.MustNewConstMetric(c.phiD, prometheus.GaugeValue, snap.DynamicViability)
	ch <- prometheus.MustNewConstMetric(c.temperature, prometheus.GaugeValue, snap.Temperature)
	ch <- prometheus.MustNewConstMetric(c.lambda, prometheus.GaugeValue, lambda)
	ch <- prometheus.MustNewConstMetric(c.snapshotAge, prometheus.GaugeValue, time.Since(snap.TakenAt).Seconds())
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
