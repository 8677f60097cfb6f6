package repository

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maloquacious/crimestore/internal/crime"
	"github.com/maloquacious/crimestore/internal/store"
)

// metrics holds the Prometheus collectors of one repository.
type metrics struct {
	writes        *prometheus.CounterVec
	writeDuration *prometheus.HistogramVec
	checkpoints   *prometheus.CounterVec
	schemaVersion prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, queueDepth, activeSubscriptions func() float64) *metrics {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "crimestore_repository_queue_depth",
			Help: "Writes waiting for the writer",
		},
		queueDepth,
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "crimestore_reactive_active_subscriptions",
			Help: "Live subscriptions on the query layer",
		},
		activeSubscriptions,
	)

	return &metrics{
		writes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crimestore_repository_writes_total",
				Help: "Total number of writes applied by the writer",
			},
			[]string{"op", "result"},
		),

		writeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crimestore_repository_write_duration_seconds",
				Help:    "Time spent applying a write and publishing its snapshots",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"op"},
		),

		checkpoints: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crimestore_store_checkpoints_total",
				Help: "Scheduled WAL checkpoints",
			},
			[]string{"result"},
		),

		schemaVersion: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crimestore_store_schema_version",
				Help: "Schema version of the open store",
			},
		),
	}
}

func (m *metrics) observeWrite(op string, err error, d time.Duration) {
	m.writes.WithLabelValues(op, resultLabel(err)).Inc()
	m.writeDuration.WithLabelValues(op).Observe(d.Seconds())
}

// resultLabel maps a write error onto a bounded label value.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrDuplicateID):
		return "duplicate"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, crime.ErrNilID):
		return "invalid"
	case errors.Is(err, store.ErrStorageUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
