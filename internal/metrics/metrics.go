package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus collectors for the scoring service.
type Metrics struct {
	PredictionsTotal     *prometheus.CounterVec
	PredictionDuration   *prometheus.HistogramVec
	ValidationErrors     *prometheus.CounterVec
	AlertsCreated        *prometheus.CounterVec
	AlertTransitions     *prometheus.CounterVec
	HistoryObservations  *prometheus.CounterVec
	HistoryConflicts     prometheus.Counter
	ModelReloads         *prometheus.CounterVec
	ArchiveUploadFailure prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance registered on its own registry so tests and
// multiple engines never collide on the default one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		PredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_predictions_total",
			Help: "Total number of scored records by model and label",
		}, []string{"model", "label"}),
		PredictionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threatwatch_prediction_duration_seconds",
			Help:    "Time spent scoring a single record",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"model"}),
		ValidationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_validation_errors_total",
			Help: "Total number of requests rejected by validation",
		}, []string{"model"}),
		AlertsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_alerts_created_total",
			Help: "Total number of alerts created by model and severity",
		}, []string{"model", "severity"}),
		AlertTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_alert_transitions_total",
			Help: "Total number of alert status transitions by target status",
		}, []string{"to"}),
		HistoryObservations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_history_observations_total",
			Help: "Total number of behavioral history observations",
		}, []string{"backend", "first"}),
		HistoryConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_history_conflicts_total",
			Help: "Total number of compare-and-set retries on the shared history store",
		}),
		ModelReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_model_reloads_total",
			Help: "Total number of artifact reload attempts by model and result",
		}, []string{"model", "result"}),
		ArchiveUploadFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_archive_upload_failures_total",
			Help: "Total number of archive files that could not be uploaded",
		}),
		registry: reg,
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePrediction records one scored record.
func (m *Metrics) ObservePrediction(model, label string, seconds float64) {
	m.PredictionsTotal.WithLabelValues(model, label).Inc()
	m.PredictionDuration.WithLabelValues(model).Observe(seconds)
}

// IncValidationError increments the validation error counter for a model.
func (m *Metrics) IncValidationError(model string) {
	m.ValidationErrors.WithLabelValues(model).Inc()
}

// IncAlertCreated increments the created-alert counter.
func (m *Metrics) IncAlertCreated(model, severity string) {
	m.AlertsCreated.WithLabelValues(model, severity).Inc()
}

// IncAlertTransition increments the transition counter for the target status.
func (m *Metrics) IncAlertTransition(to string) {
	m.AlertTransitions.WithLabelValues(to).Inc()
}

// IncHistoryObservation counts one observe call.
func (m *Metrics) IncHistoryObservation(backend string, first bool) {
	f := "false"
	if first {
		f = "true"
	}
	m.HistoryObservations.WithLabelValues(backend, f).Inc()
}

// IncHistoryConflict counts one CAS retry.
func (m *Metrics) IncHistoryConflict() {
	m.HistoryConflicts.Inc()
}

// IncModelReload counts one reload attempt; result is "ok" or "error".
func (m *Metrics) IncModelReload(model, result string) {
	m.ModelReloads.WithLabelValues(model, result).Inc()
}

// IncArchiveUploadFailure counts an archive file that exhausted its retries.
func (m *Metrics) IncArchiveUploadFailure() {
	m.ArchiveUploadFailure.Inc()
}
