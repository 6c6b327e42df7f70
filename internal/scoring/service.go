// Package scoring wires the per-model pipelines: validation, feature
// materialization, the decision engine, evidence and alert generation.
//
// Each model is a service object constructed once at startup. Its artifacts
// are read-only and swapped as a unit on Load; the only mutable state a
// request touches is the behavioral history store.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/threatwatch/threatwatch/internal/alerting"
	"github.com/threatwatch/threatwatch/internal/core"
	"github.com/threatwatch/threatwatch/internal/evidence"
	"github.com/threatwatch/threatwatch/internal/history"
	"github.com/threatwatch/threatwatch/internal/metrics"
	"github.com/threatwatch/threatwatch/internal/model"
	"github.com/threatwatch/threatwatch/internal/validate"
)

// Artifact file names inside a model directory.
const (
	ModelFile      = "model.json"
	EncodersFile   = "encoders.json"
	VectorizerFile = "vectorizer.json"
	ThresholdFile  = "threshold.json"
	InfoFile       = "model_info.json"
)

// Version is reported by the per-model health endpoints.
const Version = "1.0.0"

// ErrNotLoaded is returned when a service is used before Load succeeded.
var ErrNotLoaded = errors.New("scoring: model artifacts not loaded")

// Publisher receives every scored record.
type Publisher interface {
	PublishPrediction(ev *core.PredictionEvent)
}

// Deps are the shared collaborators of every service.
type Deps struct {
	Config    *core.Config
	History   history.Store
	Alerts    *alerting.Generator
	Metrics   *metrics.Metrics
	Publisher Publisher
	Logger    zerolog.Logger
}

// Scorer is the transport-facing side of a model service. Bodies are raw
// JSON; they are validated before any feature is built.
type Scorer interface {
	core.Predictor
	ModelName() string
	Score(ctx context.Context, body []byte) (*Result, error)
	ScoreBatch(ctx context.Context, body []byte) (*BatchResult, error)
	Info() (ModelInfo, error)
}

// Probabilities are the two class probabilities.
type Probabilities struct {
	Benign float64 `json:"benign"`
	Threat float64 `json:"threat"`
}

// Metadata describes how a prediction was produced.
type Metadata struct {
	ModelName        string    `json:"model_name"`
	FeaturesCount    int       `json:"features_count"`
	Threshold        float64   `json:"threshold"`
	Timestamp        time.Time `json:"timestamp"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
}

// Result is the response for one scored record.
type Result struct {
	Label         string        `json:"label"`
	Prediction    int           `json:"prediction"`
	Confidence    float64       `json:"confidence"`
	Probabilities Probabilities `json:"probabilities"`
	RiskScore     *float64      `json:"risk_score,omitempty"`
	Explanation   any           `json:"explanation"`
	Metadata      Metadata      `json:"metadata"`

	decision model.Prediction
	evidence evidence.Explanation
	detail   string
	record   any
}

// Threat reports whether the record was labeled a threat.
func (r *Result) Threat() bool { return r.decision.Threat }

// Evidence returns the shared part of the explanation.
func (r *Result) Evidence() evidence.Explanation { return r.evidence }

// BatchResult is the response for a batch.
type BatchResult struct {
	BatchID          string    `json:"batch_id"`
	Predictions      []*Result `json:"predictions"`
	Total            int       `json:"total"`
	ThreatsDetected  int       `json:"threats_detected"`
	BenignCount      int       `json:"benign_count"`
	AvgConfidence    float64   `json:"avg_confidence"`
	AlertsCreated    int       `json:"alerts_created"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
}

// service holds what every model shares.
type service struct {
	modelType   string
	description string
	dir         string
	validator   *validate.Validator
	deps        Deps
	logger      zerolog.Logger
	now         func() time.Time
}

func newService(modelType, description string, deps Deps) (service, error) {
	v, err := validate.New(modelType, deps.Config.MaxBatch(modelType))
	if err != nil {
		return service{}, err
	}
	return service{
		modelType:   modelType,
		description: description,
		dir:         deps.Config.ModelDir(modelType),
		validator:   v,
		deps:        deps,
		logger:      deps.Logger.With().Str("component", "scoring").Str("model_type", modelType).Logger(),
		now:         time.Now,
	}, nil
}

func (s *service) ModelType() string   { return s.modelType }
func (s *service) Description() string { return s.description }
func (s *service) Close() error        { return nil }

func (s *service) path(name string) string {
	return filepath.Join(s.dir, name)
}

// loadCommon reads the classifier, the optional threshold and the optional
// model info, and checks the classifier width against the materializer's.
func (s *service) loadCommon(width int, def model.Info) (model.Classifier, model.ThresholdInfo, model.Info, error) {
	c, err := model.Load(s.path(ModelFile))
	if err != nil {
		return nil, model.ThresholdInfo{}, model.Info{}, err
	}
	if c.NumFeatures() != width {
		return nil, model.ThresholdInfo{}, model.Info{}, fmt.Errorf("%w: classifier expects %d features, materializer produces %d",
			model.ErrFeatureCount, c.NumFeatures(), width)
	}
	th, err := model.LoadThreshold(s.path(ThresholdFile))
	if err != nil {
		return nil, model.ThresholdInfo{}, model.Info{}, err
	}
	info, err := model.LoadInfo(s.path(InfoFile), def)
	if err != nil {
		return nil, model.ThresholdInfo{}, model.Info{}, err
	}
	return c, th, info, nil
}

// checkRecord validates a single-record body.
func (s *service) checkRecord(body []byte) error {
	if err := s.validator.Record(body); err != nil {
		s.countValidation()
		return err
	}
	return nil
}

// decodeBatch validates a batch body and returns its records.
func decodeBatch[R any](s *service, body []byte) ([]R, error) {
	if err := s.validator.Batch(body); err != nil {
		s.countValidation()
		return nil, err
	}
	var doc map[string][]R
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s batch: %w", s.modelType, err)
	}
	return doc[s.validator.BatchKey()], nil
}

func decodeRecord[R any](s *service, body []byte) (R, error) {
	var rec R
	if err := s.checkRecord(body); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		return rec, fmt.Errorf("decoding %s record: %w", s.modelType, err)
	}
	return rec, nil
}

func (s *service) countValidation() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.IncValidationError(s.modelType)
	}
}

// decide runs the classifier outside any lock and fills the common result
// fields.
func (s *service) decide(c model.Classifier, x []float64, threshold float64, name string) (*Result, error) {
	p, err := model.Score(c, x, threshold)
	if err != nil {
		return nil, err
	}
	r := &Result{
		Label:      p.Label,
		Confidence: round4(p.Confidence),
		Probabilities: Probabilities{
			Benign: round4(p.ProbBenign),
			Threat: round4(p.ProbThreat),
		},
		Metadata: Metadata{
			ModelName:     name,
			FeaturesCount: len(x),
			Threshold:     threshold,
		},
		decision: p,
	}
	if p.Threat {
		r.Prediction = 1
	}
	return r, nil
}

// finish stamps timing and records metrics.
func (s *service) finish(r *Result, start time.Time) {
	elapsed := time.Since(start)
	r.Metadata.Timestamp = s.now().UTC()
	r.Metadata.ProcessingTimeMs = round2(float64(elapsed.Microseconds()) / 1000)

	if s.deps.Metrics != nil {
		s.deps.Metrics.ObservePrediction(s.modelType, r.Label, elapsed.Seconds())
	}
}

// publish emits the prediction event of a result the request kept.
func (s *service) publish(r *Result, batchID string, index int) {
	if s.deps.Publisher == nil {
		return
	}
	s.deps.Publisher.PublishPrediction(&core.PredictionEvent{
		ID:              uuid.New().String(),
		Timestamp:       r.Metadata.Timestamp,
		ModelType:       s.modelType,
		BatchID:         batchID,
		RecordIndex:     index,
		Label:           r.Label,
		ProbThreat:      r.decision.ProbThreat,
		Confidence:      r.decision.Confidence,
		RiskScore:       r.decision.RiskScore,
		TotalIndicators: r.evidence.TotalIndicators,
		Summary:         r.evidence.Summary,
	})
}

// published publishes a successful single-record result.
func (s *service) published(r *Result, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	s.publish(r, "", 0)
	return r, nil
}

// runBatch scores n records in order, then publishes them and raises alerts
// for the batch. A failed record fails the batch before anything is
// published.
func (s *service) runBatch(n int, score func(batchID string, i int) (*Result, error)) (*BatchResult, error) {
	start := time.Now()
	batchID := uuid.New().String()

	out := &BatchResult{
		BatchID:     batchID,
		Predictions: make([]*Result, 0, n),
		Total:       n,
	}
	confSum := 0.0
	for i := 0; i < n; i++ {
		r, err := score(batchID, i)
		if err != nil {
			s.logger.Error().Err(err).Str("batch_id", batchID).Int("record_index", i).Msg("batch scoring failed")
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out.Predictions = append(out.Predictions, r)
		confSum += r.Confidence
		if r.Threat() {
			out.ThreatsDetected++
		} else {
			out.BenignCount++
		}
	}
	if n > 0 {
		out.AvgConfidence = round4(confSum / float64(n))
	}
	for i, r := range out.Predictions {
		s.publish(r, batchID, i)
	}

	if s.deps.Alerts != nil {
		out.AlertsCreated = len(s.deps.Alerts.Generate(s.modelType, batchID, candidates(out.Predictions)))
	}
	out.ProcessingTimeMs = round2(float64(time.Since(start).Microseconds()) / 1000)

	s.logger.Info().
		Str("batch_id", batchID).
		Int("total", out.Total).
		Int("threats", out.ThreatsDetected).
		Int("alerts", out.AlertsCreated).
		Msg("batch scored")
	return out, nil
}

// candidates converts results for the alert generator. Highlights are the
// indicator names ordered by severity.
func candidates(results []*Result) []alerting.Candidate {
	out := make([]alerting.Candidate, len(results))
	for i, r := range results {
		items := append([]evidence.Item(nil), r.evidence.Indicators...)
		sort.SliceStable(items, func(a, b int) bool {
			return severityRank(items[a].Severity) > severityRank(items[b].Severity)
		})
		highlights := make([]string, len(items))
		for j, it := range items {
			highlights[j] = it.Indicator
		}
		out[i] = alerting.Candidate{
			Index:      i,
			Label:      r.Label,
			Threat:     r.Threat(),
			Confidence: r.decision.Confidence,
			RiskScore:  r.decision.RiskScore,
			Summary:    r.evidence.Summary,
			Highlights: highlights,
			Detail:     r.detail,
			Snapshot: map[string]any{
				"record":     r.record,
				"prediction": r,
			},
		}
	}
	return out
}

func severityRank(s evidence.Severity) int {
	switch s {
	case evidence.SeverityCritical:
		return 4
	case evidence.SeverityHigh:
		return 3
	case evidence.SeverityMedium:
		return 2
	case evidence.SeverityLow:
		return 1
	}
	return 0
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
