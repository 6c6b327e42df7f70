package alerting

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/threatwatch/threatwatch/internal/core"
	"github.com/threatwatch/threatwatch/internal/metrics"
)

// maxHighlights caps the indicator lines copied into an alert description.
const maxHighlights = 3

// Candidate is one scored record of a batch, as seen by the generator.
type Candidate struct {
	Index      int
	Label      string
	Threat     bool
	Confidence float64
	RiskScore  float64
	Summary    string
	// Highlights are indicator descriptions, most relevant first.
	Highlights []string
	// Detail is a model-specific line such as the risk score.
	Detail string
	// Snapshot is stored verbatim on the alert.
	Snapshot any
}

// Generator creates alerts for threat predictions that clear the model's
// medium cutoff.
type Generator struct {
	pipeline *core.AlertPipeline
	table    *Table
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewGenerator creates a generator. m may be nil.
func NewGenerator(pipeline *core.AlertPipeline, table *Table, m *metrics.Metrics, logger zerolog.Logger) *Generator {
	return &Generator{
		pipeline: pipeline,
		table:    table,
		metrics:  m,
		logger:   logger.With().Str("component", "alert_generator").Logger(),
	}
}

// Table returns the severity tables in use.
func (g *Generator) Table() *Table {
	return g.table
}

// Generate raises alerts for the candidates of one batch and returns them in
// record order. A failure on one record is logged and skipped.
func (g *Generator) Generate(model, batchID string, candidates []Candidate) []*core.Alert {
	th := g.table.For(model)
	var created []*core.Alert
	for i := range candidates {
		alert, err := g.generateOne(model, batchID, th, &candidates[i])
		if err != nil {
			g.logger.Error().
				Err(err).
				Str("model_type", model).
				Str("batch_id", batchID).
				Int("record_index", candidates[i].Index).
				Msg("alert generation failed")
			continue
		}
		if alert != nil {
			created = append(created, alert)
		}
	}
	return created
}

func (g *Generator) generateOne(model, batchID string, th Thresholds, c *Candidate) (alert *core.Alert, err error) {
	defer func() {
		if r := recover(); r != nil {
			alert, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	if !c.Threat {
		return nil, nil
	}
	sev, ok := th.Classify(c.Confidence)
	if !ok {
		return nil, nil
	}

	snapshot, err := json.Marshal(c.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}

	pct := Percent(c.Confidence)
	alert = core.NewAlert(model, sev, Title(model, pct), Description(c))
	alert.BatchID = batchID
	alert.RecordIndex = c.Index
	alert.Confidence = pct
	alert.PredictionLabel = c.Label
	alert.RiskLevel = RiskLevel(c.RiskScore)
	alert.Snapshot = snapshot

	g.pipeline.Process(alert)
	if g.metrics != nil {
		g.metrics.IncAlertCreated(model, sev.String())
	}
	return alert, nil
}

// Title is the alert headline for a model type.
func Title(model string, pct float64) string {
	switch model {
	case core.ModelPhishing:
		return fmt.Sprintf("Phishing email detected (%.1f%%)", pct)
	case core.ModelATO:
		return fmt.Sprintf("Account takeover attempt (%.1f%%)", pct)
	case core.ModelBruteForce:
		return fmt.Sprintf("Brute force attack (%.1f%%)", pct)
	}
	return fmt.Sprintf("Threat detected (%.1f%%)", pct)
}

// Description renders the record position, the model detail line, the
// explanation summary and the top indicators.
func Description(c *Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Record #%d: %s", c.Index+1, c.Label)
	if c.Detail != "" {
		b.WriteString("\n" + c.Detail)
	}
	if c.Summary != "" {
		b.WriteString("\n\n" + c.Summary)
	}
	if len(c.Highlights) > 0 {
		b.WriteString("\n\nIndicators:")
		for i, h := range c.Highlights {
			if i == maxHighlights {
				break
			}
			b.WriteString("\n  - " + h)
		}
	}
	return b.String()
}

// RiskLevel buckets a 0-100 risk score.
func RiskLevel(score float64) string {
	switch {
	case score >= 90:
		return "critical"
	case score >= 70:
		return "high"
	case score >= 40:
		return "medium"
	}
	return "low"
}
