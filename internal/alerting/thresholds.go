// Package alerting turns threat predictions into alerts using per-model
// severity tables.
package alerting

import (
	"math"
	"sync/atomic"

	"github.com/threatwatch/threatwatch/internal/core"
)

// Thresholds is one severity table in percent confidence. Critical > High > Medium.
type Thresholds struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Medium   float64 `json:"medium"`
}

// FromConfig converts a configured table.
func FromConfig(t core.ThresholdConfig) Thresholds {
	return Thresholds{Critical: t.Critical, High: t.High, Medium: t.Medium}
}

// Percent converts a [0,1] confidence to the percent scale the tables use,
// rounded to four decimals so 0.7 compares as exactly 70.
func Percent(confidence float64) float64 {
	return math.Round(confidence*100*1e4) / 1e4
}

// Classify maps a confidence in [0,1] to a severity. ok is false when the
// confidence is below the medium cutoff and no alert should be raised.
func (t Thresholds) Classify(confidence float64) (sev core.Severity, ok bool) {
	pct := Percent(confidence)
	switch {
	case pct >= t.Critical:
		return core.SeverityCritical, true
	case pct >= t.High:
		return core.SeverityHigh, true
	case pct >= t.Medium:
		return core.SeverityMedium, true
	}
	return core.SeverityUnknown, false
}

type tableSnapshot struct {
	byModel map[string]Thresholds
	def     Thresholds
}

// Table holds the severity tables of every model type. Lookups are lock-free;
// Update swaps the whole set.
type Table struct {
	snap atomic.Pointer[tableSnapshot]
}

// NewTable builds a table from the alerts section of cfg.
func NewTable(cfg *core.Config) *Table {
	t := &Table{}
	t.Update(cfg)
	return t
}

// Update replaces every table from cfg. It is registered as a config reload
// hook.
func (t *Table) Update(cfg *core.Config) {
	s := &tableSnapshot{
		byModel: make(map[string]Thresholds, len(core.ModelTypes)),
		def:     FromConfig(cfg.Alerts.Default),
	}
	for _, m := range core.ModelTypes {
		s.byModel[m] = FromConfig(cfg.Thresholds(m))
	}
	for m, tc := range cfg.Alerts.Thresholds {
		s.byModel[m] = FromConfig(tc)
	}
	t.snap.Store(s)
}

// For returns the table of a model type, or the default table for unknown types.
func (t *Table) For(model string) Thresholds {
	s := t.snap.Load()
	if th, ok := s.byModel[model]; ok {
		return th
	}
	return s.def
}

// Default returns the fallback table.
func (t *Table) Default() Thresholds {
	return t.snap.Load().def
}

// All returns a copy of the per-model tables.
func (t *Table) All() map[string]Thresholds {
	s := t.snap.Load()
	out := make(map[string]Thresholds, len(s.byModel))
	for m, th := range s.byModel {
		out[m] = th
	}
	return out
}
