// Package evidence explains a prediction by re-scanning the raw record and
// its derived features against a fixed, per-model catalog of risk rules.
//
// Rules never look at classifier internals. Each triggered rule yields one
// Item carrying concrete evidence strings and a fixed severity; a catalog
// then picks one of four summary templates from the label and the
// indicator tally.
package evidence

import "fmt"

// Severity of a single indicator.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Item is one triggered indicator.
type Item struct {
	Indicator string   `json:"indicator"`
	Evidence  []string `json:"evidence"`
	Severity  Severity `json:"severity"`
}

// Rule tests one condition on a model-specific input.
type Rule[T any] interface {
	Name() string
	Apply(in T) (Item, bool)
}

// RuleFunc adapts a check function into a Rule with a fixed indicator text
// and severity.
type RuleFunc[T any] struct {
	ID        string
	Indicator string
	Severity  Severity
	Check     func(in T) (evidence []string, ok bool)
}

func (r RuleFunc[T]) Name() string { return r.ID }

func (r RuleFunc[T]) Apply(in T) (Item, bool) {
	ev, ok := r.Check(in)
	if !ok {
		return Item{}, false
	}
	return Item{Indicator: r.Indicator, Evidence: ev, Severity: r.Severity}, true
}

// Tally parameterizes the summary templates.
type Tally struct {
	Total         int
	Critical      int
	High          int
	ConfidencePct float64
}

// Summaries holds the four summary templates of a model.
type Summaries struct {
	Threat           func(Tally) string
	ThreatIndicators func(Tally) string
	Benign           func(Tally) string
	BenignIndicators func(Tally) string
}

// Explanation is the shared part of every model's explanation. TotalIndicators
// is always len(Indicators).
type Explanation struct {
	Indicators      []Item `json:"indicators"`
	Summary         string `json:"summary"`
	TotalIndicators int    `json:"total_indicators"`
}

// Firing pairs a triggered item with the rule that produced it.
type Firing struct {
	Rule string
	Item Item
}

// Catalog is an ordered rule list for one model type.
type Catalog[T any] struct {
	Model     string
	Rules     []Rule[T]
	Summaries Summaries
}

// Evaluate applies every rule in order.
func (c *Catalog[T]) Evaluate(in T) []Firing {
	var out []Firing
	for _, r := range c.Rules {
		if item, ok := r.Apply(in); ok {
			out = append(out, Firing{Rule: r.Name(), Item: item})
		}
	}
	return out
}

// Explain evaluates the rules and renders the summary.
func (c *Catalog[T]) Explain(in T, threat bool, confidence float64) (Explanation, []Firing) {
	fired := c.Evaluate(in)
	items := make([]Item, len(fired))
	for i, f := range fired {
		items[i] = f.Item
	}
	return c.explanation(items, threat, confidence), fired
}

func (c *Catalog[T]) explanation(items []Item, threat bool, confidence float64) Explanation {
	t := Tally{Total: len(items), ConfidencePct: confidence * 100}
	for _, it := range items {
		switch it.Severity {
		case SeverityCritical:
			t.Critical++
		case SeverityHigh:
			t.High++
		}
	}

	var summary string
	switch {
	case threat && t.Total > 0:
		summary = c.Summaries.ThreatIndicators(t)
	case threat:
		summary = c.Summaries.Threat(t)
	case t.Total > 0:
		summary = c.Summaries.BenignIndicators(t)
	default:
		summary = c.Summaries.Benign(t)
	}

	if items == nil {
		items = []Item{}
	}
	return Explanation{Indicators: items, Summary: summary, TotalIndicators: len(items)}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func countNoun(n int, one, many string) string {
	return fmt.Sprintf("%d %s", n, plural(n, one, many))
}
