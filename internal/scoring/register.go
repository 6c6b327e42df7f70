package scoring

import (
	"fmt"

	"github.com/threatwatch/threatwatch/internal/core"
)

// New creates the service of a model type.
func New(modelType string, deps Deps) (Scorer, error) {
	switch modelType {
	case core.ModelPhishing:
		return NewPhishing(deps)
	case core.ModelATO:
		return NewATO(deps)
	case core.ModelBruteForce:
		return NewBruteForce(deps)
	}
	return nil, fmt.Errorf("scoring: unknown model type %q", modelType)
}

// RegisterEnabled creates a service for every model in models and registers
// it with the engine's predictor registry. Artifacts load on Engine.Start.
func RegisterEnabled(reg *core.PredictorRegistry, models []string, deps Deps) (map[string]Scorer, error) {
	scorers := make(map[string]Scorer, len(models))
	for _, m := range models {
		s, err := New(m, deps)
		if err != nil {
			return nil, fmt.Errorf("creating %s service: %w", m, err)
		}
		if err := reg.Register(s); err != nil {
			return nil, err
		}
		scorers[m] = s
	}
	return scorers, nil
}
