package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Predictor is a hosted model service.
type Predictor interface {
	// ModelType returns the unique model type, e.g. "ato".
	ModelType() string
	// Description returns a human-readable description.
	Description() string
	// Load reads the model's artifacts and swaps them in. On error the
	// previously loaded artifacts, if any, stay active.
	Load() error
	// Ready reports whether artifacts are loaded.
	Ready() bool
	// Close releases resources held by the predictor.
	Close() error
}

// PredictorRegistry manages predictor registration, loading and reload.
type PredictorRegistry struct {
	mu         sync.RWMutex
	predictors map[string]Predictor
	order      []string
	logger     zerolog.Logger

	onLoad  []func(model string, err error)
	metrics *RegistryMetrics
}

// RegistryMetrics tracks load attempts.
type RegistryMetrics struct {
	mu        sync.Mutex
	Loads     map[string]int64
	Failures  map[string]int64
	LastError map[string]string
}

// ReloadResult is the outcome of reloading one predictor.
type ReloadResult struct {
	Model string `json:"model"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NewPredictorRegistry creates an empty registry.
func NewPredictorRegistry(logger zerolog.Logger) *PredictorRegistry {
	return &PredictorRegistry{
		predictors: make(map[string]Predictor),
		logger:     logger.With().Str("component", "predictor_registry").Logger(),
		metrics: &RegistryMetrics{
			Loads:     make(map[string]int64),
			Failures:  make(map[string]int64),
			LastError: make(map[string]string),
		},
	}
}

// Register adds a predictor to the registry.
func (r *PredictorRegistry) Register(p Predictor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.ModelType()
	if _, exists := r.predictors[name]; exists {
		return fmt.Errorf("predictor %q already registered", name)
	}
	r.predictors[name] = p
	r.order = append(r.order, name)

	r.logger.Info().Str("model", name).Msg("predictor registered")
	return nil
}

// OnLoad registers a callback invoked after every load attempt.
func (r *PredictorRegistry) OnLoad(fn func(model string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLoad = append(r.onLoad, fn)
}

// safeLoad calls p.Load inside a recover() so a corrupt artifact that panics
// the decoder is reported as an error.
func (r *PredictorRegistry) safeLoad(p Predictor) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic loading %s artifacts: %v", p.ModelType(), rec)
		}
	}()
	return p.Load()
}

func (r *PredictorRegistry) load(p Predictor) error {
	name := p.ModelType()
	err := r.safeLoad(p)

	r.metrics.mu.Lock()
	r.metrics.Loads[name]++
	if err != nil {
		r.metrics.Failures[name]++
		r.metrics.LastError[name] = err.Error()
	} else {
		delete(r.metrics.LastError, name)
	}
	r.metrics.mu.Unlock()

	for _, fn := range r.onLoad {
		fn(name, err)
	}
	return err
}

// LoadAll loads every registered predictor. Any failure is returned; startup
// treats it as fatal.
func (r *PredictorRegistry) LoadAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, name := range r.order {
		p := r.predictors[name]
		r.logger.Info().Str("model", name).Msg("loading artifacts")
		if err := r.load(p); err != nil {
			errs = append(errs, fmt.Errorf("loading %s: %w", name, err))
			continue
		}
		r.logger.Info().Str("model", name).Msg("artifacts loaded")
	}
	return errors.Join(errs...)
}

// ReloadAll reloads every predictor independently. A failed reload keeps the
// previous artifacts of that predictor.
func (r *PredictorRegistry) ReloadAll() []ReloadResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]ReloadResult, 0, len(r.order))
	for _, name := range r.order {
		res := ReloadResult{Model: name, OK: true}
		if err := r.load(r.predictors[name]); err != nil {
			res.OK = false
			res.Error = err.Error()
			r.logger.Error().Err(err).Str("model", name).Msg("reload failed, keeping previous artifacts")
		} else {
			r.logger.Info().Str("model", name).Msg("artifacts reloaded")
		}
		results = append(results, res)
	}
	return results
}

// GetMetrics returns a snapshot of load metrics.
func (r *PredictorRegistry) GetMetrics() map[string]interface{} {
	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()
	return map[string]interface{}{
		"loads":      copyCounts(r.metrics.Loads),
		"failures":   copyCounts(r.metrics.Failures),
		"last_error": copyStrings(r.metrics.LastError),
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Get returns a predictor by model type.
func (r *PredictorRegistry) Get(name string) (Predictor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predictors[name]
	return p, ok
}

// All returns all registered predictors in registration order.
func (r *PredictorRegistry) All() []Predictor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Predictor, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.predictors[name])
	}
	return result
}

// Ready returns the model types whose artifacts are loaded.
func (r *PredictorRegistry) Ready() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if r.predictors[name].Ready() {
			out = append(out, name)
		}
	}
	return out
}

// CloseAll closes all predictors in reverse order.
func (r *PredictorRegistry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if err := r.predictors[name].Close(); err != nil {
			r.logger.Error().Err(err).Str("model", name).Msg("error closing predictor")
		}
	}
}

// Count returns the number of registered predictors.
func (r *PredictorRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.predictors)
}
