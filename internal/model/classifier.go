// Package model loads exported classifiers and turns their probabilities
// into threshold-calibrated decisions.
package model

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
)

// Classifier kinds understood by Load.
const (
	KindGradientBoosting = "gradient_boosting"
	KindRandomForest     = "random_forest"
	KindLogistic         = "logistic"
)

// ErrFeatureCount is returned when a vector's length does not match the
// classifier's training-time feature count.
var ErrFeatureCount = errors.New("model: feature count mismatch")

// Classifier scores a feature vector as a probability of the threat class.
type Classifier interface {
	ProbaThreat(x []float64) (float64, error)
	NumFeatures() int
	FeatureNames() []string
	Kind() string
}

// Tree is one decision tree in flat array layout. Node i is a leaf when
// ChildrenLeft[i] == -1. Value[i] is the leaf output: a raw score for
// gradient boosting, class counts or fractions for random forests.
type Tree struct {
	ChildrenLeft  []int       `json:"children_left"`
	ChildrenRight []int       `json:"children_right"`
	Feature       []int       `json:"feature"`
	Threshold     []float64   `json:"threshold"`
	Value         [][]float64 `json:"value"`
}

func (t *Tree) validate(nFeatures int) error {
	n := len(t.ChildrenLeft)
	if n == 0 {
		return fmt.Errorf("empty tree")
	}
	if len(t.ChildrenRight) != n || len(t.Feature) != n || len(t.Threshold) != n || len(t.Value) != n {
		return fmt.Errorf("tree arrays have inconsistent lengths")
	}
	for i := 0; i < n; i++ {
		l, r := t.ChildrenLeft[i], t.ChildrenRight[i]
		if l == -1 {
			if len(t.Value[i]) == 0 {
				return fmt.Errorf("leaf %d has no value", i)
			}
			continue
		}
		if l <= i || r <= i || l >= n || r >= n {
			return fmt.Errorf("node %d has invalid children %d/%d", i, l, r)
		}
		if t.Feature[i] < 0 || t.Feature[i] >= nFeatures {
			return fmt.Errorf("node %d splits on feature %d outside [0,%d)", i, t.Feature[i], nFeatures)
		}
	}
	return nil
}

// leaf walks the tree; samples go left when x[feature] <= threshold.
func (t *Tree) leaf(x []float64) []float64 {
	i := 0
	for t.ChildrenLeft[i] != -1 {
		if x[t.Feature[i]] <= t.Threshold[i] {
			i = t.ChildrenLeft[i]
		} else {
			i = t.ChildrenRight[i]
		}
	}
	return t.Value[i]
}

type header struct {
	KindName  string   `json:"kind"`
	NFeatures int      `json:"n_features"`
	Names     []string `json:"feature_names"`
}

func (h header) NumFeatures() int        { return h.NFeatures }
func (h header) FeatureNames() []string { return h.Names }
func (h header) Kind() string            { return h.KindName }

func (h header) check(x []float64) error {
	if len(x) != h.NFeatures {
		return fmt.Errorf("%w: got %d, want %d", ErrFeatureCount, len(x), h.NFeatures)
	}
	return nil
}

// GradientBoosting is a binary boosted ensemble:
// p = sigmoid(init + learning_rate * sum(leaf)).
type GradientBoosting struct {
	header
	Init         float64 `json:"init"`
	LearningRate float64 `json:"learning_rate"`
	Trees        []Tree  `json:"trees"`
}

func (g *GradientBoosting) ProbaThreat(x []float64) (float64, error) {
	if err := g.check(x); err != nil {
		return 0, err
	}
	raw := 0.0
	for i := range g.Trees {
		raw += g.Trees[i].leaf(x)[0]
	}
	return sigmoid(g.Init + g.LearningRate*raw), nil
}

// RandomForest averages the class-1 fraction of each tree's leaf.
type RandomForest struct {
	header
	Trees []Tree `json:"trees"`
}

func (r *RandomForest) ProbaThreat(x []float64) (float64, error) {
	if err := r.check(x); err != nil {
		return 0, err
	}
	sum := 0.0
	for i := range r.Trees {
		sum += classOneFraction(r.Trees[i].leaf(x))
	}
	return sum / float64(len(r.Trees)), nil
}

func classOneFraction(v []float64) float64 {
	if len(v) < 2 {
		return v[0]
	}
	total := v[0] + v[1]
	if total == 0 {
		return 0
	}
	return v[1] / total
}

// Logistic is a linear model: p = sigmoid(intercept + w·x).
type Logistic struct {
	header
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

func (l *Logistic) ProbaThreat(x []float64) (float64, error) {
	if err := l.check(x); err != nil {
		return 0, err
	}
	z := l.Intercept
	for i, w := range l.Coef {
		z += w * x[i]
	}
	return sigmoid(z), nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Load reads a model.json artifact.
func Load(path string) (Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a classifier document.
func Parse(data []byte) (Classifier, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if h.NFeatures <= 0 {
		return nil, fmt.Errorf("n_features must be positive, got %d", h.NFeatures)
	}
	if len(h.Names) != 0 && len(h.Names) != h.NFeatures {
		return nil, fmt.Errorf("%d feature names for %d features", len(h.Names), h.NFeatures)
	}

	switch h.KindName {
	case KindGradientBoosting:
		var g GradientBoosting
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("parsing gradient boosting: %w", err)
		}
		g.header = h
		if err := validateTrees(g.Trees, h.NFeatures); err != nil {
			return nil, err
		}
		return &g, nil

	case KindRandomForest:
		var r RandomForest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parsing random forest: %w", err)
		}
		r.header = h
		if err := validateTrees(r.Trees, h.NFeatures); err != nil {
			return nil, err
		}
		return &r, nil

	case KindLogistic:
		var l Logistic
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("parsing logistic: %w", err)
		}
		l.header = h
		if len(l.Coef) != h.NFeatures {
			return nil, fmt.Errorf("%d coefficients for %d features", len(l.Coef), h.NFeatures)
		}
		return &l, nil

	default:
		return nil, fmt.Errorf("unknown classifier kind %q", h.KindName)
	}
}

func validateTrees(trees []Tree, nFeatures int) error {
	if len(trees) == 0 {
		return fmt.Errorf("ensemble has no trees")
	}
	for i := range trees {
		if err := trees[i].validate(nFeatures); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}
