package model

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stump splits feature 0 at 0.5 and returns lo/hi.
func stump(lo, hi []float64) Tree {
	return Tree{
		ChildrenLeft:  []int{1, -1, -1},
		ChildrenRight: []int{2, -1, -1},
		Feature:       []int{0, -2, -2},
		Threshold:     []float64{0.5, -2, -2},
		Value:         [][]float64{{0}, lo, hi},
	}
}

// ─── Classifiers ────────────────────────────────────────────────────────────

func TestTree_LeftOnEqualThreshold(t *testing.T) {
	tr := stump([]float64{1}, []float64{2})
	assert.Equal(t, []float64{1}, tr.leaf([]float64{0.5}))
	assert.Equal(t, []float64{2}, tr.leaf([]float64{0.5000001}))
}

func TestGradientBoosting_Proba(t *testing.T) {
	g := &GradientBoosting{
		header:       header{KindName: KindGradientBoosting, NFeatures: 2},
		Init:         -1,
		LearningRate: 0.5,
		Trees:        []Tree{stump([]float64{-2}, []float64{4}), stump([]float64{0}, []float64{2})},
	}

	p, err := g.ProbaThreat([]float64{0.9, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-(-1+0.5*6))), p, 1e-12)

	p, err = g.ProbaThreat([]float64{0.1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(2)), p, 1e-12)
}

func TestRandomForest_Proba(t *testing.T) {
	r := &RandomForest{
		header: header{KindName: KindRandomForest, NFeatures: 1},
		Trees: []Tree{
			stump([]float64{9, 1}, []float64{1, 3}),
			stump([]float64{1, 0}, []float64{0, 1}),
		},
	}
	p, err := r.ProbaThreat([]float64{1})
	require.NoError(t, err)
	assert.InDelta(t, (0.75+1.0)/2, p, 1e-12)
}

func TestLogistic_Proba(t *testing.T) {
	l := &Logistic{header: header{KindName: KindLogistic, NFeatures: 2}, Coef: []float64{1, -1}, Intercept: 0}
	p, err := l.ProbaThreat([]float64{2, 2})
	require.NoError(t, err)
	assert.Equal(t, 0.5, p)
}

func TestClassifier_FeatureCountMismatch(t *testing.T) {
	l := &Logistic{header: header{KindName: KindLogistic, NFeatures: 2}, Coef: []float64{1, 1}}
	_, err := l.ProbaThreat([]float64{1})
	assert.ErrorIs(t, err, ErrFeatureCount)
}

func TestParse(t *testing.T) {
	gb := `{"kind":"gradient_boosting","n_features":1,"feature_names":["x"],"init":0,"learning_rate":1,
		"trees":[{"children_left":[1,-1,-1],"children_right":[2,-1,-1],"feature":[0,-2,-2],
		"threshold":[0.5,-2,-2],"value":[[0],[-3],[3]]}]}`
	c, err := Parse([]byte(gb))
	require.NoError(t, err)
	assert.Equal(t, KindGradientBoosting, c.Kind())
	assert.Equal(t, 1, c.NumFeatures())
	assert.Equal(t, []string{"x"}, c.FeatureNames())

	p, err := c.ProbaThreat([]float64{1})
	require.NoError(t, err)
	assert.Greater(t, p, 0.9)

	bad := []string{
		`{"kind":"svm","n_features":1}`,
		`{"kind":"logistic","n_features":0,"coef":[]}`,
		`{"kind":"logistic","n_features":2,"coef":[1]}`,
		`{"kind":"logistic","n_features":2,"feature_names":["a"],"coef":[1,2]}`,
		`{"kind":"random_forest","n_features":1,"trees":[]}`,
		`{"kind":"random_forest","n_features":1,"trees":[{"children_left":[1,-1,-1],"children_right":[2,-1,-1],"feature":[5,-2,-2],"threshold":[0.5,-2,-2],"value":[[0],[1,0],[0,1]]}]}`,
		`not json`,
	}
	for _, doc := range bad {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "model.json"))
	assert.Error(t, err)
}

// ─── Decide ─────────────────────────────────────────────────────────────────

func TestDecide_LabelIffAtLeastThreshold(t *testing.T) {
	cases := []struct {
		p, threshold float64
		threat       bool
	}{
		{0.5, 0.5, true},
		{0.4999999, 0.5, false},
		{0.12, 0.12, true},
		{0.11, 0.12, false},
		{0.0, 0.0, true},
		{1.0, 0.99, true},
	}
	for _, tc := range cases {
		d := Decide(tc.p, tc.threshold)
		assert.Equal(t, tc.threat, d.Threat, "p=%v threshold=%v", tc.p, tc.threshold)
		if tc.threat {
			assert.Equal(t, LabelThreat, d.Label)
		} else {
			assert.Equal(t, LabelBenign, d.Label)
		}
	}
}

func TestDecide_ConfidenceIsMaxProbability(t *testing.T) {
	for _, p := range []float64{0, 0.1, 0.3, 0.5, 0.7, 0.93, 1} {
		for _, th := range []float64{0.1, 0.5, 0.9} {
			d := Decide(p, th)
			assert.Equal(t, math.Max(d.ProbThreat, d.ProbBenign), d.Confidence)
			assert.GreaterOrEqual(t, d.Confidence, 0.5)
		}
	}
}

func TestDecide_RiskScoreIndependentOfThreshold(t *testing.T) {
	a := Decide(0.33333, 0.2)
	b := Decide(0.33333, 0.8)
	assert.NotEqual(t, a.Label, b.Label)
	assert.Equal(t, a.RiskScore, b.RiskScore)
	assert.Equal(t, 33.33, a.RiskScore)
}

func TestScore_RejectsBadProbability(t *testing.T) {
	l := &Logistic{header: header{KindName: KindLogistic, NFeatures: 1}, Coef: []float64{math.NaN()}}
	_, err := Score(l, []float64{1}, 0.5)
	assert.Error(t, err)
}

// ─── Threshold / Info ───────────────────────────────────────────────────────

func TestLoadThreshold(t *testing.T) {
	dir := t.TempDir()

	info, err := LoadThreshold(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultThreshold, info.Optimal)
	assert.False(t, info.Calibrated)

	path := filepath.Join(dir, "threshold.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"optimal_threshold":0.12,"default_threshold":0.5,"improvement_pct":18.4}`), 0644))
	info, err = LoadThreshold(path)
	require.NoError(t, err)
	assert.Equal(t, 0.12, info.Optimal)
	assert.Equal(t, 18.4, info.ImprovementPct)
	assert.True(t, info.Calibrated)

	require.NoError(t, os.WriteFile(path, []byte(`{"optimal_threshold":1.5}`), 0644))
	_, err = LoadThreshold(path)
	assert.Error(t, err)
}

func TestLoadInfo(t *testing.T) {
	def := Info{
		ModelName: "Gradient Boosting",
		Metrics:   map[string]float64{"f1_score": 0.7, "accuracy": 0.99},
		Training:  TrainingInfo{TrainingDate: "2026-01-15", TrainSamples: 10, TestSamples: 5, TotalSamples: 15},
	}
	dir := t.TempDir()

	got, err := LoadInfo(filepath.Join(dir, "none.json"), def)
	require.NoError(t, err)
	assert.Equal(t, def, got)

	path := filepath.Join(dir, "model_info.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"best_model":{"model_name":"XGB"},"best_metrics":{"f1_score":0.8},
		"timestamp":"2026-02-01T10:00:00","n_train_samples":100}`), 0644))
	got, err = LoadInfo(path, def)
	require.NoError(t, err)
	assert.Equal(t, "XGB", got.ModelName)
	assert.Equal(t, 0.8, got.Metrics["f1_score"])
	assert.Equal(t, 0.99, got.Metrics["accuracy"])
	assert.Equal(t, "2026-02-01", got.Training.TrainingDate)
	assert.Equal(t, 105, got.Training.TotalSamples)

	require.NoError(t, os.WriteFile(path, []byte(`{"best_model":"Random Forest"}`), 0644))
	got, err = LoadInfo(path, def)
	require.NoError(t, err)
	assert.Equal(t, "Random Forest", got.ModelName)
}
