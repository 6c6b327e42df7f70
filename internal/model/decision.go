package model

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"github.com/goccy/go-json"
)

// DefaultThreshold is used when no calibrated threshold is available.
const DefaultThreshold = 0.5

// Labels produced by Decide.
const (
	LabelBenign = "benign"
	LabelThreat = "threat"
)

// Prediction is the decision for one feature vector.
type Prediction struct {
	Label      string  `json:"label"`
	Threat     bool    `json:"-"`
	ProbThreat float64 `json:"probability_threat"`
	ProbBenign float64 `json:"probability_benign"`
	Confidence float64 `json:"confidence"`
	RiskScore  float64 `json:"risk_score"`
	Threshold  float64 `json:"threshold"`
}

// Decide labels a threat probability. The label is threat iff p >= threshold.
// Confidence is the larger class probability, so it is never below 0.5 and
// does not depend on the threshold; neither does the risk score.
func Decide(p, threshold float64) Prediction {
	threat := p >= threshold
	label := LabelBenign
	if threat {
		label = LabelThreat
	}
	return Prediction{
		Label:      label,
		Threat:     threat,
		ProbThreat: p,
		ProbBenign: 1 - p,
		Confidence: math.Max(p, 1-p),
		RiskScore:  math.Round(p*100*100) / 100,
		Threshold:  threshold,
	}
}

// Score runs the classifier and applies Decide.
func Score(c Classifier, x []float64, threshold float64) (Prediction, error) {
	p, err := c.ProbaThreat(x)
	if err != nil {
		return Prediction{}, err
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return Prediction{}, fmt.Errorf("model: probability %v out of range", p)
	}
	return Decide(p, threshold), nil
}

// ThresholdInfo is the calibrated decision threshold chosen offline.
type ThresholdInfo struct {
	Optimal        float64 `json:"optimal_threshold"`
	Default        float64 `json:"default_threshold"`
	ImprovementPct float64 `json:"improvement_pct"`
	Calibrated     bool    `json:"-"`
}

// DefaultThresholdInfo is the uncalibrated 0.5 threshold.
func DefaultThresholdInfo() ThresholdInfo {
	return ThresholdInfo{Optimal: DefaultThreshold, Default: DefaultThreshold}
}

// LoadThreshold reads an optional threshold.json. A missing file yields the
// default threshold; an unreadable or out-of-range one is an error.
func LoadThreshold(path string) (ThresholdInfo, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultThresholdInfo(), nil
	}
	if err != nil {
		return ThresholdInfo{}, fmt.Errorf("reading threshold %s: %w", path, err)
	}

	info := DefaultThresholdInfo()
	if err := json.Unmarshal(data, &info); err != nil {
		return ThresholdInfo{}, fmt.Errorf("parsing threshold %s: %w", path, err)
	}
	if info.Optimal <= 0 || info.Optimal >= 1 {
		return ThresholdInfo{}, fmt.Errorf("threshold %s: optimal_threshold %v must be in (0,1)", path, info.Optimal)
	}
	info.Calibrated = true
	return info, nil
}
