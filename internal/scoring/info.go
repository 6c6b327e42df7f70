package scoring

import (
	"github.com/threatwatch/threatwatch/internal/core"
	"github.com/threatwatch/threatwatch/internal/model"
)

// ModelInfo is the model metadata response.
type ModelInfo struct {
	ModelName     string             `json:"model_name"`
	ModelType     string             `json:"model_type"`
	Classifier    string             `json:"classifier"`
	Metrics       map[string]float64 `json:"metrics"`
	TrainingInfo  model.TrainingInfo `json:"training_info"`
	FeatureInfo   FeatureInfo        `json:"feature_info"`
	ThresholdInfo *ThresholdReport   `json:"threshold_info,omitempty"`
}

// FeatureInfo is the feature count with its breakdown.
type FeatureInfo struct {
	Total        int            `json:"total_features"`
	Breakdown    map[string]int `json:"breakdown,omitempty"`
	FeatureNames []string       `json:"feature_names,omitempty"`
}

// ThresholdReport is the decision threshold in use and how it was chosen.
type ThresholdReport struct {
	Optimal        float64 `json:"optimal_threshold"`
	Default        float64 `json:"default_threshold"`
	ImprovementPct float64 `json:"f1_improvement_pct"`
	Calibrated     bool    `json:"calibrated"`
}

func thresholdReport(t model.ThresholdInfo) *ThresholdReport {
	return &ThresholdReport{
		Optimal:        t.Optimal,
		Default:        t.Default,
		ImprovementPct: t.ImprovementPct,
		Calibrated:     t.Calibrated,
	}
}

// DefaultInfo is the metadata reported when a model directory has no
// model_info.json.
func DefaultInfo(modelType string) model.Info {
	switch modelType {
	case core.ModelPhishing:
		return trainedOn("Gradient Boosting", 31323, 7831)
	case core.ModelATO:
		return trainedOn("Gradient Boosting", 68112, 17029)
	case core.ModelBruteForce:
		return trainedOn("RandomForestClassifier", 610854, 152714)
	}
	return model.Info{ModelName: modelType, Metrics: map[string]float64{}}
}

func trainedOn(name string, train, test int) model.Info {
	return model.Info{
		ModelName: name,
		Metrics:   map[string]float64{},
		Training: model.TrainingInfo{
			TotalSamples: train + test,
			TrainSamples: train,
			TestSamples:  test,
		},
	}
}

func newModelInfo(modelType string, c model.Classifier, info model.Info, features FeatureInfo) ModelInfo {
	return ModelInfo{
		ModelName:    info.ModelName,
		ModelType:    modelType,
		Classifier:   c.Kind(),
		Metrics:      info.Metrics,
		TrainingInfo: info.Training,
		FeatureInfo:  features,
	}
}
