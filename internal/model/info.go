package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// Info describes a trained model for the metadata endpoint.
type Info struct {
	ModelName string             `json:"model_name"`
	Metrics   map[string]float64 `json:"metrics"`
	Training  TrainingInfo       `json:"training_info"`
}

// TrainingInfo summarizes the training run.
type TrainingInfo struct {
	TrainingDate string `json:"training_date"`
	TotalSamples int    `json:"total_samples"`
	TrainSamples int    `json:"train_samples"`
	TestSamples  int    `json:"test_samples"`
}

// infoFile is the export written by the training pipeline. best_model is
// either a plain name or an object with model_name.
type infoFile struct {
	BestModel   json.RawMessage    `json:"best_model"`
	BestMetrics map[string]float64 `json:"best_metrics"`
	Timestamp   string             `json:"timestamp"`
	NTrain      *int               `json:"n_train_samples"`
	NTest       *int               `json:"n_test_samples"`
}

// LoadInfo reads an optional model_info.json, filling gaps from def. A
// missing file returns def unchanged.
func LoadInfo(path string, def Info) (Info, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return Info{}, fmt.Errorf("reading model info %s: %w", path, err)
	}

	var f infoFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Info{}, fmt.Errorf("parsing model info %s: %w", path, err)
	}

	info := def
	if name := bestModelName(f.BestModel); name != "" {
		info.ModelName = name
	}
	if len(f.BestMetrics) > 0 {
		merged := make(map[string]float64, len(def.Metrics)+len(f.BestMetrics))
		for k, v := range def.Metrics {
			merged[k] = v
		}
		for k, v := range f.BestMetrics {
			merged[k] = v
		}
		info.Metrics = merged
	}
	if f.Timestamp != "" {
		date, _, _ := strings.Cut(f.Timestamp, "T")
		info.Training.TrainingDate = date
	}
	if f.NTrain != nil {
		info.Training.TrainSamples = *f.NTrain
	}
	if f.NTest != nil {
		info.Training.TestSamples = *f.NTest
	}
	info.Training.TotalSamples = info.Training.TrainSamples + info.Training.TestSamples
	return info, nil
}

func bestModelName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var obj struct {
		ModelName string `json:"model_name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ModelName
	}
	return ""
}
