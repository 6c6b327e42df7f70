package core

import (
	"time"

	"github.com/goccy/go-json"
)

// PredictionEvent is published to the bus for every scored record.
type PredictionEvent struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	ModelType       string    `json:"model_type"`
	BatchID         string    `json:"batch_id,omitempty"`
	RecordIndex     int       `json:"record_index"`
	Label           string    `json:"label"`
	ProbThreat      float64   `json:"probability_threat"`
	Confidence      float64   `json:"confidence"`
	RiskScore       float64   `json:"risk_score"`
	TotalIndicators int       `json:"total_indicators"`
	Summary         string    `json:"summary,omitempty"`
}

// Marshal serializes the event to JSON.
func (e *PredictionEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalPredictionEvent deserializes an event from bus payload bytes.
func UnmarshalPredictionEvent(data []byte) (*PredictionEvent, error) {
	var e PredictionEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
