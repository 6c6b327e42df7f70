// Package features turns raw request records into the fixed-order numeric
// vectors the classifiers were trained on.
package features

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// UnseenCode is the code assigned to a categorical value the encoder never
// saw during training.
const UnseenCode = -1.0

// ErrUnknownColumn is returned when an encoder for a column is not loaded.
var ErrUnknownColumn = errors.New("features: no encoder for column")

// Encoders are frozen label encoders, one per categorical column, plus the
// numeric statistics captured at training time.
type Encoders struct {
	columns map[string]map[string]int
	classes map[string][]string
	stats   map[string]float64
}

type encodersFile struct {
	Columns map[string][]string `json:"columns"`
	Stats   map[string]float64  `json:"stats"`
}

// LoadEncoders reads an encoders.json artifact.
func LoadEncoders(path string) (*Encoders, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading encoders %s: %w", path, err)
	}
	var f encodersFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing encoders %s: %w", path, err)
	}
	return NewEncoders(f.Columns, f.Stats), nil
}

// NewEncoders builds encoders from the per-column class lists. A value's code
// is its position in the list as exported, so the list order is part of the
// artifact contract.
func NewEncoders(columns map[string][]string, stats map[string]float64) *Encoders {
	e := &Encoders{
		columns: make(map[string]map[string]int, len(columns)),
		classes: make(map[string][]string, len(columns)),
		stats:   make(map[string]float64, len(stats)),
	}
	for col, values := range columns {
		classes := append([]string(nil), values...)
		index := make(map[string]int, len(classes))
		for i, v := range classes {
			if _, dup := index[v]; !dup {
				index[v] = i
			}
		}
		e.columns[col] = index
		e.classes[col] = classes
	}
	for k, v := range stats {
		e.stats[k] = v
	}
	return e
}

// Require returns an error naming every column without an encoder.
func (e *Encoders) Require(columns ...string) error {
	var missing []string
	for _, c := range columns {
		if _, ok := e.columns[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrUnknownColumn, missing)
	}
	return nil
}

// Encode maps value to its training-time code, or UnseenCode. It never fails
// for a loaded column; Require is the startup check.
func (e *Encoders) Encode(column, value string) float64 {
	index, ok := e.columns[column]
	if !ok {
		return UnseenCode
	}
	code, ok := index[value]
	if !ok {
		return UnseenCode
	}
	return float64(code)
}

// Classes returns the number of known classes in a column.
func (e *Encoders) Classes(column string) int {
	return len(e.classes[column])
}

// Stat returns a training statistic, or def when it was not recorded.
func (e *Encoders) Stat(name string, def float64) float64 {
	if v, ok := e.stats[name]; ok {
		return v
	}
	return def
}
