// Package scoringtest writes small synthetic model artifacts for tests.
//
// The models are logistic regressions over the real feature layouts with a
// handful of non-zero weights, so the outcome of a record is easy to reason
// about:
//
//   - phishing: threat when the email has URLs, an urgent subject or a
//     "click here" body; the "meeting" term pulls towards benign.
//   - ato: threat when the country changed, more so on a rapid login or an
//     attack IP.
//   - brute_force: threat when the backward packet rate is high.
package scoringtest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/threatwatch/threatwatch/internal/features"
)

// Vocabulary of the phishing TF-IDF vectorizer.
var Vocabulary = map[string]int{"click": 0, "verify": 1, "meeting": 2}

// PhishingWidth is the phishing vector length.
var PhishingWidth = len(features.EmailNumericColumns) + len(Vocabulary)

// WriteAll writes the three model directories under root.
func WriteAll(t testing.TB, root string) {
	t.Helper()
	WritePhishing(t, filepath.Join(root, "phishing"))
	WriteATO(t, filepath.Join(root, "ato"))
	WriteBruteForce(t, filepath.Join(root, "brute_force"))
}

// WritePhishing writes model, vectorizer and encoders for the phishing model.
func WritePhishing(t testing.TB, dir string) {
	t.Helper()
	n := len(features.EmailNumericColumns)
	coef := map[int]float64{
		6:     3,  // url_count
		7:     2,  // urls flag
		13:    3,  // has_urgent
		15:    2,  // has_click
		n + 0: 2,  // "click"
		n + 1: 2,  // "verify"
		n + 2: -3, // "meeting"
	}
	WriteFile(t, dir, "model.json", Logistic(PhishingWidth, coef, -4))
	WriteFile(t, dir, "vectorizer.json", map[string]any{
		"vocabulary":    Vocabulary,
		"idf":           []float64{1, 1, 1},
		"ngram_range":   []int{1, 1},
		"lowercase":     true,
		"strip_accents": "unicode",
		"norm":          "l2",
	})
	WriteFile(t, dir, "encoders.json", map[string]any{
		"columns": map[string][]string{
			features.SenderDomainColumn: {"co.com", "suspicious.com", "unknown"},
		},
	})
}

// WriteATO writes model, encoders and a calibrated threshold for the ATO model.
func WriteATO(t testing.TB, dir string) {
	t.Helper()
	coef := map[int]float64{
		3:  3, // is_attack_ip
		12: 4, // country_changed
		17: 2, // is_rapid_login
	}
	WriteFile(t, dir, "model.json", Logistic(len(features.LoginColumns), coef, -3))
	WriteFile(t, dir, "encoders.json", map[string]any{
		"columns": map[string][]string{
			features.BrowserColumn: {"Chrome", "Firefox", "Safari"},
			features.OSColumn:      {"Linux", "Windows", "iOS"},
			features.DeviceColumn:  {"desktop", "mobile"},
			features.CountryColumn: {"US", "DE", "BR"},
			features.RegionColumn:  {"CA", "BE", "SP"},
			features.CityColumn:    {"SF", "Berlin", "Sao Paulo"},
		},
		"stats": map[string]float64{"rtt_mean": 650, "rtt_std": 150},
	})
	WriteFile(t, dir, "threshold.json", map[string]any{
		"optimal_threshold": 0.3,
		"default_threshold": 0.5,
		"improvement_pct":   12.5,
	})
}

// WriteBruteForce writes the brute-force model.
func WriteBruteForce(t testing.TB, dir string) {
	t.Helper()
	idx := 0
	for i, name := range features.FlowFields {
		if name == "bwd_pkts_s" {
			idx = i
		}
	}
	WriteFile(t, dir, "model.json", Logistic(len(features.FlowFields), map[int]float64{idx: 10}, -3))
	WriteFile(t, dir, "model_info.json", map[string]any{
		"best_model":      "RandomForestClassifier",
		"best_metrics":    map[string]float64{"f1": 0.99},
		"timestamp":       "2025-11-02T10:00:00",
		"n_train_samples": 1000,
		"n_test_samples":  250,
	})
}

// Logistic builds a logistic model document with the given non-zero weights.
func Logistic(n int, coef map[int]float64, intercept float64) map[string]any {
	w := make([]float64, n)
	for i, v := range coef {
		w[i] = v
	}
	return map[string]any{
		"kind":       "logistic",
		"n_features": n,
		"coef":       w,
		"intercept":  intercept,
	}
}

// WriteFile encodes v as JSON into dir/name.
func WriteFile(t testing.TB, dir, name string, v any) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// Flow returns a flow with every field set to base.
func Flow(base float64) map[string]float64 {
	f := make(map[string]float64, len(features.FlowFields))
	for _, name := range features.FlowFields {
		f[name] = base
	}
	return f
}
