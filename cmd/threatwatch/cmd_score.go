package main

// ---------------------------------------------------------------------------
// cmd_score.go - score a file of records against a running instance
// ---------------------------------------------------------------------------

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/threatwatch/threatwatch/internal/core"
	"github.com/threatwatch/threatwatch/internal/scoring"
	"github.com/threatwatch/threatwatch/internal/validate"
)

// batchBody wraps a bare JSON array of records in the model's batch key. A
// body that is already an object is passed through.
func batchBody(modelType string, data []byte) ([]byte, error) {
	v, err := validate.New(modelType, core.DefaultMaxBatch(modelType))
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty input")
	}
	if trimmed[0] != '[' {
		return trimmed, nil
	}
	return json.Marshal(map[string]json.RawMessage{v.BatchKey(): trimmed})
}

func cmdScore(args []string) {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	cf := addClientFlags(fs)
	modelType := fs.String("model", "", "Model type: phishing, ato, brute_force")
	file := fs.String("file", "", "JSON file of records (- for stdin)")
	fs.Parse(args)

	if *modelType == "" || *file == "" {
		errorf("usage: threatwatch score --model <model> --file <records.json>")
	}

	var data []byte
	var err error
	if *file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		errorf("reading %s: %v", *file, err)
	}
	body, err := batchBody(*modelType, data)
	if err != nil {
		errorf("%v", err)
	}

	raw, err := cf.client().do(http.MethodPost, "/v1/"+*modelType+"/predict/batch", body)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
			printValidation(os.Stderr, []byte(apiErr.Body))
			os.Exit(1)
		}
		errorf("%v", err)
	}

	if parseFormat(*cf.format) == FormatJSON {
		printJSON(os.Stdout, raw)
		return
	}
	var res scoring.BatchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		errorf("parsing response: %v", err)
	}
	renderBatch(os.Stdout, &res)
}

func printValidation(w io.Writer, body []byte) {
	var resp struct {
		Detail []validate.Detail `json:"detail"`
	}
	_ = json.Unmarshal(body, &resp)
	fmt.Fprintf(w, "%s request rejected, %d validation error(s)\n", red("✗"), len(resp.Detail))
	for _, d := range resp.Detail {
		field := d.Field
		if field == "" {
			field = "(body)"
		}
		fmt.Fprintf(w, "  %s: %s\n", bold(field), d.Message)
	}
}

// explanationSummary pulls the shared fields out of a decoded explanation.
func explanationSummary(exp any) (int, string) {
	m, ok := exp.(map[string]interface{})
	if !ok {
		return 0, ""
	}
	n, _ := m["total_indicators"].(float64)
	s, _ := m["summary"].(string)
	return int(n), s
}

func renderBatch(w io.Writer, res *scoring.BatchResult) {
	tbl := NewTable(w, "#", "LABEL", "CONFIDENCE", "RISK", "INDICATORS", "SUMMARY")
	for i, r := range res.Predictions {
		label := r.Label
		if r.Prediction == 1 {
			label = red(label)
		}
		risk := "-"
		if r.RiskScore != nil {
			risk = strconv.FormatFloat(*r.RiskScore, 'f', 1, 64)
		}
		n, summary := explanationSummary(r.Explanation)
		tbl.AddRow(strconv.Itoa(i), label, fmt.Sprintf("%.2f%%", r.Confidence*100), risk, strconv.Itoa(n), truncate(summary, 60))
	}
	tbl.Render()
	fmt.Fprintf(w, "\n%d record(s), %d threat(s), %d benign, avg confidence %.2f%%, %d alert(s) raised in %.1fms\n",
		res.Total, res.ThreatsDetected, res.BenignCount, res.AvgConfidence*100, res.AlertsCreated, res.ProcessingTimeMs)
	fmt.Fprintf(w, "%s batch %s\n", dim("▸"), res.BatchID)
}
