package main

// ---------------------------------------------------------------------------
// cmd_check.go - pre-flight diagnostics
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/threatwatch/threatwatch/internal/core"
	"github.com/threatwatch/threatwatch/internal/history"
	"github.com/threatwatch/threatwatch/internal/scoring"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type checkReport struct {
	results []checkResult
}

func (r *checkReport) pass(name, detail string) { r.add(name, "pass", detail) }
func (r *checkReport) fail(name, detail string) { r.add(name, "fail", detail) }
func (r *checkReport) warn(name, detail string) { r.add(name, "warn", detail) }

func (r *checkReport) add(name, status, detail string) {
	r.results = append(r.results, checkResult{Name: name, Status: status, Detail: detail})
}

func (r *checkReport) failures() int {
	n := 0
	for _, res := range r.results {
		if res.Status == "fail" {
			n++
		}
	}
	return n
}

// runChecks validates cfg and loads every enabled model's artifacts with a
// throwaway in-memory history store.
func runChecks(cfg *core.Config, checkPorts bool) *checkReport {
	r := &checkReport{}

	warnings, errs := cfg.Validate()
	for _, e := range errs {
		r.fail("config", e)
	}
	for _, w := range warnings {
		r.warn("config", w)
	}
	if len(errs) == 0 {
		r.pass("config", fmt.Sprintf("%d model(s) enabled", len(cfg.EnabledModels())))
	}

	if checkPorts {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			r.fail("api_port", fmt.Sprintf("port %d is already in use", cfg.Server.Port))
		} else {
			ln.Close()
			r.pass("api_port", fmt.Sprintf("port %d is available", cfg.Server.Port))
		}
	}

	if fi, err := os.Stat(cfg.ArtifactsDir); err != nil || !fi.IsDir() {
		r.fail("artifacts_dir", fmt.Sprintf("%s is not a readable directory", cfg.ArtifactsDir))
		return r
	}

	store := history.NewMemoryStore(history.MemoryOptions{MaxSubjects: 1})
	defer store.Close()
	deps := scoring.Deps{Config: cfg, History: store, Logger: zerolog.Nop()}

	for _, m := range cfg.EnabledModels() {
		name := "model:" + m
		s, err := scoring.New(m, deps)
		if err != nil {
			r.fail(name, err.Error())
			continue
		}
		if err := s.Load(); err != nil {
			r.fail(name, err.Error())
			continue
		}
		info, err := s.Info()
		if err != nil {
			r.fail(name, err.Error())
			continue
		}
		t := cfg.Thresholds(m)
		detail := fmt.Sprintf("%s, %d features, alerts at %.0f/%.0f/%.0f%%",
			info.ModelName, info.FeatureInfo.Total, t.Critical*100, t.High*100, t.Medium*100)
		if ti := info.ThresholdInfo; ti != nil && ti.Calibrated {
			detail += fmt.Sprintf(", decision threshold %.4f", ti.Optimal)
		}
		r.pass(name, detail)
		s.Close()
	}
	return r
}

func (r *checkReport) render(w io.Writer, outFmt OutputFormat) {
	if outFmt == FormatJSON {
		data, _ := json.MarshalIndent(map[string]interface{}{
			"checks":   r.results,
			"total":    len(r.results),
			"failures": r.failures(),
		}, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	fmt.Fprintf(w, "%s Pre-flight Diagnostics\n\n", bold("threatwatch"))
	tbl := NewTable(w, "CHECK", "STATUS", "DETAIL")
	for _, res := range r.results {
		status := green("PASS")
		switch res.Status {
		case "fail":
			status = red("FAIL")
		case "warn":
			status = yellow("WARN")
		}
		tbl.AddRow(res.Name, status, res.Detail)
	}
	tbl.Render()
	fmt.Fprintln(w)
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	format := fs.String("format", "table", "Output format: table, json")
	skipPorts := fs.Bool("skip-ports", false, "Skip the listener port check")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config %s: %v", *configPath, err)
	}

	report := runChecks(cfg, !*skipPorts)
	report.render(os.Stdout, parseFormat(*format))

	if n := report.failures(); n > 0 {
		fmt.Fprintf(os.Stderr, "%s %d check(s) failed.\n", red("✗"), n)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%s All checks passed. Ready to run 'threatwatch serve'.\n", green("✓"))
}
