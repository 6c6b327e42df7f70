package main

// ---------------------------------------------------------------------------
// cmd_alerts.go - query and acknowledge alerts on a running instance
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/threatwatch/threatwatch/internal/core"
)

// clientFlags are shared by every command that talks to a running instance.
type clientFlags struct {
	configPath *string
	host       *string
	port       *int
	apiKey     *string
	timeout    *time.Duration
	format     *string
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	return &clientFlags{
		configPath: fs.String("config", defaultConfigPath, "Config file path"),
		host:       fs.String("host", "", "API host override"),
		port:       fs.Int("port", 0, "API port override"),
		apiKey:     fs.String("api-key", "", "API key for authentication"),
		timeout:    fs.Duration("timeout", 10*time.Second, "Request timeout"),
		format:     fs.String("format", "table", "Output format: table, json, csv"),
	}
}

func (f *clientFlags) client() *apiClient {
	cfg, err := core.LoadConfig(envConfig(*f.configPath))
	if err != nil {
		warnf("loading config: %v", err)
		cfg = nil
	}
	return newAPIClient(apiBase(cfg, envHost(*f.host), envPort(*f.port)), resolveAPIKey(*f.apiKey, cfg), *f.timeout)
}

func cmdAlerts(args []string) {
	sub := "list"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		sub, args = args[0], args[1:]
	}
	switch sub {
	case "list":
		cmdAlertsList(args)
	case "get":
		cmdAlertsGet(args)
	case "ack", "acknowledge":
		cmdAlertsAck(args)
	case "read-all":
		cmdAlertsReadAll(args)
	case "stats":
		cmdAlertsStats(args)
	default:
		errorf("unknown alerts subcommand %q (want list, get, ack, read-all, stats)", sub)
	}
}

type alertList struct {
	Alerts []*core.Alert `json:"alerts"`
	Total  int           `json:"total"`
}

func alertsQuery(status, severity, model string, skip, limit int) string {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if severity != "" {
		q.Set("severity", severity)
	}
	if model != "" {
		q.Set("model_type", model)
	}
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}
	q.Set("limit", strconv.Itoa(limit))
	return "/api/v1/alerts?" + q.Encode()
}

func cmdAlertsList(args []string) {
	fs := flag.NewFlagSet("alerts list", flag.ExitOnError)
	cf := addClientFlags(fs)
	status := fs.String("status", "", "Filter by status: unread, read, acknowledged")
	severity := fs.String("severity", "", "Filter by severity: low, medium, high, critical")
	model := fs.String("model", "", "Filter by model type")
	skip := fs.Int("skip", 0, "Alerts to skip")
	limit := fs.Int("limit", 20, "Maximum alerts to fetch")
	output := fs.String("output", "", "Write output to file")
	fs.Parse(args)

	var list alertList
	body, err := cf.client().get(alertsQuery(*status, *severity, *model, *skip, *limit), &list)
	if err != nil {
		errorf("%v", err)
	}

	w, cleanup := outputWriter(*output)
	defer cleanup()
	renderAlerts(w, parseFormat(*cf.format), body, list.Alerts)
}

func renderAlerts(w io.Writer, outFmt OutputFormat, raw []byte, alerts []*core.Alert) {
	switch outFmt {
	case FormatJSON:
		printJSON(w, raw)
		return
	case FormatCSV:
		rows := make([][]string, 0, len(alerts))
		for _, a := range alerts {
			rows = append(rows, []string{
				a.ID, a.Severity.String(), a.Status.String(), a.ModelType,
				strconv.FormatFloat(a.Confidence, 'f', 2, 64), a.Title, a.CreatedAt.Format(time.RFC3339),
			})
		}
		if err := writeCSV(w, []string{"id", "severity", "status", "model_type", "confidence", "title", "created_at"}, rows); err != nil {
			errorf("writing csv: %v", err)
		}
		return
	}

	if len(alerts) == 0 {
		fmt.Fprintf(w, "%s No alerts found.\n", dim("▸"))
		return
	}
	fmt.Fprintf(w, "%s Alerts (%d)\n\n", bold("threatwatch"), len(alerts))
	tbl := NewTable(w, "SEVERITY", "STATUS", "MODEL", "CONF", "TITLE", "CREATED", "ID")
	for _, a := range alerts {
		tbl.AddRow(
			severityColor(a.Severity.String()),
			a.Status.String(),
			a.ModelType,
			fmt.Sprintf("%.1f%%", a.Confidence),
			truncate(a.Title, 48),
			a.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			a.ID,
		)
	}
	tbl.Render()
}

func cmdAlertsGet(args []string) {
	fs := flag.NewFlagSet("alerts get", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		errorf("usage: threatwatch alerts get <id>")
	}

	var a core.Alert
	body, err := cf.client().get("/api/v1/alerts/"+url.PathEscape(fs.Arg(0)), &a)
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*cf.format) == FormatJSON {
		printJSON(os.Stdout, body)
		return
	}

	fmt.Printf("%s %s\n\n", severityColor(a.Severity.String()), bold(a.Title))
	fmt.Printf("  %-12s %s\n", "ID", a.ID)
	fmt.Printf("  %-12s %s\n", "Status", a.Status)
	fmt.Printf("  %-12s %s\n", "Model", a.ModelType)
	fmt.Printf("  %-12s %.2f%%\n", "Confidence", a.Confidence)
	if a.RiskLevel != "" {
		fmt.Printf("  %-12s %s\n", "Risk", a.RiskLevel)
	}
	fmt.Printf("  %-12s %s #%d\n", "Batch", a.BatchID, a.RecordIndex)
	fmt.Printf("  %-12s %s\n", "Created", a.CreatedAt.Local().Format(time.RFC3339))
	if a.AcknowledgedAt != nil {
		fmt.Printf("  %-12s %s by %s\n", "Acknowledged", a.AcknowledgedAt.Local().Format(time.RFC3339), a.AcknowledgedBy)
	}
	fmt.Printf("\n%s\n", a.Description)
}

func cmdAlertsAck(args []string) {
	fs := flag.NewFlagSet("alerts ack", flag.ExitOnError)
	cf := addClientFlags(fs)
	actor := fs.String("actor", "", "Who is acknowledging (default: $USER)")
	fs.Parse(args)
	if fs.NArg() == 0 {
		errorf("usage: threatwatch alerts ack <id>...")
	}
	if *actor == "" {
		*actor = os.Getenv("USER")
	}

	c := cf.client()
	if fs.NArg() == 1 {
		if _, err := c.post("/api/v1/alerts/"+url.PathEscape(fs.Arg(0))+"/acknowledge", map[string]string{"actor": *actor}, nil); err != nil {
			errorf("%v", err)
		}
		fmt.Printf("%s Alert %s acknowledged.\n", green("✓"), fs.Arg(0))
		return
	}

	var res struct {
		Acknowledged int `json:"acknowledged"`
	}
	if _, err := c.post("/api/v1/alerts/acknowledge", map[string]interface{}{"alert_ids": fs.Args(), "actor": *actor}, &res); err != nil {
		errorf("%v", err)
	}
	fmt.Printf("%s %d of %d alert(s) acknowledged.\n", green("✓"), res.Acknowledged, fs.NArg())
}

func cmdAlertsReadAll(args []string) {
	fs := flag.NewFlagSet("alerts read-all", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)

	var res struct {
		MarkedRead int `json:"marked_read"`
	}
	if _, err := cf.client().post("/api/v1/alerts/mark-all-read", nil, &res); err != nil {
		errorf("%v", err)
	}
	fmt.Printf("%s %d alert(s) marked read.\n", green("✓"), res.MarkedRead)
}

func cmdAlertsStats(args []string) {
	fs := flag.NewFlagSet("alerts stats", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)

	var stats core.AlertStats
	body, err := cf.client().get("/api/v1/alerts/stats", &stats)
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*cf.format) == FormatJSON {
		printJSON(os.Stdout, body)
		return
	}
	renderStats(os.Stdout, stats)
}

func renderStats(w io.Writer, stats core.AlertStats) {
	fmt.Fprintf(w, "%s %d alert(s), %d unread\n\n", bold("threatwatch"), stats.Total, stats.Unread)
	sevs := make([]string, 0, len(stats.BySeverity))
	for s := range stats.BySeverity {
		sevs = append(sevs, s)
	}
	sort.Slice(sevs, func(i, j int) bool {
		a, _ := core.ParseSeverity(sevs[i])
		b, _ := core.ParseSeverity(sevs[j])
		return a > b
	})
	tbl := NewTable(w, "SEVERITY", "COUNT")
	for _, s := range sevs {
		tbl.AddRow(severityColor(s), strconv.Itoa(stats.BySeverity[s]))
	}
	tbl.Render()
}
