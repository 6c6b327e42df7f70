package main

// ---------------------------------------------------------------------------
// cmd_logs.go - recent log lines from a running instance
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/threatwatch/threatwatch/internal/core"
)

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	cf := addClientFlags(fs)
	lines := fs.Int("lines", 50, "Number of lines to fetch")
	level := fs.String("level", "", "Minimum level: debug, info, warn, error")
	fs.Parse(args)

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*lines))
	if *level != "" {
		q.Set("level", *level)
	}
	var res struct {
		Logs []core.LogEntry `json:"logs"`
	}
	body, err := cf.client().get("/api/v1/logs?"+q.Encode(), &res)
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*cf.format) == FormatJSON {
		printJSON(os.Stdout, body)
		return
	}
	renderLogs(os.Stdout, res.Logs)
}

func renderLogs(w io.Writer, entries []core.LogEntry) {
	for _, e := range entries {
		if e.Level == "" {
			fmt.Fprintln(w, e.Raw)
			continue
		}
		lvl := e.Level
		switch lvl {
		case "error", "fatal", "panic":
			lvl = red(lvl)
		case "warn":
			lvl = yellow(lvl)
		default:
			lvl = dim(lvl)
		}
		component := ""
		if e.Component != "" {
			component = " " + dim("["+e.Component+"]")
		}
		fmt.Fprintf(w, "%s %-5s%s %s\n", e.Timestamp.Local().Format("15:04:05"), lvl, component, e.Message)
	}
}
