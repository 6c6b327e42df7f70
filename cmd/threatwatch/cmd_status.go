package main

// ---------------------------------------------------------------------------
// cmd_status.go - status and reload of a running instance
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

type statusResponse struct {
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	AlertsTotal    int    `json:"alerts_total"`
	AlertsUnread   int    `json:"alerts_unread"`
	BusConnected   bool   `json:"bus_connected"`
	HistoryBackend string `json:"history_backend"`
	Models         []struct {
		ModelType   string `json:"model_type"`
		ModelName   string `json:"model_name"`
		Description string `json:"description"`
		Ready       bool   `json:"ready"`
	} `json:"models"`
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)

	var st statusResponse
	body, err := cf.client().get("/api/v1/status", &st)
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*cf.format) == FormatJSON {
		printJSON(os.Stdout, body)
		return
	}
	renderStatus(os.Stdout, &st)
}

func renderStatus(w io.Writer, st *statusResponse) {
	fmt.Fprintf(w, "%s v%s, up %s\n", bold("threatwatch"), st.Version, (time.Duration(st.UptimeSeconds) * time.Second).String())
	bus := dim("disabled")
	if st.BusConnected {
		bus = green("connected")
	}
	fmt.Fprintf(w, "  history %s, bus %s, %d alert(s) (%d unread)\n\n", st.HistoryBackend, bus, st.AlertsTotal, st.AlertsUnread)

	tbl := NewTable(w, "MODEL", "NAME", "READY", "DESCRIPTION")
	for _, m := range st.Models {
		ready := red("no")
		if m.Ready {
			ready = green("yes")
		}
		tbl.AddRow(m.ModelType, m.ModelName, ready, m.Description)
	}
	tbl.Render()
}

func cmdReload(args []string) {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	cf := addClientFlags(fs)
	configOnly := fs.Bool("config-only", false, "Reload the config file instead of model artifacts")
	fs.Parse(args)

	c := cf.client()
	if *configOnly {
		var res struct {
			Changes []string `json:"changes"`
		}
		if _, err := c.post("/api/v1/reload/config", nil, &res); err != nil {
			errorf("%v", err)
		}
		for _, ch := range res.Changes {
			fmt.Printf("%s %s\n", green("✓"), ch)
		}
		return
	}

	var res struct {
		Results []struct {
			Model string `json:"model"`
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		} `json:"results"`
	}
	body, err := c.post("/api/v1/reload", nil, &res)
	if err != nil && len(body) == 0 {
		errorf("%v", err)
	}
	if err != nil {
		_ = decodeInto(body, &res)
	}
	failed := 0
	for _, r := range res.Results {
		if r.OK {
			fmt.Printf("%s %s reloaded\n", green("✓"), r.Model)
		} else {
			failed++
			fmt.Printf("%s %s: %s (previous artifacts kept)\n", red("✗"), r.Model, r.Error)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}
