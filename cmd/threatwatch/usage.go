package main

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "threatwatch v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n\n", bold("threatwatch"), dim("v"+version))
	fmt.Fprintf(w, "  Phishing, account-takeover and brute-force scoring service.\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  threatwatch <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	fmt.Fprintf(w, "  %-10s  %s\n", bold("serve"), "Load model artifacts and serve the scoring API")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("check"), "Load every enabled model's artifacts and report them")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("status"), "Show status of a running instance")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("reload"), "Reload artifacts (or config) on a running instance")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("logs"), "Show recent log lines of a running instance")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("alerts"), "List, inspect and acknowledge alerts")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("score"), "Score a file of records against a running instance")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("version"), "Print version and build info")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-26s  %s\n", "THREATWATCH_CONFIG", "Default config file path")
	fmt.Fprintf(w, "  %-26s  %s\n", "THREATWATCH_HOST", "API host override")
	fmt.Fprintf(w, "  %-26s  %s\n", "THREATWATCH_PORT", "API port override")
	fmt.Fprintf(w, "  %-26s  %s\n", "THREATWATCH_API_KEY", "API key for authentication")
	fmt.Fprintf(w, "  %-26s  %s\n", "THREATWATCH_ARTIFACTS_DIR", "Artifact root override")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Serve only the phishing and login models"))
	fmt.Fprintf(w, "  threatwatch serve --models phishing,ato\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Score a batch of flows"))
	fmt.Fprintf(w, "  threatwatch score --model brute_force --file flows.json\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Unread critical alerts as JSON"))
	fmt.Fprintf(w, "  threatwatch alerts list --status unread --severity critical --format json\n\n")
}

var commandHelp = map[string]string{
	"serve": `threatwatch serve [flags]

  --config <path>     Config file (env THREATWATCH_CONFIG)
  --models <list>     Comma-separated models to enable, disables the rest
  --log-level <lvl>   debug, info, warn, error
  --dry-run           Load config and artifacts, then exit

SIGHUP reloads model artifacts. SIGINT and SIGTERM shut down gracefully.`,
	"check": `threatwatch check [--config <path>] [--format table|json]

Validates the config, loads every enabled model's artifacts and prints
feature counts and thresholds. Exits non-zero on any failure.`,
	"status": `threatwatch status [--host] [--port] [--api-key] [--format table|json]`,
	"reload": `threatwatch reload [--config-only] [--host] [--port] [--api-key]`,
	"logs":   `threatwatch logs [--lines N] [--level warn] [--format table|json]`,
	"alerts": `threatwatch alerts <list|get|ack|read-all|stats> [flags]

  list      [--status] [--severity] [--model] [--skip] [--limit] [--format]
  get       <id>            Show one alert (marks it read)
  ack       <id>... [--actor]
  read-all                  Mark every unread alert read
  stats`,
	"score": `threatwatch score --model <phishing|ato|brute_force> --file <records.json> [--format]

The file holds either a JSON array of records or a batch object.`,
}

func cmdHelp(cmd string) {
	text, ok := commandHelp[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, red("error: ")+"no help for %q\n", cmd)
		os.Exit(1)
	}
	fmt.Println(text)
}
