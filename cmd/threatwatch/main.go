package main

// ---------------------------------------------------------------------------
// main.go - command dispatcher for the threatwatch CLI
//
// Command implementations live in cmd_*.go. Shared helpers are in
// helpers.go, http.go, output.go and usage.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "1.0.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	switch os.Args[1] {
	case "--version", "-V":
		printVersion(os.Stdout)
		os.Exit(0)
	case "--help", "-h", "help":
		if len(os.Args) >= 3 {
			cmdHelp(os.Args[2])
		} else {
			printUsage(os.Stdout)
		}
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	if hasFlag(args, "-h", "--help") {
		cmdHelp(subcmd)
		os.Exit(0)
	}

	switch subcmd {
	case "serve":
		cmdServe(args)
	case "check":
		cmdCheck(args)
	case "status":
		cmdStatus(args)
	case "reload":
		cmdReload(args)
	case "logs":
		cmdLogs(args)
	case "alerts":
		cmdAlerts(args)
	case "score":
		cmdScore(args)
	case "version":
		printVersion(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", subcmd)
		if s := suggest(subcmd); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n\n", bold(s))
		}
		printUsage(os.Stderr)
		os.Exit(1)
	}
}
