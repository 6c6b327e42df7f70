package main

// ---------------------------------------------------------------------------
// helpers.go - TTY detection, color, error helpers, env-based config
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/threatwatch/threatwatch/internal/core"
)

const defaultConfigPath = "threatwatch.yaml"

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY(os.Stderr)
}

func ansi(code, s string) string {
	if !colorEnabled() {
		return s
	}
	return code + s + "\033[0m"
}

func red(s string) string    { return ansi("\033[91m", s) }
func yellow(s string) string { return ansi("\033[93m", s) }
func green(s string) string  { return ansi("\033[32m", s) }
func dim(s string) string    { return ansi("\033[90m", s) }
func bold(s string) string   { return ansi("\033[1m", s) }

func severityColor(sev string) string {
	switch strings.ToLower(sev) {
	case "critical":
		return red(strings.ToUpper(sev))
	case "high":
		return yellow(strings.ToUpper(sev))
	case "medium":
		return bold(strings.ToUpper(sev))
	default:
		return dim(strings.ToUpper(sev))
	}
}

func errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, red("error: ")+format+"\n", args...)
	os.Exit(1)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, yellow("warn: ")+format+"\n", args...)
}

// envConfig returns the config path, preferring flag > env > default.
func envConfig(flagVal string) string {
	if flagVal != "" && flagVal != defaultConfigPath {
		return flagVal
	}
	if e := os.Getenv("THREATWATCH_CONFIG"); e != "" {
		return e
	}
	return flagVal
}

func envHost(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv("THREATWATCH_HOST")
}

func envPort(flagVal int) int {
	if flagVal != 0 {
		return flagVal
	}
	if e := os.Getenv("THREATWATCH_PORT"); e != "" {
		if p, err := strconv.Atoi(e); err == nil {
			return p
		}
	}
	return 0
}

// apiBase resolves the URL of a running instance from config and overrides.
func apiBase(cfg *core.Config, hostOverride string, portOverride int) string {
	host := "127.0.0.1"
	port := core.DefaultConfig().Server.Port
	if cfg != nil {
		if cfg.Server.Host != "" && cfg.Server.Host != "0.0.0.0" {
			host = cfg.Server.Host
		}
		if cfg.Server.Port != 0 {
			port = cfg.Server.Port
		}
	}
	if hostOverride != "" {
		host = hostOverride
	}
	if portOverride != 0 {
		port = portOverride
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// resolveAPIKey returns the API key from flag, env, or config (in that order).
func resolveAPIKey(flagKey string, cfg *core.Config) string {
	if flagKey != "" {
		return flagKey
	}
	if envKey := os.Getenv("THREATWATCH_API_KEY"); envKey != "" {
		return envKey
	}
	if cfg != nil && len(cfg.Server.APIKeys) > 0 {
		return cfg.Server.APIKeys[0]
	}
	return ""
}

func hasFlag(args []string, flags ...string) bool {
	for _, a := range args {
		for _, f := range flags {
			if a == f {
				return true
			}
		}
	}
	return false
}

// splitList splits a comma-separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var commands = []string{"serve", "check", "status", "reload", "logs", "alerts", "score", "version", "help"}

// suggest returns the closest command for a typo, or "".
func suggest(input string) string {
	input = strings.ToLower(input)
	for _, c := range commands {
		if strings.HasPrefix(c, input) || strings.HasPrefix(input, c) {
			return c
		}
	}
	for _, c := range commands {
		if len(c) != len(input) {
			continue
		}
		diff := 0
		for i := range c {
			if c[i] != input[i] {
				diff++
			}
		}
		if diff <= 1 {
			return c
		}
	}
	return ""
}
