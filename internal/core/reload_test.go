package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testReloadEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Alerts.EnableConsole = false
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	e.Logger = zerolog.Nop()
	t.Cleanup(func() { e.Webhooks.Stop() })
	return e
}

func writeReloadConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func hasChange(changes []string, sub string) bool {
	for _, c := range changes {
		if strings.Contains(c, sub) {
			return true
		}
	}
	return false
}

func TestReloadConfig_EmptyPath_Error(t *testing.T) {
	e := testReloadEngine(t)
	if _, err := e.ReloadConfig(); err == nil {
		t.Error("expected error for empty config path")
	}
}

func TestReloadConfig_NoChanges(t *testing.T) {
	e := testReloadEngine(t)
	e.SetConfigPath(writeReloadConfig(t, "alerts:\n  enable_console: false\n"))
	changes, err := e.ReloadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 || changes[0] != "no changes detected" {
		t.Errorf("changes = %v", changes)
	}
}

func TestReloadConfig_HotSettings(t *testing.T) {
	e := testReloadEngine(t)
	e.SetConfigPath(writeReloadConfig(t, `
server:
  api_keys: ["k1", "k2"]
alerts:
  webhook_urls: ["http://hooks.local/a"]
  thresholds:
    phishing: {critical: 99, high: 90, medium: 80}
archive:
  sample_rules:
    - {model: brute_force, label: benign, sample_rate: 50}
logging:
  level: debug
`))

	var seen *Config
	e.OnReload(func(c *Config) { seen = c })

	changes, err := e.ReloadConfig()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"logging.level", "server.api_keys", "alerts.webhook_urls", "alerts.thresholds.phishing", "archive.sample_rules"} {
		if !hasChange(changes, want) {
			t.Errorf("changes %v missing %q", changes, want)
		}
	}
	if hasChange(changes, "alerts.thresholds.ato") {
		t.Error("ato thresholds did not change")
	}
	if !e.ValidateAPIKey("k2") || !e.AuthEnabled() {
		t.Error("new API keys should be active")
	}
	if got := e.Webhooks.URLs(); len(got) != 1 || got[0] != "http://hooks.local/a" {
		t.Errorf("webhook URLs = %v", got)
	}
	if seen == nil || seen.Thresholds(ModelPhishing).Critical != 99 {
		t.Error("OnReload callback should see the new thresholds")
	}
}

func TestReloadConfig_InvalidKeepsCurrent(t *testing.T) {
	e := testReloadEngine(t)
	e.SetConfigPath(writeReloadConfig(t, `
alerts:
  thresholds:
    ato: {critical: 50, high: 60, medium: 70}
`))
	if _, err := e.ReloadConfig(); err == nil {
		t.Fatal("expected validation error")
	}
	if e.Config.Thresholds(ModelATO) != DefaultThresholds(ModelATO) {
		t.Error("invalid reload must not change thresholds")
	}
}

func TestReloadModels(t *testing.T) {
	e := testReloadEngine(t)
	e.Registry.Register(&mockPredictor{name: ModelATO})
	e.Registry.Register(&mockPredictor{name: ModelBruteForce, loadErr: errors.New("bad model.json")})

	results := e.ReloadModels()
	if len(results) != 2 || !results[0].OK || results[1].OK {
		t.Errorf("results = %+v", results)
	}
}
