package core

import (
	"fmt"
	"reflect"
	"strings"
)

// ReloadModels re-reads every predictor's artifacts. A predictor whose new
// artifacts fail to load keeps serving the previous set.
func (e *Engine) ReloadModels() []ReloadResult {
	return e.Registry.ReloadAll()
}

// ReloadConfig re-reads the config file and applies the settings that can
// change without a restart. It returns a list of what changed.
//
// Hot-reloadable settings:
//   - logging level
//   - API keys and CORS origins
//   - alert webhook URLs
//   - severity thresholds (via OnReload callbacks)
//   - archive sampling rules
//
// Everything else (listener, bus, history backend, model set) needs a restart.
func (e *Engine) ReloadConfig() ([]string, error) {
	e.mu.RLock()
	path := e.configPath
	e.mu.RUnlock()
	if path == "" {
		return nil, fmt.Errorf("no config path set, cannot reload")
	}

	newCfg, err := LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if _, errs := newCfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}

	e.mu.Lock()
	cfg := e.Config
	var changes []string

	if newCfg.LogLevel() != cfg.LogLevel() {
		cfg.Logging.Level = newCfg.Logging.Level
		e.Logger = e.Logger.Level(parseLevel(newCfg.Logging.Level))
		changes = append(changes, "logging.level -> "+newCfg.LogLevel())
	}

	if !reflect.DeepEqual(newCfg.Server.APIKeys, cfg.Server.APIKeys) {
		cfg.Server.APIKeys = newCfg.Server.APIKeys
		changes = append(changes, fmt.Sprintf("server.api_keys -> %d keys", len(newCfg.Server.APIKeys)))
	}
	if !reflect.DeepEqual(newCfg.Server.CORSOrigins, cfg.Server.CORSOrigins) {
		cfg.Server.CORSOrigins = newCfg.Server.CORSOrigins
		changes = append(changes, "server.cors_origins reloaded")
	}

	if !reflect.DeepEqual(newCfg.Alerts.WebhookURLs, cfg.Alerts.WebhookURLs) {
		cfg.Alerts.WebhookURLs = newCfg.Alerts.WebhookURLs
		e.Webhooks.SetURLs(newCfg.Alerts.WebhookURLs)
		changes = append(changes, fmt.Sprintf("alerts.webhook_urls -> %d URLs", len(newCfg.Alerts.WebhookURLs)))
	}

	for _, m := range ModelTypes {
		if newCfg.Thresholds(m) != cfg.Thresholds(m) {
			t := newCfg.Thresholds(m)
			changes = append(changes, fmt.Sprintf("alerts.thresholds.%s -> %v/%v/%v", m, t.Critical, t.High, t.Medium))
		}
	}
	cfg.Alerts.Thresholds = newCfg.Alerts.Thresholds
	cfg.Alerts.Default = newCfg.Alerts.Default

	if !reflect.DeepEqual(newCfg.Archive.SampleRules, cfg.Archive.SampleRules) {
		cfg.Archive.SampleRules = newCfg.Archive.SampleRules
		if e.Archiver != nil {
			e.Archiver.setSampleRules(newCfg.Archive.SampleRules)
		}
		changes = append(changes, "archive.sample_rules reloaded")
	}

	hooks := append([]func(*Config){}, e.onReload...)
	logger := e.Logger
	e.mu.Unlock()

	for _, fn := range hooks {
		fn(cfg)
	}

	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}
	logger.Info().Strs("changes", changes).Msg("configuration reloaded")
	return changes, nil
}
