package main

// ---------------------------------------------------------------------------
// cmd_serve.go - run the scoring service
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/threatwatch/threatwatch/internal/alerting"
	"github.com/threatwatch/threatwatch/internal/api"
	"github.com/threatwatch/threatwatch/internal/core"
	"github.com/threatwatch/threatwatch/internal/scoring"
)

// app is a fully wired, started service.
type app struct {
	engine  *core.Engine
	scorers map[string]scoring.Scorer
	table   *alerting.Table
	server  *api.Server
}

// newApp opens the engine, registers the enabled models and loads their
// artifacts. Any failure shuts down what was started.
func newApp(cfg *core.Config, configPath string) (*app, error) {
	engine, err := core.NewEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	engine.SetConfigPath(configPath)

	if err := engine.Open(); err != nil {
		engine.Shutdown()
		return nil, err
	}

	table := alerting.NewTable(cfg)
	scorers, err := scoring.RegisterEnabled(engine.Registry, cfg.EnabledModels(), scoring.Deps{
		Config:    cfg,
		History:   engine.History,
		Alerts:    alerting.NewGenerator(engine.Pipeline, table, engine.Metrics, engine.Logger),
		Metrics:   engine.Metrics,
		Publisher: engine,
		Logger:    engine.Logger,
	})
	if err != nil {
		engine.Shutdown()
		return nil, err
	}
	if err := engine.Start(); err != nil {
		engine.Shutdown()
		return nil, err
	}
	engine.OnReload(table.Update)

	return &app{
		engine:  engine,
		scorers: scorers,
		table:   table,
		server:  api.NewServer(engine, scorers, table),
	}, nil
}

func (a *app) shutdown() {
	if err := a.server.Stop(); err != nil {
		a.engine.Logger.Error().Err(err).Msg("error stopping API server")
	}
	a.engine.Shutdown()
}

// selectModels enables exactly the listed models.
func selectModels(cfg *core.Config, list []string) error {
	selected := make(map[string]bool, len(list))
	for _, name := range list {
		found := false
		for _, m := range core.ModelTypes {
			if m == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown model %q (want one of %s)", name, strings.Join(core.ModelTypes, ", "))
		}
		selected[name] = true
	}
	for _, m := range core.ModelTypes {
		mc := cfg.Models[m]
		mc.Enabled = selected[m]
		if mc.Enabled && mc.MaxBatch == 0 {
			mc.MaxBatch = core.DefaultMaxBatch(m)
		}
		cfg.Models[m] = mc
	}
	return nil
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	modelList := fs.String("models", "", "Comma-separated models to enable (disables all others)")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Load config and artifacts, then exit")
	quiet := fs.Bool("quiet", false, "Suppress non-essential output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *modelList != "" {
		if err := selectModels(cfg, splitList(*modelList)); err != nil {
			errorf("%v", err)
		}
	}

	warnings, errs := cfg.Validate()
	if !*quiet {
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
	}
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), e)
		}
		errorf("config validation failed with %d error(s)", len(errs))
	}

	a, err := newApp(cfg, *configPath)
	if err != nil {
		errorf("starting threatwatch: %v", err)
	}

	if *dryRun {
		fmt.Fprintf(os.Stdout, "%s Config valid. Loaded %s.\n", green("✓"), strings.Join(a.engine.Registry.Ready(), ", "))
		a.engine.Shutdown()
		return
	}

	if err := a.server.Start(); err != nil {
		a.engine.Shutdown()
		errorf("starting API server: %v", err)
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s threatwatch running, %d models loaded, API on %s\n",
			green("✓"), len(a.engine.Registry.Ready()), a.server.Addr())
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop, send SIGHUP to reload artifacts\n", dim("▸"))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reloadArtifacts(a.engine)
			continue
		}
		if !*quiet {
			fmt.Fprintf(os.Stderr, "\n%s Received %s, shutting down...\n", dim("▸"), sig)
		}
		break
	}
	signal.Stop(sigCh)

	a.shutdown()
	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s threatwatch stopped.\n", green("✓"))
	}
}

// reloadArtifacts re-reads every model's artifacts. A model that fails keeps
// serving its previous artifacts.
func reloadArtifacts(engine *core.Engine) {
	for _, res := range engine.ReloadModels() {
		if res.OK {
			engine.Logger.Info().Str("model_type", res.Model).Msg("artifacts reloaded")
		} else {
			engine.Logger.Error().Str("model_type", res.Model).Str("error", res.Error).Msg("artifact reload failed, keeping previous artifacts")
		}
	}
}
