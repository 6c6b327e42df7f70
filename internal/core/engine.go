package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/threatwatch/threatwatch/internal/history"
	"github.com/threatwatch/threatwatch/internal/metrics"
	"github.com/threatwatch/threatwatch/internal/storage"
)

// Engine owns the shared runtime: alert store, predictors, bus, history
// store, archiver and metrics.
type Engine struct {
	Config   *Config
	Bus      *EventBus
	Registry *PredictorRegistry
	Pipeline *AlertPipeline
	History  history.Store
	Archiver *Archiver
	Webhooks *WebhookDispatcher
	Metrics  *metrics.Metrics
	Logs     *LogRing
	Logger   zerolog.Logger

	mu         sync.RWMutex
	configPath string
	onReload   []func(*Config)
	startTime  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewLogger builds the root logger from the logging section. Every tee
// receives the JSON encoding of each event.
func NewLogger(cfg LoggingConfig, out io.Writer, tees ...io.Writer) zerolog.Logger {
	w := out
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	if len(tees) > 0 {
		w = zerolog.MultiLevelWriter(append([]io.Writer{w}, tees...)...)
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(parseLevel(cfg.Level))
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewEngine creates an engine. Nothing is started until Open.
func NewEngine(cfg *Config) (*Engine, error) {
	logs := NewLogRing(cfg.Logging.BufferSize)
	logger := NewLogger(cfg.Logging, os.Stdout, logs)
	ctx, cancel := context.WithCancel(context.Background())

	engine := &Engine{
		Config:   cfg,
		Registry: NewPredictorRegistry(logger),
		Pipeline: NewAlertPipeline(logger),
		Metrics:  metrics.New(),
		Logs:     logs,
		Logger:   logger.With().Str("component", "engine").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}

	engine.Pipeline.OnTransition(func(a *Alert, _ AlertStatus) {
		engine.Metrics.IncAlertTransition(a.Status.String())
	})
	engine.Registry.OnLoad(func(model string, err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		engine.Metrics.IncModelReload(model, result)
	})

	if cfg.Alerts.EnableConsole {
		engine.Pipeline.AddHandler(func(alert *Alert) {
			engine.Logger.Warn().
				Str("alert_id", alert.ID).
				Str("model_type", alert.ModelType).
				Str("severity", alert.Severity.String()).
				Float64("confidence", alert.Confidence).
				Str("title", alert.Title).
				Msg("THREAT ALERT")
		})
	}

	engine.Webhooks = NewWebhookDispatcher(cfg.Alerts.WebhookURLs, DefaultWebhookOptions(), logger)
	engine.Pipeline.AddHandler(engine.Webhooks.HandleAlert)

	return engine, nil
}

// Open starts the bus, history store and archiver. Predictors are
// registered after Open so they can use the history store.
func (e *Engine) Open() error {
	cfg := e.Config

	if cfg.Bus.Enabled {
		bus, err := NewEventBus(&cfg.Bus, e.Logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus
		e.Pipeline.AddHandler(func(alert *Alert) {
			if err := e.Bus.PublishAlert(alert); err != nil {
				e.Logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to publish alert to bus")
			}
		})
	}

	store, err := e.openHistory()
	if err != nil {
		return err
	}
	e.History = store

	if cfg.Archive.Enabled {
		if err := e.openArchiver(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) openHistory() (history.Store, error) {
	h := e.Config.History
	if h.Backend == "nats" {
		if e.Bus == nil {
			return nil, fmt.Errorf("history backend nats requires the event bus")
		}
		store, err := history.NewKVStore(e.Bus.JetStream(), history.KVOptions{
			Bucket:     h.KVBucket,
			TTL:        h.TTL,
			OnConflict: e.Metrics.IncHistoryConflict,
		})
		if err != nil {
			return nil, fmt.Errorf("opening history store: %w", err)
		}
		e.Logger.Info().Str("bucket", h.KVBucket).Msg("history store on NATS KV")
		return store, nil
	}
	e.Logger.Info().Int("max_subjects", h.MaxSubjects).Dur("ttl", h.TTL).Msg("history store in memory")
	return history.NewMemoryStore(history.MemoryOptions{
		MaxSubjects: h.MaxSubjects,
		TTL:         h.TTL,
		Shards:      h.Shards,
	}), nil
}

func (e *Engine) openArchiver() error {
	ac := e.Config.Archive
	if e.Bus == nil {
		return fmt.Errorf("archive requires the event bus")
	}

	var uploader storage.Uploader
	if ac.S3.Bucket != "" {
		up, err := storage.NewS3Uploader(e.ctx, storage.S3Options{
			Bucket:    ac.S3.Bucket,
			Prefix:    ac.S3.Prefix,
			Region:    ac.S3.Region,
			Retries:   ac.S3.Retries,
			Timeout:   ac.S3.Timeout,
			OnFailure: e.Metrics.IncArchiveUploadFailure,
		}, e.Logger)
		if err != nil {
			return fmt.Errorf("creating archive uploader: %w", err)
		}
		uploader = up
	}

	archiver, err := NewArchiver(ac, e.Bus, uploader, e.Logger)
	if err != nil {
		return fmt.Errorf("creating archiver: %w", err)
	}
	if err := archiver.Start(e.ctx); err != nil {
		return fmt.Errorf("starting archiver: %w", err)
	}
	e.Archiver = archiver
	return nil
}

// Start loads every registered predictor. A load failure is fatal.
func (e *Engine) Start() error {
	e.Logger.Info().Msg("starting threatwatch engine")

	if err := e.Registry.LoadAll(); err != nil {
		return fmt.Errorf("loading predictors: %w", err)
	}

	e.mu.Lock()
	e.startTime = time.Now()
	e.mu.Unlock()

	e.Logger.Info().
		Int("predictors", e.Registry.Count()).
		Bool("bus", e.Bus != nil).
		Bool("archive", e.Archiver != nil).
		Msg("threatwatch engine started")
	return nil
}

// PublishPrediction forwards a scored record to the bus when one is
// configured. Failures are logged, never returned to the caller.
func (e *Engine) PublishPrediction(ev *PredictionEvent) {
	if e.Bus == nil {
		return
	}
	if err := e.Bus.PublishPrediction(ev); err != nil {
		e.Logger.Error().Err(err).Str("model_type", ev.ModelType).Msg("failed to publish prediction to bus")
	}
}

// Shutdown gracefully stops the engine.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down threatwatch engine")
	e.cancel()

	e.Registry.CloseAll()
	e.Webhooks.Stop()

	if e.Archiver != nil {
		e.Archiver.Close()
	}
	if e.History != nil {
		if err := e.History.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing history store")
		}
	}
	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}

	e.Logger.Info().Msg("threatwatch engine stopped")
	return nil
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// SetConfigPath records the file ReloadConfig re-reads.
func (e *Engine) SetConfigPath(path string) {
	e.mu.Lock()
	e.configPath = path
	e.mu.Unlock()
}

// OnReload registers a callback run after a successful config reload.
func (e *Engine) OnReload(fn func(*Config)) {
	e.mu.Lock()
	e.onReload = append(e.onReload, fn)
	e.mu.Unlock()
}

// Uptime returns how long the engine has been started, or zero before Start.
func (e *Engine) Uptime() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.startTime.IsZero() {
		return 0
	}
	return time.Since(e.startTime)
}

// AuthEnabled reports whether API keys are configured.
func (e *Engine) AuthEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Config.AuthEnabled()
}

// ValidateAPIKey checks a key against the current configuration.
func (e *Engine) ValidateAPIKey(key string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Config.ValidateAPIKey(key)
}

// CORSOrigins returns the allowed CORS origins.
func (e *Engine) CORSOrigins() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.Config.Server.CORSOrigins...)
}
