package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Model types hosted by the service.
const (
	ModelPhishing   = "phishing"
	ModelATO        = "ato"
	ModelBruteForce = "brute_force"
)

// ModelTypes lists every hosted model type in display order.
var ModelTypes = []string{ModelPhishing, ModelATO, ModelBruteForce}

// Config holds the entire ThreatWatch configuration.
type Config struct {
	Server       ServerConfig           `yaml:"server"`
	Bus          BusConfig              `yaml:"bus"`
	ArtifactsDir string                 `yaml:"artifacts_dir"`
	Models       map[string]ModelConfig `yaml:"models"`
	History      HistoryConfig          `yaml:"history"`
	Alerts       AlertConfig            `yaml:"alerts"`
	Archive      ArchiveConfig          `yaml:"archive"`
	Metrics      MetricsConfig          `yaml:"metrics"`
	Logging      LoggingConfig          `yaml:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host        string          `yaml:"host"`
	Port        int             `yaml:"port"`
	APIKeys     []string        `yaml:"api_keys"`
	CORSOrigins []string        `yaml:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds requests per client IP.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Embedded  bool   `yaml:"embedded"`
	DataDir   string `yaml:"data_dir"`
	Port      int    `yaml:"port"`
	ClusterID string `yaml:"cluster_id"`
}

// ModelConfig holds per-model settings. Dir defaults to <artifacts_dir>/<model>.
type ModelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	MaxBatch int    `yaml:"max_batch"`
}

// HistoryConfig selects and sizes the behavioral history store.
type HistoryConfig struct {
	Backend     string        `yaml:"backend"` // "memory" or "nats"
	MaxSubjects int           `yaml:"max_subjects"`
	TTL         time.Duration `yaml:"ttl"`
	Shards      int           `yaml:"shards"`
	RapidLogin  time.Duration `yaml:"rapid_login"`
	LongGap     time.Duration `yaml:"long_gap"`
	KVBucket    string        `yaml:"kv_bucket"`
}

// ThresholdConfig is one severity table in percent confidence.
type ThresholdConfig struct {
	Critical float64 `yaml:"critical" json:"critical"`
	High     float64 `yaml:"high" json:"high"`
	Medium   float64 `yaml:"medium" json:"medium"`
}

// Validate reports whether the table is strictly ordered and in range.
func (t ThresholdConfig) Validate() error {
	levels := []struct {
		name string
		v    float64
	}{{"critical", t.Critical}, {"high", t.High}, {"medium", t.Medium}}
	for _, l := range levels {
		if l.v <= 0 || l.v > 100 {
			return fmt.Errorf("%s threshold %v must be in (0,100]", l.name, l.v)
		}
	}
	if !(t.Critical > t.High && t.High > t.Medium) {
		return fmt.Errorf("thresholds must satisfy critical > high > medium (got %v/%v/%v)", t.Critical, t.High, t.Medium)
	}
	return nil
}

// AlertConfig holds alert pipeline settings.
type AlertConfig struct {
	Thresholds    map[string]ThresholdConfig `yaml:"thresholds"`
	Default       ThresholdConfig            `yaml:"default"`
	WebhookURLs   []string                   `yaml:"webhook_urls"`
	EnableConsole bool                       `yaml:"enable_console"`
}

// ArchiveConfig holds the prediction/alert archive settings.
type ArchiveConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Dir            string        `yaml:"dir"`
	RotateBytes    int64         `yaml:"rotate_bytes"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
	Compress       bool          `yaml:"compress"`
	SampleRules    []SampleRule  `yaml:"sample_rules"`
	S3             S3Config      `yaml:"s3"`
}

// SampleRule keeps one in SampleRate predictions of a model/label pair.
// An empty Model or Label matches any.
type SampleRule struct {
	Model      string `yaml:"model"`
	Label      string `yaml:"label"`
	SampleRate int    `yaml:"sample_rate"`
}

// S3Config enables upload of rotated archive files when Bucket is set.
type S3Config struct {
	Bucket  string        `yaml:"bucket"`
	Prefix  string        `yaml:"prefix"`
	Region  string        `yaml:"region"`
	Retries int           `yaml:"retries"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// BufferSize is how many recent lines the logs endpoint can return.
	BufferSize int `yaml:"buffer_size"`
}

// DefaultThresholds returns the shipped severity table for a model type.
func DefaultThresholds(model string) ThresholdConfig {
	switch model {
	case ModelPhishing:
		return ThresholdConfig{Critical: 95, High: 85, Medium: 75}
	case ModelATO:
		return ThresholdConfig{Critical: 90, High: 80, Medium: 70}
	case ModelBruteForce:
		return ThresholdConfig{Critical: 98, High: 90, Medium: 80}
	}
	return ThresholdConfig{Critical: 95, High: 85, Medium: 70}
}

// DefaultMaxBatch is the batch cap of a model type.
func DefaultMaxBatch(model string) int {
	if model == ModelBruteForce {
		return 100
	}
	return 1000
}

// DefaultConfig returns a Config that serves every model from ./artifacts
// with an in-memory history and no bus.
func DefaultConfig() *Config {
	models := make(map[string]ModelConfig, len(ModelTypes))
	thresholds := make(map[string]ThresholdConfig, len(ModelTypes))
	for _, m := range ModelTypes {
		models[m] = ModelConfig{Enabled: true, MaxBatch: DefaultMaxBatch(m)}
		thresholds[m] = DefaultThresholds(m)
	}
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8780,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
		Bus: BusConfig{
			URL:       "nats://127.0.0.1:4222",
			Embedded:  true,
			DataDir:   "./data/nats",
			Port:      4222,
			ClusterID: "threatwatch",
		},
		ArtifactsDir: "./artifacts",
		Models:       models,
		History: HistoryConfig{
			Backend:    "memory",
			Shards:     256,
			RapidLogin: 30 * time.Minute,
			LongGap:    24 * time.Hour,
			KVBucket:   "threatwatch_history",
		},
		Alerts: AlertConfig{
			Thresholds:    thresholds,
			Default:       DefaultThresholds(""),
			EnableConsole: true,
		},
		Archive: ArchiveConfig{
			Dir:            "./data/archive",
			RotateBytes:    100 * 1024 * 1024,
			RotateInterval: time.Hour,
			Compress:       true,
			SampleRules: []SampleRule{
				{Label: "benign", SampleRate: 10},
			},
			S3: S3Config{Retries: 3, Timeout: 30 * time.Second},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			BufferSize: 500,
		},
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig. A missing file
// is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if len(cfg.Server.APIKeys) == 0 {
		if envKey := os.Getenv("THREATWATCH_API_KEY"); envKey != "" {
			cfg.Server.APIKeys = []string{envKey}
		}
	}
	if dir := os.Getenv("THREATWATCH_ARTIFACTS_DIR"); dir != "" {
		cfg.ArtifactsDir = dir
	}
	cfg.fillModelDefaults()

	return cfg, nil
}

// fillModelDefaults completes partially specified model sections.
func (c *Config) fillModelDefaults() {
	if c.Models == nil {
		c.Models = make(map[string]ModelConfig)
	}
	for name, m := range c.Models {
		if m.MaxBatch == 0 {
			m.MaxBatch = DefaultMaxBatch(name)
		}
		c.Models[name] = m
	}
	if c.Alerts.Thresholds == nil {
		c.Alerts.Thresholds = make(map[string]ThresholdConfig)
	}
}

// SaveConfig writes the configuration as YAML.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// IsModelEnabled reports whether a model type is configured and enabled.
func (c *Config) IsModelEnabled(name string) bool {
	m, ok := c.Models[name]
	return ok && m.Enabled
}

// EnabledModels returns the enabled model types in display order.
func (c *Config) EnabledModels() []string {
	var out []string
	for _, m := range ModelTypes {
		if c.IsModelEnabled(m) {
			out = append(out, m)
		}
	}
	return out
}

// ModelDir is the artifact directory of a model type.
func (c *Config) ModelDir(name string) string {
	if m, ok := c.Models[name]; ok && m.Dir != "" {
		return m.Dir
	}
	return filepath.Join(c.ArtifactsDir, name)
}

// MaxBatch is the batch cap of a model type.
func (c *Config) MaxBatch(name string) int {
	if m, ok := c.Models[name]; ok && m.MaxBatch > 0 {
		return m.MaxBatch
	}
	return DefaultMaxBatch(name)
}

// Thresholds is the severity table of a model type, falling back to the
// default table for unknown types.
func (c *Config) Thresholds(model string) ThresholdConfig {
	if t, ok := c.Alerts.Thresholds[model]; ok {
		return t
	}
	return c.Alerts.Default
}

// LogLevel returns the configured log level, lowercased.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if at least one API key is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks a key against the configured keys in constant time.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

func isModelType(name string) bool {
	for _, m := range ModelTypes {
		if m == name {
			return true
		}
	}
	return false
}

// Validate checks the configuration. Errors make the config unusable;
// warnings describe settings that work but are probably unintended.
func (c *Config) Validate() (warnings, errs []string) {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if rl := c.Server.RateLimit; rl.Enabled && (rl.RequestsPerSecond <= 0 || rl.Burst <= 0) {
		errs = append(errs, "server.rate_limit requires positive requests_per_second and burst")
	}
	if !c.AuthEnabled() {
		warnings = append(warnings, "no API keys configured; alert and reload endpoints are open")
	}

	for name, m := range c.Models {
		if !isModelType(name) {
			errs = append(errs, fmt.Sprintf("models.%s: unknown model type", name))
			continue
		}
		if m.MaxBatch < 0 {
			errs = append(errs, fmt.Sprintf("models.%s.max_batch must be positive", name))
		}
	}
	if len(c.EnabledModels()) == 0 {
		warnings = append(warnings, "no models enabled; only the alert surface will be served")
	}

	for name, t := range c.Alerts.Thresholds {
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("alerts.thresholds.%s: %v", name, err))
		}
	}
	if err := c.Alerts.Default.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("alerts.default: %v", err))
	}

	switch c.History.Backend {
	case "memory":
		if c.History.MaxSubjects == 0 && c.History.TTL == 0 {
			warnings = append(warnings, "history.max_subjects and history.ttl are unset; memory history grows without bound")
		}
	case "nats":
		if !c.Bus.Enabled {
			errs = append(errs, "history.backend nats requires bus.enabled")
		}
		if c.History.KVBucket == "" {
			errs = append(errs, "history.kv_bucket is required for the nats backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("history.backend %q must be memory or nats", c.History.Backend))
	}
	if c.History.RapidLogin <= 0 || c.History.LongGap <= 0 {
		errs = append(errs, "history.rapid_login and history.long_gap must be positive")
	}

	if c.Archive.Enabled {
		if !c.Bus.Enabled {
			errs = append(errs, "archive.enabled requires bus.enabled")
		}
		if c.Archive.Dir == "" {
			errs = append(errs, "archive.dir is required")
		}
		for i, r := range c.Archive.SampleRules {
			if r.SampleRate < 1 {
				errs = append(errs, fmt.Sprintf("archive.sample_rules[%d].sample_rate must be at least 1", i))
			}
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be console or json", c.Logging.Format))
	}
	return warnings, errs
}
