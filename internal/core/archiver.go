package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/threatwatch/threatwatch/internal/storage"
)

// Archive record types.
const (
	RecordPrediction = "prediction"
	RecordAlert      = "alert"
)

// Archiver consumes predictions and alerts from JetStream and writes them to
// NDJSON files. Closed files are handed to an optional uploader.
type Archiver struct {
	cfg      ArchiveConfig
	bus      *EventBus
	uploader storage.Uploader
	logger   zerolog.Logger
	now      func() time.Time

	ctx     context.Context
	uploads sync.WaitGroup

	mu           sync.Mutex
	currentFile  *os.File
	currentGz    *gzip.Writer
	currentPath  string
	currentBytes int64
	fileOpenedAt time.Time

	predictionsArchived int64
	alertsArchived      int64
	predictionsSampled  int64
	filesRotated        int64
	filesUploaded       int64
	uploadFailures      int64
	bytesWritten        int64
	sampleCounters      map[string]int64
}

// NewArchiver creates an archiver. uploader may be nil.
func NewArchiver(cfg ArchiveConfig, bus *EventBus, uploader storage.Uploader, logger zerolog.Logger) (*Archiver, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive dir %s: %w", cfg.Dir, err)
	}
	if cfg.RotateInterval <= 0 {
		cfg.RotateInterval = time.Hour
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = 100 * 1024 * 1024
	}

	return &Archiver{
		cfg:            cfg,
		bus:            bus,
		uploader:       uploader,
		logger:         logger.With().Str("component", "archiver").Logger(),
		now:            time.Now,
		ctx:            context.Background(),
		sampleCounters: make(map[string]int64),
	}, nil
}

// Start subscribes with durable consumers and starts the rotation ticker.
// The current file is closed and uploaded when ctx is done.
func (a *Archiver) Start(ctx context.Context) error {
	a.ctx = ctx

	if err := a.bus.Subscribe(PredictionsSubject+".>", "threatwatch-archive-predictions", func(msg *nats.Msg) bool {
		if a.shouldSample(msg.Data) {
			return true
		}
		return a.writeRecord(RecordPrediction, msg.Data)
	}); err != nil {
		return fmt.Errorf("archiver subscribing to predictions: %w", err)
	}

	if err := a.bus.Subscribe(AlertsSubject+".>", "threatwatch-archive-alerts", func(msg *nats.Msg) bool {
		return a.writeRecord(RecordAlert, msg.Data)
	}); err != nil {
		return fmt.Errorf("archiver subscribing to alerts: %w", err)
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.closeFile()
				return
			case <-ticker.C:
				a.rotateIfStale()
			}
		}
	}()

	a.logger.Info().
		Str("dir", a.cfg.Dir).
		Str("rotate_interval", a.cfg.RotateInterval.String()).
		Int64("rotate_bytes", a.cfg.RotateBytes).
		Bool("compress", a.cfg.Compress).
		Bool("upload", a.uploader != nil).
		Msg("archiver started")

	return nil
}

// Wait blocks until in-flight uploads finish.
func (a *Archiver) Wait() {
	a.uploads.Wait()
}

// Close rotates out the current file and waits for its upload.
func (a *Archiver) Close() {
	a.closeFile()
	a.uploads.Wait()
}

// archiveRecord is the NDJSON envelope written to archive files.
type archiveRecord struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data"`
}

// writeRecord appends one envelope and reports whether it was written.
func (a *Archiver) writeRecord(recordType string, data []byte) bool {
	line, err := json.Marshal(archiveRecord{
		Type:      recordType,
		Timestamp: a.now().UTC(),
		Data:      json.RawMessage(data),
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to marshal archive record")
		// a malformed payload never gets better on redelivery
		return true
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.currentFile == nil {
		if err := a.openFileLocked(); err != nil {
			a.logger.Error().Err(err).Msg("failed to open archive file")
			return false
		}
	}

	var n int
	if a.currentGz != nil {
		n, err = a.currentGz.Write(line)
	} else {
		n, err = a.currentFile.Write(line)
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to write archive record")
		return false
	}

	a.currentBytes += int64(n)
	a.bytesWritten += int64(n)
	switch recordType {
	case RecordPrediction:
		a.predictionsArchived++
	case RecordAlert:
		a.alertsArchived++
	}

	if a.currentBytes >= a.cfg.RotateBytes {
		a.rotateFileLocked()
	}
	return true
}

func (a *Archiver) openFileLocked() error {
	now := a.now().UTC()
	ext := ".ndjson"
	if a.cfg.Compress {
		ext = ".ndjson.gz"
	}
	filename := fmt.Sprintf("threatwatch-%s-%09d%s", now.Format("20060102T150405Z"), now.Nanosecond(), ext)
	path := filepath.Join(a.cfg.Dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	a.currentFile = f
	a.currentPath = path
	a.currentBytes = 0
	a.fileOpenedAt = now

	if a.cfg.Compress {
		gz, err := gzip.NewWriterLevel(f, gzip.BestSpeed)
		if err != nil {
			f.Close()
			a.currentFile = nil
			return err
		}
		a.currentGz = gz
	}

	a.logger.Debug().Str("file", filename).Msg("opened archive file")
	return nil
}

func (a *Archiver) rotateIfStale() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentFile != nil && a.now().Sub(a.fileOpenedAt) >= a.cfg.RotateInterval {
		a.rotateFileLocked()
	}
}

func (a *Archiver) rotateFileLocked() {
	if path := a.closeFileLocked(); path != "" {
		a.filesRotated++
		a.uploadAsync(path)
	}
}

func (a *Archiver) closeFile() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rotateFileLocked()
}

// closeFileLocked flushes and closes the current file and returns its path,
// or "" when no file was open.
func (a *Archiver) closeFileLocked() string {
	if a.currentFile == nil {
		return ""
	}
	if a.currentGz != nil {
		if err := a.currentGz.Close(); err != nil {
			a.logger.Error().Err(err).Str("file", a.currentPath).Msg("failed to flush archive file")
		}
		a.currentGz = nil
	}
	if err := a.currentFile.Close(); err != nil {
		a.logger.Error().Err(err).Str("file", a.currentPath).Msg("failed to close archive file")
	}
	a.currentFile = nil
	return a.currentPath
}

func (a *Archiver) uploadAsync(path string) {
	if a.uploader == nil {
		return
	}
	// uploads outlive Start's ctx so the final file still ships on shutdown
	ctx := context.WithoutCancel(a.ctx)
	a.uploads.Add(1)
	go func() {
		defer a.uploads.Done()
		key, err := a.uploader.UploadFile(ctx, path)

		a.mu.Lock()
		defer a.mu.Unlock()
		if err != nil {
			a.uploadFailures++
			a.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("archive upload failed")
			return
		}
		a.filesUploaded++
		a.logger.Debug().Str("file", filepath.Base(path)).Str("key", key).Msg("archive uploaded")
	}()
}

// shouldSample returns true if this prediction should be DROPPED. Alerts are
// never sampled. The first rule matching model and label decides.
func (a *Archiver) shouldSample(data []byte) bool {
	a.mu.Lock()
	rules := a.cfg.SampleRules
	a.mu.Unlock()
	if len(rules) == 0 {
		return false
	}

	var partial struct {
		ModelType string `json:"model_type"`
		Label     string `json:"label"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return false
	}

	for _, rule := range rules {
		if rule.Model != "" && rule.Model != partial.ModelType {
			continue
		}
		if rule.Label != "" && rule.Label != partial.Label {
			continue
		}
		if rule.SampleRate <= 1 {
			return false
		}

		a.mu.Lock()
		key := rule.Model + ":" + rule.Label
		a.sampleCounters[key]++
		drop := a.sampleCounters[key]%int64(rule.SampleRate) != 0
		if drop {
			a.predictionsSampled++
		}
		a.mu.Unlock()
		return drop
	}
	return false
}

func (a *Archiver) setSampleRules(rules []SampleRule) {
	a.mu.Lock()
	a.cfg.SampleRules = rules
	a.sampleCounters = make(map[string]int64)
	a.mu.Unlock()
}

// Status returns archiver counters for the API.
func (a *Archiver) Status() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]interface{}{
		"enabled":              a.cfg.Enabled,
		"dir":                  a.cfg.Dir,
		"predictions_archived": a.predictionsArchived,
		"alerts_archived":      a.alertsArchived,
		"predictions_sampled":  a.predictionsSampled,
		"files_rotated":        a.filesRotated,
		"files_uploaded":       a.filesUploaded,
		"upload_failures":      a.uploadFailures,
		"bytes_written":        a.bytesWritten,
		"current_file":         filepath.Base(a.currentPath),
		"current_bytes":        a.currentBytes,
		"compress":             a.cfg.Compress,
	}
}
