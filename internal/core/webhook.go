package core

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WebhookOptions controls alert webhook delivery.
type WebhookOptions struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	QueueSize      int
	Workers        int
	// CircuitBreaker consecutive failures pause a URL for CircuitPause.
	CircuitBreaker int
	CircuitPause   time.Duration
	Timeout        time.Duration
}

// DefaultWebhookOptions returns the delivery defaults.
func DefaultWebhookOptions() WebhookOptions {
	return WebhookOptions{
		MaxRetries:     4,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		QueueSize:      1000,
		Workers:        4,
		CircuitBreaker: 5,
		CircuitPause:   time.Minute,
		Timeout:        10 * time.Second,
	}
}

type webhookDelivery struct {
	url     string
	alertID string
	body    []byte
}

// WebhookDispatcher posts alerts to webhook URLs from a bounded queue with
// retry, exponential backoff and a per-URL circuit breaker.
type WebhookDispatcher struct {
	logger zerolog.Logger
	opts   WebhookOptions
	client *http.Client
	queue  chan webhookDelivery

	mu         sync.RWMutex
	urls       []string
	failures   map[string]int
	openedAt   map[string]time.Time
	delivered  int64
	dropped    int64
	deadLetter int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookDispatcher starts the delivery workers.
func NewWebhookDispatcher(urls []string, opts WebhookOptions, logger zerolog.Logger) *WebhookDispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &WebhookDispatcher{
		logger:   logger.With().Str("component", "webhook_dispatcher").Logger(),
		opts:     opts,
		client:   &http.Client{Timeout: opts.Timeout},
		queue:    make(chan webhookDelivery, opts.QueueSize),
		urls:     append([]string(nil), urls...),
		failures: make(map[string]int),
		openedAt: make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// SetURLs replaces the target URLs.
func (d *WebhookDispatcher) SetURLs(urls []string) {
	d.mu.Lock()
	d.urls = append([]string(nil), urls...)
	d.mu.Unlock()
}

// URLs returns the configured target URLs.
func (d *WebhookDispatcher) URLs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.urls...)
}

// HandleAlert enqueues the alert for every configured URL. It never blocks;
// a full queue drops the delivery.
func (d *WebhookDispatcher) HandleAlert(alert *Alert) {
	body, err := alert.Marshal()
	if err != nil {
		d.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to marshal alert for webhook")
		return
	}
	for _, url := range d.URLs() {
		select {
		case d.queue <- webhookDelivery{url: url, alertID: alert.ID, body: body}:
		default:
			d.mu.Lock()
			d.dropped++
			d.mu.Unlock()
			d.logger.Warn().Str("url", url).Str("alert_id", alert.ID).Msg("webhook queue full, delivery dropped")
		}
	}
}

// Stop cancels in-flight retries and waits for the workers.
func (d *WebhookDispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Stats returns delivery counters.
func (d *WebhookDispatcher) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]interface{}{
		"urls":         len(d.urls),
		"queue_depth":  len(d.queue),
		"delivered":    d.delivered,
		"dropped":      d.dropped,
		"dead_letters": d.deadLetter,
	}
}

func (d *WebhookDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case del := <-d.queue:
			d.deliver(del)
		}
	}
}

func (d *WebhookDispatcher) deliver(del webhookDelivery) {
	if d.circuitOpen(del.url) {
		d.fail(del, "circuit breaker open")
		return
	}

	backoff := d.opts.InitialBackoff
	var lastErr string
	for attempt := 1; attempt <= d.opts.MaxRetries+1; attempt++ {
		retry, err := d.post(del, attempt)
		if err == nil {
			d.recordSuccess(del.url)
			return
		}
		lastErr = err.Error()
		d.recordFailure(del.url)
		if !retry || attempt > d.opts.MaxRetries {
			break
		}
		select {
		case <-d.ctx.Done():
			d.fail(del, "dispatcher stopped")
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
	}
	d.fail(del, lastErr)
}

// post sends one attempt and reports whether a failure is worth retrying.
func (d *WebhookDispatcher) post(del webhookDelivery, attempt int) (bool, error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, del.url, bytes.NewReader(del.body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "threatwatch-webhook/1.0")
	req.Header.Set("X-ThreatWatch-Alert-ID", del.alertID)
	req.Header.Set("X-ThreatWatch-Attempt", fmt.Sprintf("%d", attempt))

	resp, err := d.client.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("server error: HTTP %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("client error: HTTP %d", resp.StatusCode)
	}
}

func (d *WebhookDispatcher) fail(del webhookDelivery, reason string) {
	d.mu.Lock()
	d.deadLetter++
	d.mu.Unlock()
	d.logger.Warn().
		Str("url", del.url).
		Str("alert_id", del.alertID).
		Str("error", reason).
		Msg("webhook delivery failed")
}

func (d *WebhookDispatcher) circuitOpen(url string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.openedAt[url]; ok {
		if time.Since(at) < d.opts.CircuitPause {
			return true
		}
		// half-open: let one attempt through
		delete(d.openedAt, url)
		d.failures[url] = 0
	}
	return false
}

func (d *WebhookDispatcher) recordFailure(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[url]++
	if d.opts.CircuitBreaker > 0 && d.failures[url] >= d.opts.CircuitBreaker {
		if _, open := d.openedAt[url]; !open {
			d.openedAt[url] = time.Now()
			d.logger.Warn().Str("url", url).Int("failures", d.failures[url]).Msg("circuit breaker opened for webhook URL")
		}
	}
}

func (d *WebhookDispatcher) recordSuccess(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[url] = 0
	delete(d.openedAt, url)
	d.delivered++
}
