package core

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// AlertStatus is the lifecycle state of an alert.
//
//	unread ──> read ──> acknowledged
//	   └────────────────────^
//
// acknowledged is terminal.
type AlertStatus int

const (
	AlertStatusUnread AlertStatus = iota
	AlertStatusRead
	AlertStatusAcknowledged
)

func (s AlertStatus) String() string {
	switch s {
	case AlertStatusUnread:
		return "unread"
	case AlertStatusRead:
		return "read"
	case AlertStatusAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}

func (s AlertStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *AlertStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, ok := ParseAlertStatus(str)
	if !ok {
		return errors.New("unknown alert status " + str)
	}
	*s = parsed
	return nil
}

// ParseAlertStatus converts a status string (case-insensitive) to an AlertStatus.
func ParseAlertStatus(s string) (AlertStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unread":
		return AlertStatusUnread, true
	case "read":
		return AlertStatusRead, true
	case "acknowledged", "ack":
		return AlertStatusAcknowledged, true
	default:
		return AlertStatusUnread, false
	}
}

// canTransition reports whether from → to is a legal forward move.
func canTransition(from, to AlertStatus) bool {
	switch from {
	case AlertStatusUnread:
		return to == AlertStatusRead || to == AlertStatusAcknowledged
	case AlertStatusRead:
		return to == AlertStatusAcknowledged
	default:
		return false
	}
}

// Alert is a threat notification raised from a batch prediction.
type Alert struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Severity        Severity        `json:"severity"`
	Status          AlertStatus     `json:"status"`
	ModelType       string          `json:"model_type"`
	BatchID         string          `json:"batch_id"`
	RecordIndex     int             `json:"prediction_index"`
	Confidence      float64         `json:"confidence"`
	PredictionLabel string          `json:"prediction_label"`
	RiskLevel       string          `json:"risk_level"`
	Snapshot        json.RawMessage `json:"raw_data,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ReadAt          *time.Time      `json:"read_at,omitempty"`
	AcknowledgedAt  *time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string          `json:"acknowledged_by,omitempty"`
}

// NewAlert creates an unread alert with a generated ID.
func NewAlert(modelType string, severity Severity, title, description string) *Alert {
	return &Alert{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Severity:    severity,
		Status:      AlertStatusUnread,
		ModelType:   modelType,
		CreatedAt:   time.Now().UTC(),
	}
}

// Marshal serializes the alert to JSON.
func (a *Alert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

func (a *Alert) clone() *Alert {
	c := *a
	if a.ReadAt != nil {
		t := *a.ReadAt
		c.ReadAt = &t
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.Snapshot != nil {
		c.Snapshot = append(json.RawMessage(nil), a.Snapshot...)
	}
	return &c
}

// AlertHandler is called for every new alert.
type AlertHandler func(alert *Alert)

// TransitionHandler is called after an alert changes status.
type TransitionHandler func(alert *Alert, from AlertStatus)

// AlertFilter narrows List results. Zero values match everything.
type AlertFilter struct {
	Status    *AlertStatus
	Severity  Severity
	ModelType string
	Skip      int
	Limit     int
}

// AlertStats summarizes the store for dashboards.
type AlertStats struct {
	Total      int            `json:"total"`
	Unread     int            `json:"unread"`
	BySeverity map[string]int `json:"by_severity"`
}

// AlertPipeline stores alerts and drives their lifecycle. Alerts are never
// evicted; only status transitions mutate them.
type AlertPipeline struct {
	mu          sync.RWMutex
	alerts      []*Alert
	byID        map[string]*Alert
	handlers    []AlertHandler
	transitions []TransitionHandler
	logger      zerolog.Logger
	now         func() time.Time
}

// NewAlertPipeline creates an empty alert store.
func NewAlertPipeline(logger zerolog.Logger) *AlertPipeline {
	return &AlertPipeline{
		alerts: make([]*Alert, 0, 256),
		byID:   make(map[string]*Alert),
		logger: logger.With().Str("component", "alert_pipeline").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AddHandler registers a handler invoked for every new alert.
func (p *AlertPipeline) AddHandler(h AlertHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// OnTransition registers a handler invoked after each status change.
func (p *AlertPipeline) OnTransition(h TransitionHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, h)
}

// Process stores a new alert and fans it out to the registered handlers.
func (p *AlertPipeline) Process(alert *Alert) {
	p.mu.Lock()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = p.now()
	}
	stored := alert.clone()
	p.alerts = append(p.alerts, stored)
	p.byID[stored.ID] = stored
	handlers := make([]AlertHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, h := range handlers {
		p.safeCall(func() { h(stored.clone()) })
	}
}

func (p *AlertPipeline) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("alert handler panicked")
		}
	}()
	fn()
}

// List returns alerts matching the filter, newest first.
func (p *AlertPipeline) List(f AlertFilter) []*Alert {
	page, _ := p.Query(f)
	return page
}

// Query returns one page of matching alerts, newest first, and the number of
// alerts matching the filter across all pages.
func (p *AlertPipeline) Query(f AlertFilter) ([]*Alert, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	result := make([]*Alert, 0, limit)
	total := 0
	for i := len(p.alerts) - 1; i >= 0; i-- {
		a := p.alerts[i]
		if !f.matches(a) {
			continue
		}
		if total >= f.Skip && len(result) < limit {
			result = append(result, a.clone())
		}
		total++
	}
	return result, total
}

func (f AlertFilter) matches(a *Alert) bool {
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.Severity != SeverityUnknown && a.Severity != f.Severity {
		return false
	}
	return f.ModelType == "" || a.ModelType == f.ModelType
}

// Get returns a copy of the alert without changing its status.
func (p *AlertPipeline) Get(id string) (*Alert, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// View returns the alert for a viewer and marks it read the first time.
// Alerts already past unread are returned unchanged.
func (p *AlertPipeline) View(id string) (*Alert, error) {
	a, err := p.transition(id, AlertStatusRead, "")
	if errors.Is(err, ErrInvalidTransition) {
		cur, _ := p.Get(id)
		return cur, nil
	}
	return a, err
}

// Acknowledge moves an alert to acknowledged, recording who did it.
// Acknowledging an acknowledged alert is a no-op.
func (p *AlertPipeline) Acknowledge(id, actor string) (*Alert, error) {
	a, err := p.transition(id, AlertStatusAcknowledged, actor)
	if errors.Is(err, ErrInvalidTransition) {
		cur, _ := p.Get(id)
		return cur, nil
	}
	return a, err
}

// Transition applies an explicit status change. Backward moves return
// ErrInvalidTransition and leave the alert untouched.
func (p *AlertPipeline) Transition(id string, to AlertStatus, actor string) (*Alert, error) {
	return p.transition(id, to, actor)
}

func (p *AlertPipeline) transition(id string, to AlertStatus, actor string) (*Alert, error) {
	p.mu.Lock()
	a, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return nil, ErrAlertNotFound
	}
	from := a.Status
	if !canTransition(from, to) {
		p.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	p.applyLocked(a, to, actor)
	out := a.clone()
	hooks := p.transitionHooksLocked()
	p.mu.Unlock()

	p.notifyTransition(hooks, out, from)
	return out, nil
}

func (p *AlertPipeline) applyLocked(a *Alert, to AlertStatus, actor string) {
	now := p.now()
	a.Status = to
	switch to {
	case AlertStatusRead:
		a.ReadAt = &now
	case AlertStatusAcknowledged:
		a.AcknowledgedAt = &now
		a.AcknowledgedBy = actor
	}
}

func (p *AlertPipeline) transitionHooksLocked() []TransitionHandler {
	hooks := make([]TransitionHandler, len(p.transitions))
	copy(hooks, p.transitions)
	return hooks
}

func (p *AlertPipeline) notifyTransition(hooks []TransitionHandler, a *Alert, from AlertStatus) {
	for _, h := range hooks {
		p.safeCall(func() { h(a, from) })
	}
}

// BulkAcknowledge acknowledges every listed alert that is not already
// acknowledged. Unknown IDs are skipped. Returns the number changed.
func (p *AlertPipeline) BulkAcknowledge(ids []string, actor string) int {
	return p.bulk(AlertStatusAcknowledged, actor, func(yield func(*Alert)) {
		for _, id := range ids {
			if a, ok := p.byID[id]; ok {
				yield(a)
			}
		}
	})
}

// MarkAllRead moves every unread alert to read. Acknowledged alerts are untouched.
func (p *AlertPipeline) MarkAllRead() int {
	return p.bulk(AlertStatusRead, "", func(yield func(*Alert)) {
		for _, a := range p.alerts {
			if a.Status == AlertStatusUnread {
				yield(a)
			}
		}
	})
}

func (p *AlertPipeline) bulk(to AlertStatus, actor string, each func(yield func(*Alert))) int {
	type change struct {
		alert *Alert
		from  AlertStatus
	}

	p.mu.Lock()
	var changed []change
	each(func(a *Alert) {
		from := a.Status
		if !canTransition(from, to) {
			return
		}
		p.applyLocked(a, to, actor)
		changed = append(changed, change{alert: a.clone(), from: from})
	})
	hooks := p.transitionHooksLocked()
	p.mu.Unlock()

	for _, c := range changed {
		p.notifyTransition(hooks, c.alert, c.from)
	}
	return len(changed)
}

// UnreadCount returns the number of unread alerts.
func (p *AlertPipeline) UnreadCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, a := range p.alerts {
		if a.Status == AlertStatusUnread {
			n++
		}
	}
	return n
}

// Stats counts alerts. by_severity only includes alerts not yet acknowledged.
func (p *AlertPipeline) Stats() AlertStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := AlertStats{
		Total: len(p.alerts),
		BySeverity: map[string]int{
			SeverityCritical.String(): 0,
			SeverityHigh.String():     0,
			SeverityMedium.String():   0,
		},
	}
	for _, a := range p.alerts {
		if a.Status == AlertStatusUnread {
			stats.Unread++
		}
		if a.Status != AlertStatusAcknowledged {
			stats.BySeverity[a.Severity.String()]++
		}
	}
	return stats
}

// Count returns the total number of stored alerts.
func (p *AlertPipeline) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.alerts)
}
