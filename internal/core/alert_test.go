package core

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ─── AlertStatus ────────────────────────────────────────────────────────────

func TestAlertStatus_String(t *testing.T) {
	cases := []struct {
		status AlertStatus
		want   string
	}{
		{AlertStatusUnread, "unread"},
		{AlertStatusRead, "read"},
		{AlertStatusAcknowledged, "acknowledged"},
		{AlertStatus(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("AlertStatus(%d).String() = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestParseAlertStatus(t *testing.T) {
	cases := []struct {
		input string
		want  AlertStatus
		ok    bool
	}{
		{"unread", AlertStatusUnread, true},
		{"READ", AlertStatusRead, true},
		{"acknowledged", AlertStatusAcknowledged, true},
		{"ack", AlertStatusAcknowledged, true},
		{"resolved", AlertStatusUnread, false},
		{"", AlertStatusUnread, false},
	}
	for _, tc := range cases {
		got, ok := ParseAlertStatus(tc.input)
		if ok != tc.ok {
			t.Errorf("ParseAlertStatus(%q) ok=%v, want %v", tc.input, ok, tc.ok)
		}
		if ok && got != tc.want {
			t.Errorf("ParseAlertStatus(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to AlertStatus
		want     bool
	}{
		{AlertStatusUnread, AlertStatusRead, true},
		{AlertStatusUnread, AlertStatusAcknowledged, true},
		{AlertStatusRead, AlertStatusAcknowledged, true},
		{AlertStatusRead, AlertStatusUnread, false},
		{AlertStatusAcknowledged, AlertStatusRead, false},
		{AlertStatusAcknowledged, AlertStatusUnread, false},
		{AlertStatusUnread, AlertStatusUnread, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("canTransition(%v, %v) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

// ─── NewAlert ───────────────────────────────────────────────────────────────

func TestNewAlert(t *testing.T) {
	alert := NewAlert("phishing", SeverityHigh, "Title", "Desc")

	if alert.ID == "" {
		t.Error("expected non-empty alert ID")
	}
	if alert.Status != AlertStatusUnread {
		t.Errorf("status = %v, want unread", alert.Status)
	}
	if alert.ModelType != "phishing" {
		t.Errorf("model type = %q", alert.ModelType)
	}
	if alert.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
	if alert.ReadAt != nil || alert.AcknowledgedAt != nil {
		t.Error("new alert should have no lifecycle timestamps")
	}
}

func TestAlert_Marshal(t *testing.T) {
	alert := NewAlert("ato", SeverityCritical, "Title", "Desc")
	alert.Snapshot = json.RawMessage(`{"confidence":97.5}`)

	data, err := alert.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	raw := string(data)
	for _, want := range []string{alert.ID, `"status":"unread"`, `"severity":"critical"`, `"raw_data":{"confidence":97.5}`} {
		if !strings.Contains(raw, want) {
			t.Errorf("marshaled JSON missing %s: %s", want, raw)
		}
	}
	if strings.Contains(raw, "read_at") {
		t.Error("read_at should be omitted while unread")
	}
}

// ─── AlertPipeline ──────────────────────────────────────────────────────────

func newTestPipeline() *AlertPipeline {
	return NewAlertPipeline(zerolog.Nop())
}

func newTestAlert(model string, severity Severity) *Alert {
	return NewAlert(model, severity, "Title", "Desc")
}

func TestAlertPipeline_Process_Store(t *testing.T) {
	p := newTestPipeline()
	p.Process(newTestAlert("phishing", SeverityHigh))

	if p.Count() != 1 {
		t.Errorf("expected 1 alert, got %d", p.Count())
	}
	if p.UnreadCount() != 1 {
		t.Errorf("expected 1 unread alert, got %d", p.UnreadCount())
	}
}

func TestAlertPipeline_Process_HandlerCalled(t *testing.T) {
	p := newTestPipeline()
	var called int
	p.AddHandler(func(a *Alert) { called++ })
	p.AddHandler(func(a *Alert) { panic("boom") })
	p.AddHandler(func(a *Alert) { called++ })

	p.Process(newTestAlert("ato", SeverityMedium))

	if called != 2 {
		t.Errorf("expected 2 handler calls despite a panicking handler, got %d", called)
	}
}

func TestAlertPipeline_List_Filtering(t *testing.T) {
	p := newTestPipeline()
	p.Process(newTestAlert("phishing", SeverityMedium))
	p.Process(newTestAlert("phishing", SeverityHigh))
	p.Process(newTestAlert("ato", SeverityHigh))
	p.Process(newTestAlert("brute_force", SeverityCritical))

	if got := p.List(AlertFilter{Severity: SeverityHigh}); len(got) != 2 {
		t.Errorf("expected 2 high alerts, got %d", len(got))
	}
	if got := p.List(AlertFilter{ModelType: "phishing"}); len(got) != 2 {
		t.Errorf("expected 2 phishing alerts, got %d", len(got))
	}
	read := AlertStatusRead
	if got := p.List(AlertFilter{Status: &read}); len(got) != 0 {
		t.Errorf("expected no read alerts, got %d", len(got))
	}
}

func TestAlertPipeline_List_SkipLimitNewestFirst(t *testing.T) {
	p := newTestPipeline()
	var ids []string
	for i := 0; i < 5; i++ {
		a := newTestAlert("ato", SeverityHigh)
		ids = append(ids, a.ID)
		p.Process(a)
	}

	got := p.List(AlertFilter{Limit: 2})
	if len(got) != 2 {
		t.Fatalf("expected 2 alerts with limit=2, got %d", len(got))
	}
	if got[0].ID != ids[4] || got[1].ID != ids[3] {
		t.Errorf("expected newest first, got %q,%q", got[0].ID, got[1].ID)
	}

	got = p.List(AlertFilter{Skip: 3, Limit: 10})
	if len(got) != 2 || got[0].ID != ids[1] {
		t.Errorf("skip=3 should return the two oldest alerts, got %d", len(got))
	}
}

func TestAlertPipeline_Query_TotalCountsAllPages(t *testing.T) {
	p := newTestPipeline()
	for i := 0; i < 5; i++ {
		p.Process(newTestAlert("ato", SeverityHigh))
	}
	p.Process(newTestAlert("phishing", SeverityHigh))

	page, total := p.Query(AlertFilter{ModelType: "ato", Skip: 1, Limit: 2})
	if len(page) != 2 {
		t.Errorf("page size = %d, want 2", len(page))
	}
	if total != 5 {
		t.Errorf("total = %d, want 5 matching alerts", total)
	}

	page, total = p.Query(AlertFilter{ModelType: "ato", Skip: 10})
	if len(page) != 0 || total != 5 {
		t.Errorf("skip past the end: page=%d total=%d", len(page), total)
	}
}

func TestAlertPipeline_View_MarksReadOnce(t *testing.T) {
	p := newTestPipeline()
	alert := newTestAlert("phishing", SeverityHigh)
	p.Process(alert)

	first, err := p.View(alert.ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if first.Status != AlertStatusRead || first.ReadAt == nil {
		t.Fatalf("first view should mark read, got %v", first.Status)
	}

	second, err := p.View(alert.ID)
	if err != nil {
		t.Fatalf("second View: %v", err)
	}
	if !second.ReadAt.Equal(*first.ReadAt) {
		t.Error("second view should not move ReadAt")
	}

	if _, err := p.View("missing"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestAlertPipeline_Get_DoesNotMarkRead(t *testing.T) {
	p := newTestPipeline()
	alert := newTestAlert("ato", SeverityMedium)
	p.Process(alert)

	got, ok := p.Get(alert.ID)
	if !ok || got.Status != AlertStatusUnread {
		t.Fatalf("Get should return the unread alert, got %v ok=%v", got, ok)
	}
}

func TestAlertPipeline_Acknowledge(t *testing.T) {
	p := newTestPipeline()
	alert := newTestAlert("brute_force", SeverityCritical)
	p.Process(alert)

	acked, err := p.Acknowledge(alert.ID, "analyst-7")
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if acked.Status != AlertStatusAcknowledged {
		t.Errorf("status = %v, want acknowledged", acked.Status)
	}
	if acked.AcknowledgedBy != "analyst-7" || acked.AcknowledgedAt == nil {
		t.Error("acknowledgment should record actor and timestamp")
	}
	if acked.ReadAt != nil {
		t.Error("direct unread → acknowledged should not set ReadAt")
	}

	again, err := p.Acknowledge(alert.ID, "someone-else")
	if err != nil {
		t.Fatalf("re-acknowledge should be a no-op, got %v", err)
	}
	if again.AcknowledgedBy != "analyst-7" {
		t.Error("re-acknowledge must not overwrite the original actor")
	}

	if _, err := p.Acknowledge("missing", "x"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestAlertPipeline_NoTransitionOutOfAcknowledged(t *testing.T) {
	p := newTestPipeline()
	alert := newTestAlert("ato", SeverityHigh)
	p.Process(alert)
	if _, err := p.Acknowledge(alert.ID, "a"); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Transition(alert.ID, AlertStatusRead, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("acknowledged → read should be rejected, got %v", err)
	}
	viewed, err := p.View(alert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if viewed.Status != AlertStatusAcknowledged {
		t.Errorf("viewing an acknowledged alert changed status to %v", viewed.Status)
	}
	if p.MarkAllRead() != 0 {
		t.Error("MarkAllRead should not touch acknowledged alerts")
	}
}

func TestAlertPipeline_BulkAcknowledge(t *testing.T) {
	p := newTestPipeline()
	a1 := newTestAlert("phishing", SeverityHigh)
	a2 := newTestAlert("phishing", SeverityMedium)
	a3 := newTestAlert("phishing", SeverityCritical)
	for _, a := range []*Alert{a1, a2, a3} {
		p.Process(a)
	}
	if _, err := p.View(a2.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acknowledge(a3.ID, "first"); err != nil {
		t.Fatal(err)
	}

	n := p.BulkAcknowledge([]string{a1.ID, a2.ID, a3.ID, "ghost"}, "lead")
	if n != 2 {
		t.Errorf("BulkAcknowledge changed %d alerts, want 2", n)
	}
	got, _ := p.Get(a3.ID)
	if got.AcknowledgedBy != "first" {
		t.Error("bulk acknowledge must skip already-acknowledged alerts")
	}
	got, _ = p.Get(a1.ID)
	if got.AcknowledgedBy != "lead" || got.Status != AlertStatusAcknowledged {
		t.Error("bulk acknowledge should record the actor")
	}
}

func TestAlertPipeline_MarkAllRead(t *testing.T) {
	p := newTestPipeline()
	a1 := newTestAlert("ato", SeverityHigh)
	a2 := newTestAlert("ato", SeverityHigh)
	a3 := newTestAlert("ato", SeverityHigh)
	for _, a := range []*Alert{a1, a2, a3} {
		p.Process(a)
	}
	if _, err := p.Acknowledge(a3.ID, "x"); err != nil {
		t.Fatal(err)
	}

	if n := p.MarkAllRead(); n != 2 {
		t.Errorf("MarkAllRead = %d, want 2", n)
	}
	if p.UnreadCount() != 0 {
		t.Errorf("unread count = %d after MarkAllRead", p.UnreadCount())
	}
	got, _ := p.Get(a3.ID)
	if got.Status != AlertStatusAcknowledged {
		t.Error("acknowledged alert should stay acknowledged")
	}
}

func TestAlertPipeline_OnTransition(t *testing.T) {
	p := newTestPipeline()
	var moves []string
	p.OnTransition(func(a *Alert, from AlertStatus) {
		moves = append(moves, from.String()+"->"+a.Status.String())
	})
	alert := newTestAlert("ato", SeverityHigh)
	p.Process(alert)
	_, _ = p.View(alert.ID)
	_, _ = p.View(alert.ID)
	_, _ = p.Acknowledge(alert.ID, "x")

	want := []string{"unread->read", "read->acknowledged"}
	if strings.Join(moves, ",") != strings.Join(want, ",") {
		t.Errorf("transitions = %v, want %v", moves, want)
	}
}

func TestAlertPipeline_Stats(t *testing.T) {
	p := newTestPipeline()
	crit := newTestAlert("ato", SeverityCritical)
	p.Process(crit)
	p.Process(newTestAlert("ato", SeverityHigh))
	read := newTestAlert("ato", SeverityMedium)
	p.Process(read)
	_, _ = p.View(read.ID)
	_, _ = p.Acknowledge(crit.ID, "x")

	s := p.Stats()
	if s.Total != 3 {
		t.Errorf("total = %d, want 3", s.Total)
	}
	if s.Unread != 1 {
		t.Errorf("unread = %d, want 1", s.Unread)
	}
	if s.BySeverity["critical"] != 0 || s.BySeverity["high"] != 1 || s.BySeverity["medium"] != 1 {
		t.Errorf("by_severity = %v", s.BySeverity)
	}
}

func TestAlertPipeline_ReturnsCopies(t *testing.T) {
	p := newTestPipeline()
	alert := newTestAlert("ato", SeverityHigh)
	p.Process(alert)

	got, _ := p.Get(alert.ID)
	got.Status = AlertStatusAcknowledged
	got.Title = "mutated"

	again, _ := p.Get(alert.ID)
	if again.Status != AlertStatusUnread || again.Title != "Title" {
		t.Error("callers must not be able to mutate stored alerts")
	}
}

func TestAlertPipeline_ConcurrentAccess(t *testing.T) {
	p := newTestPipeline()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(4)
		go func() {
			defer wg.Done()
			a := newTestAlert("ato", SeverityHigh)
			p.Process(a)
			_, _ = p.View(a.ID)
		}()
		go func() {
			defer wg.Done()
			p.List(AlertFilter{Limit: 10})
		}()
		go func() {
			defer wg.Done()
			p.MarkAllRead()
		}()
		go func() {
			defer wg.Done()
			p.Stats()
		}()
	}
	wg.Wait()

	if p.Count() != 50 {
		t.Errorf("expected 50 alerts, got %d", p.Count())
	}
}

func TestAlertPipeline_TimestampsUseClock(t *testing.T) {
	p := newTestPipeline()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	alert := newTestAlert("ato", SeverityHigh)
	p.Process(alert)
	got, err := p.Acknowledge(alert.ID, "x")
	if err != nil {
		t.Fatal(err)
	}
	if !got.AcknowledgedAt.Equal(fixed) {
		t.Errorf("AcknowledgedAt = %v, want %v", got.AcknowledgedAt, fixed)
	}
}
