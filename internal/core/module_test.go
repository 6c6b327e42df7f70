package core

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// mockPredictor is a test double that satisfies the Predictor interface.
type mockPredictor struct {
	name     string
	loadErr  error
	panicMsg string
	closeErr error
	mu       sync.Mutex
	loads    int
	loaded   bool
	closed   *[]string
}

func (m *mockPredictor) ModelType() string   { return m.name }
func (m *mockPredictor) Description() string { return "mock " + m.name }
func (m *mockPredictor) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.loadErr != nil {
		return m.loadErr
	}
	m.loaded = true
	return nil
}
func (m *mockPredictor) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}
func (m *mockPredictor) Close() error {
	if m.closed != nil {
		*m.closed = append(*m.closed, m.name)
	}
	return m.closeErr
}

func newRegistry() *PredictorRegistry {
	return NewPredictorRegistry(zerolog.Nop())
}

// ─── Register ────────────────────────────────────────────────────────────────

func TestPredictorRegistry_Register(t *testing.T) {
	r := newRegistry()
	if err := r.Register(&mockPredictor{name: ModelATO}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
	if err := r.Register(&mockPredictor{name: ModelATO}); err == nil {
		t.Error("expected error registering a duplicate model type")
	}
	if _, ok := r.Get(ModelATO); !ok {
		t.Error("Get(ato) should find the predictor")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) should fail")
	}
}

func TestPredictorRegistry_All_OrderPreserved(t *testing.T) {
	r := newRegistry()
	for _, name := range []string{ModelBruteForce, ModelPhishing, ModelATO} {
		r.Register(&mockPredictor{name: name})
	}
	all := r.All()
	want := []string{ModelBruteForce, ModelPhishing, ModelATO}
	for i, p := range all {
		if p.ModelType() != want[i] {
			t.Errorf("All()[%d] = %s, want %s", i, p.ModelType(), want[i])
		}
	}
}

// ─── LoadAll / ReloadAll ────────────────────────────────────────────────────

func TestPredictorRegistry_LoadAll(t *testing.T) {
	r := newRegistry()
	good := &mockPredictor{name: ModelPhishing}
	bad := &mockPredictor{name: ModelATO, loadErr: errors.New("model.json: no such file")}
	r.Register(good)
	r.Register(bad)

	var seen []string
	r.OnLoad(func(model string, err error) {
		seen = append(seen, model)
	})

	err := r.LoadAll()
	if err == nil || !strings.Contains(err.Error(), "loading ato") {
		t.Fatalf("LoadAll() error = %v, want failure naming ato", err)
	}
	if !good.Ready() {
		t.Error("phishing should still be loaded")
	}
	if got := r.Ready(); len(got) != 1 || got[0] != ModelPhishing {
		t.Errorf("Ready() = %v", got)
	}
	if len(seen) != 2 {
		t.Errorf("OnLoad saw %v", seen)
	}
	m := r.GetMetrics()
	if m["failures"].(map[string]int64)[ModelATO] != 1 {
		t.Errorf("failures = %v", m["failures"])
	}
}

func TestPredictorRegistry_ReloadAll_KeepsGoing(t *testing.T) {
	r := newRegistry()
	r.Register(&mockPredictor{name: ModelPhishing, panicMsg: "corrupt tree"})
	ok := &mockPredictor{name: ModelBruteForce}
	r.Register(ok)

	results := r.ReloadAll()
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].OK || !strings.Contains(results[0].Error, "corrupt tree") {
		t.Errorf("panicking reload = %+v", results[0])
	}
	if !results[1].OK {
		t.Errorf("brute_force reload = %+v", results[1])
	}
	if ok.loads != 1 {
		t.Errorf("brute_force loads = %d", ok.loads)
	}
}

// ─── CloseAll ───────────────────────────────────────────────────────────────

func TestPredictorRegistry_CloseAll_ReverseOrder(t *testing.T) {
	r := newRegistry()
	var closed []string
	for _, name := range ModelTypes {
		r.Register(&mockPredictor{name: name, closed: &closed, closeErr: errors.New("ignored")})
	}
	r.CloseAll()
	want := []string{ModelBruteForce, ModelATO, ModelPhishing}
	if strings.Join(closed, ",") != strings.Join(want, ",") {
		t.Errorf("close order = %v, want %v", closed, want)
	}
}

func TestPredictorRegistry_ConcurrentRead(t *testing.T) {
	r := newRegistry()
	for _, name := range ModelTypes {
		r.Register(&mockPredictor{name: name})
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.All()
			_ = r.Count()
			_, _ = r.Get(ModelATO)
			_ = r.Ready()
		}()
	}
	wg.Wait()
}
