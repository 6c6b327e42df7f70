package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/threatwatch/threatwatch/internal/alerting"
	"github.com/threatwatch/threatwatch/internal/core"
	"github.com/threatwatch/threatwatch/internal/scoring"
)

// Server is the ThreatWatch REST API server.
type Server struct {
	engine     *core.Engine
	scorers    map[string]scoring.Scorer
	thresholds *alerting.Table
	server     *http.Server
	logger     zerolog.Logger
	listener   net.Listener
}

// NewServer creates the API server for the given scorers. thresholds is the
// live severity table reported by the alerts API.
func NewServer(engine *core.Engine, scorers map[string]scoring.Scorer, thresholds *alerting.Table) *Server {
	s := &Server{
		engine:     engine,
		scorers:    scorers,
		thresholds: thresholds,
		logger:     engine.Logger.With().Str("component", "api_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/reload", s.handleReloadModels)
	mux.HandleFunc("POST /api/v1/reload/config", s.handleReloadConfig)
	mux.HandleFunc("GET /api/v1/logs", s.handleLogs)

	mux.HandleFunc("GET /api/v1/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/v1/alerts/unread-count", s.handleUnreadCount)
	mux.HandleFunc("GET /api/v1/alerts/stats", s.handleAlertStats)
	mux.HandleFunc("GET /api/v1/alerts/thresholds", s.handleThresholds)
	mux.HandleFunc("GET /api/v1/alerts/{id}", s.handleAlertByID)
	mux.HandleFunc("PATCH /api/v1/alerts/{id}", s.handleAlertTransition)
	mux.HandleFunc("POST /api/v1/alerts/{id}/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("POST /api/v1/alerts/acknowledge", s.handleBulkAcknowledge)
	mux.HandleFunc("POST /api/v1/alerts/mark-all-read", s.handleMarkAllRead)

	for _, m := range core.ModelTypes {
		sc, ok := scorers[m]
		if !ok {
			continue
		}
		prefix := "/v1/" + m
		mux.HandleFunc("GET "+prefix+"/health", s.modelHealth(sc))
		mux.HandleFunc("POST "+prefix+"/predict", s.predict(sc))
		mux.HandleFunc("POST "+prefix+"/predict/batch", s.predictBatch(sc))
		mux.HandleFunc("GET "+prefix+"/model/info", s.modelInfo(sc))
	}

	cfg := engine.Config
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(engine.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// CORS -> logging -> rate limit -> auth -> recover -> handler
	var handler http.Handler = recoverMiddleware(mux, s.logger)
	handler = authMiddleware(handler, engine, cfg.Metrics.Path, s.logger)
	if cfg.Server.RateLimit.Enabled {
		handler = rateLimitMiddleware(engine.Context(), handler, cfg.Server.RateLimit, cfg.Metrics.Path)
	}
	handler = loggingMiddleware(handler, s.logger)
	handler = corsMiddleware(handler, engine)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server starting")
	if s.engine.AuthEnabled() {
		s.logger.Info().Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled, set api_keys in config or THREATWATCH_API_KEY")
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Addr is the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	ready := s.engine.Registry.Ready()
	if len(ready) < len(s.scorers) {
		status = "degraded"
	}
	if ready == nil {
		ready = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"models_loaded": ready,
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	models := make([]map[string]interface{}, 0, len(s.scorers))
	for _, p := range s.engine.Registry.All() {
		entry := map[string]interface{}{
			"model_type":  p.ModelType(),
			"description": p.Description(),
			"ready":       p.Ready(),
		}
		if sc, ok := s.scorers[p.ModelType()]; ok {
			entry["model_name"] = sc.ModelName()
		}
		models = append(models, entry)
	}

	status := map[string]interface{}{
		"version":         scoring.Version,
		"status":          "running",
		"uptime_seconds":  int64(s.engine.Uptime().Seconds()),
		"models":          models,
		"alerts_total":    s.engine.Pipeline.Count(),
		"alerts_unread":   s.engine.Pipeline.UnreadCount(),
		"bus_connected":   s.engine.Bus != nil && s.engine.Bus.IsConnected(),
		"history_backend": "",
		"webhooks":        s.engine.Webhooks.Stats(),
		"registry":        s.engine.Registry.GetMetrics(),
		"timestamp":       time.Now().UTC(),
	}
	if s.engine.History != nil {
		status["history_backend"] = s.engine.History.Backend()
	}
	if s.engine.Bus != nil {
		status["bus"] = s.engine.Bus.GetMetrics()
	}
	if s.engine.Archiver != nil {
		status["archive"] = s.engine.Archiver.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReloadModels(w http.ResponseWriter, r *http.Request) {
	results := s.engine.ReloadModels()
	failed := 0
	for _, res := range results {
		if !res.OK {
			failed++
		}
	}
	code := http.StatusOK
	if failed > 0 {
		code = http.StatusInternalServerError
	}
	s.logger.Info().Int("models", len(results)).Int("failed", failed).Msg("model reload requested via API")
	writeJSON(w, code, map[string]interface{}{
		"results": results,
		"failed":  failed,
	})
}

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	changes, err := s.engine.ReloadConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}

// handleLogs returns recent log lines. Query: limit (default 100), level.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 100)
	if err != nil || limit < 1 || limit > 5000 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 5000")
		return
	}
	entries := []core.LogEntry{}
	if s.engine.Logs != nil {
		entries = s.engine.Logs.Recent(limit, r.URL.Query().Get("level"))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": len(entries),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
