package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/threatwatch/threatwatch/internal/core"
)

// handleAlerts lists alerts, newest first. Query: status, severity,
// model_type, skip, limit.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f core.AlertFilter

	if v := q.Get("status"); v != "" {
		st, ok := core.ParseAlertStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status: "+v)
			return
		}
		f.Status = &st
	}
	if v := q.Get("severity"); v != "" {
		sev, ok := core.ParseSeverity(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid severity: "+v)
			return
		}
		f.Severity = sev
	}
	f.ModelType = q.Get("model_type")

	var err error
	if f.Skip, err = intParam(q.Get("skip"), 0); err != nil || f.Skip < 0 {
		writeError(w, http.StatusBadRequest, "invalid skip")
		return
	}
	if f.Limit, err = intParam(q.Get("limit"), 100); err != nil || f.Limit < 1 || f.Limit > 1000 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}

	alerts, total := s.engine.Pipeline.Query(f)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  total,
		"skip":   f.Skip,
		"limit":  f.Limit,
	})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": s.engine.Pipeline.UnreadCount()})
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Pipeline.Stats())
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models":  s.thresholds.All(),
		"default": s.thresholds.Default(),
	})
}

// handleAlertByID returns one alert and marks it read.
func (s *Server) handleAlertByID(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.Pipeline.View(r.PathValue("id"))
	if err != nil {
		alertError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Actor  string `json:"actor"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	to, ok := core.ParseAlertStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid status: "+req.Status)
		return
	}
	alert, err := s.engine.Pipeline.Transition(r.PathValue("id"), to, actorOr(req.Actor))
	if err != nil {
		alertError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	alert, err := s.engine.Pipeline.Acknowledge(r.PathValue("id"), actorOr(req.Actor))
	if err != nil {
		alertError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleBulkAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AlertIDs []string `json:"alert_ids"`
		Actor    string   `json:"actor"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.AlertIDs) == 0 {
		writeError(w, http.StatusBadRequest, "alert_ids is required")
		return
	}
	n := s.engine.Pipeline.BulkAcknowledge(req.AlertIDs, actorOr(req.Actor))
	writeJSON(w, http.StatusOK, map[string]int{"acknowledged": n})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n := s.engine.Pipeline.MarkAllRead()
	writeJSON(w, http.StatusOK, map[string]int{"marked_read": n})
}

func actorOr(actor string) string {
	if actor == "" {
		return "api"
	}
	return actor
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func alertError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, core.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
