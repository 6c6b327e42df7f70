package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/threatwatch/threatwatch/internal/scoring"
	"github.com/threatwatch/threatwatch/internal/validate"
)

// Request bodies are capped before they reach the validator.
const (
	maxRecordBytes = 1 << 20
	maxBatchBytes  = 32 << 20
)

func (s *Server) modelHealth(sc scoring.Scorer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if !sc.Ready() {
			status = "loading"
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     status,
			"model":      sc.ModelName(),
			"model_type": sc.ModelType(),
			"version":    scoring.Version,
		})
	}
}

func (s *Server) predict(sc scoring.Scorer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r, maxRecordBytes)
		if !ok {
			return
		}
		result, err := sc.Score(r.Context(), body)
		if err != nil {
			s.scoringError(w, r, sc, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) predictBatch(sc scoring.Scorer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r, maxBatchBytes)
		if !ok {
			return
		}
		result, err := sc.ScoreBatch(r.Context(), body)
		if err != nil {
			s.scoringError(w, r, sc, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) modelInfo(sc scoring.Scorer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := sc.Info()
		if err != nil {
			s.scoringError(w, r, sc, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// scoringError maps a scoring failure to a response. Internal errors are
// logged in full and reported generically.
func (s *Server) scoringError(w http.ResponseWriter, r *http.Request, sc scoring.Scorer, err error) {
	var verr *validate.Error
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "validation failed",
			"detail": verr.Details,
		})
	case errors.Is(err, scoring.ErrNotLoaded):
		writeError(w, http.StatusServiceUnavailable, "model not loaded")
	default:
		s.logger.Error().
			Err(err).
			Str("model_type", sc.ModelType()).
			Str("path", r.URL.Path).
			Msg("prediction failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read request body")
		}
		return nil, false
	}
	return body, true
}
