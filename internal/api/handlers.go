package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/myuser/chronokv/internal/engine"
	"github.com/myuser/chronokv/internal/kverrors"
)

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONError(w, "could not read request body", http.StatusBadRequest)
		return
	}

	res, err := s.store.Write(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	q := r.URL.Query()

	var (
		res engine.ReadResult
		err error
	)
	if q.Has("timestamp") {
		res, err = s.store.ReadAsOf(r.Context(), key, q.Get("timestamp"))
	} else {
		res, err = s.store.Read(r.Context(), key)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.store.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError maps the engine taxonomy to a status code. Storage causes stay
// in the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := kverrors.KindOf(err)
	resp := errorResponse{Error: err.Error(), Kind: kind.String(), RequestID: RequestID(r.Context())}

	var status int
	switch kind {
	case kverrors.KindInvalidKey, kverrors.KindInvalidBody, kverrors.KindInvalidTimestamp:
		status = http.StatusBadRequest
	case kverrors.KindNotFound:
		status = http.StatusNotFound
		resp.Error = "key not found"
	default:
		status = http.StatusInternalServerError
		resp.Error = "storage error"
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", resp.RequestID,
			"error", err,
		)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}
