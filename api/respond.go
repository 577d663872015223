package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iv-ingestion/ingest/store"
	"github.com/iv-ingestion/ingest/types"
)

// envelope is the uniform response body: exactly one of Data and Error
// is set.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    types.Code     `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code types.Code, msg string, details map[string]any) {
	writeJSON(w, status, envelope{Success: false, Error: &errorBody{
		Code:    code,
		Message: msg,
		Details: details,
	}})
}

// writeStoreError maps a store failure onto the closed code set.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, types.CodeNotFound, "not found", nil)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, types.CodeConflict, err.Error(), nil)
	case errors.Is(err, store.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, types.CodeStoreUnavailable,
			"store busy, retry later", nil)
	default:
		s.logger.Error("request failed", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, types.CodeInternal,
			"internal error", nil)
	}
}
