package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const (
	statusSuccess = "success"
	statusFail    = "fail"
)

// Error categories reported in the "error" field.
const (
	errValidation = "validation"
	errStorage    = "storage"
	errAuth       = "auth"
	errTransport  = "transport"
)

type sendResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, sendResponse{Status: statusSuccess})
}

func writeFail(w http.ResponseWriter, code int, category, message string) {
	writeJSON(w, code, sendResponse{Status: statusFail, Error: category, Message: message})
}
