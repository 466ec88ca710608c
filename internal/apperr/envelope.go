package apperr

import (
	"encoding/json"
	"net/http"
	"time"
)

// Envelope is the uniform error body every service writes.
type Envelope struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteJSON renders err as the standard envelope with the matching status.
func WriteJSON(w http.ResponseWriter, err error) {
	appErr := As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusOf(appErr.Kind))
	_ = json.NewEncoder(w).Encode(Envelope{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   appErr.Details,
	})
}
