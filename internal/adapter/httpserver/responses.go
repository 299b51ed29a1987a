// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the gateway's REST surface (chat, embeddings, audio
// transcription, image OCR) and keeps a clear separation between HTTP
// concerns and the routing/queueing logic underneath.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/ai-gateway/internal/domain"
)

// errorEnvelope is the flat error shape every non-2xx reply uses. Worker
// failure messages and the timeout literal pass through verbatim.
type errorEnvelope struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorEnvelope{Error: err.Error()})
}
