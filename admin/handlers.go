// Package admin exposes operational endpoints: registry stats, channel
// inspection, restart notices and content seeding.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/syncrelay/content"
	"github.com/maxpert/syncrelay/session"
)

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	registry *session.Registry
	store    content.Store
}

// NewAdminHandlers creates a new AdminHandlers instance. store may be nil,
// in which case content seeding is unavailable.
func NewAdminHandlers(registry *session.Registry, store content.Store) *AdminHandlers {
	return &AdminHandlers{
		registry: registry,
		store:    store,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
