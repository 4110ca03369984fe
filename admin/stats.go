package admin

import (
	"net/http"

	"github.com/maxpert/syncrelay/cfg"
)

// handleStats returns registry statistics
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	counts := h.registry.ChannelCounts()
	total := 0
	for _, n := range counts {
		total += n
	}

	response := map[string]interface{}{
		"instance_id":   cfg.Config.InstanceID,
		"channels":      total,
		"channels_type": counts,
		"subscribers":   h.registry.SubscriberCount(),
		"document_type": h.registry.DocumentType(),
	}

	writeJSONResponse(w, response)
}

// handleHealth reports liveness
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"healthy":     true,
		"instance_id": cfg.Config.InstanceID,
	}

	writeJSONResponse(w, response)
}

// handleRestartNotice broadcasts server-restarting to every live channel
func (h *AdminHandlers) handleRestartNotice(w http.ResponseWriter, r *http.Request) {
	n := h.registry.BroadcastShutdown()
	writeJSONResponse(w, map[string]interface{}{
		"notified_channels": n,
	})
}
