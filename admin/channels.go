package admin

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/syncrelay/session"
)

// maxContentBytes bounds seeded document bodies
const maxContentBytes = 8 << 20

// handleChannels lists live channels of one type
func (h *AdminHandlers) handleChannels(w http.ResponseWriter, r *http.Request) {
	typ := chi.URLParam(r, "type")
	if typ == "" {
		writeErrorResponse(w, http.StatusBadRequest, "channel type is required")
		return
	}

	channels := h.registry.Channels(typ)
	if channels == nil {
		channels = []session.ChannelInfo{}
	}
	writeJSONResponse(w, channels)
}

// handleChannel returns one live channel, including document text
func (h *AdminHandlers) handleChannel(w http.ResponseWriter, r *http.Request) {
	typ := chi.URLParam(r, "type")
	identifier := chi.URLParam(r, "identifier")

	ch, ok := h.registry.Lookup(typ, identifier)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "channel not found")
		return
	}

	response := map[string]interface{}{
		"type":        typ,
		"identifier":  identifier,
		"kind":        ch.Kind().String(),
		"query_key":   ch.QueryKey(),
		"subscribers": ch.Subscribers(),
		"streams":     ch.Broadcaster().Len(),
	}
	if doc := ch.Document(); doc != nil {
		response["text"] = doc.Text()
		response["changes"] = doc.ChangeCount()
		response["heads"] = h.registry.Engine().Heads(doc)
	}

	writeJSONResponse(w, response)
}

// handlePutContent seeds the initial content loaded for new document channels
func (h *AdminHandlers) handlePutContent(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "content store not configured")
		return
	}

	identifier := chi.URLParam(r, "identifier")
	queryKey := r.URL.Query().Get("queryKey")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxContentBytes))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := h.store.Save(r.Context(), identifier, queryKey, string(body)); err != nil {
		log.Error().Err(err).Str("identifier", identifier).Msg("Failed to save content")
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().
		Str("identifier", identifier).
		Str("query_key", queryKey).
		Int("bytes", len(body)).
		Msg("Content seeded")
	writeJSONResponse(w, map[string]interface{}{
		"identifier": identifier,
		"query_key":  queryKey,
		"bytes":      len(body),
	})
}
