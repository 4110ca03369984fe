package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/syncrelay/relay"
	"github.com/maxpert/syncrelay/session"
)

// handleSync serves POST /sync-updates. Effects are delivered over the
// event stream; the response body is empty on success.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := relay.DecodeRequest(body)
	if err == nil {
		_, err = s.relay.Sync(r.Context(), req)
	}
	if err != nil {
		s.writeSyncError(w, req, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeSyncError(w http.ResponseWriter, req relay.Request, err error) {
	var malformed *relay.MalformedPayloadError
	switch {
	case errors.Is(err, relay.ErrEmptyBody):
		http.Error(w, "Empty request body", http.StatusBadRequest)
	case errors.As(err, &malformed):
		log.Warn().
			Str("identifier", req.Identifier).
			Str("user", req.User).
			Str("detail", malformed.Detail).
			Msg("Malformed sync payload")
		if s.opts.ExposeErrorDetail {
			http.Error(w, "Bad request: "+malformed.Detail, http.StatusBadRequest)
		} else {
			http.Error(w, "Bad request: malformed sync payload", http.StatusBadRequest)
		}
	case errors.Is(err, session.ErrChannelNotFound):
		http.Error(w, "channel not found", http.StatusNotFound)
	default:
		log.Error().Err(err).Str("identifier", req.Identifier).Msg("Sync failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
