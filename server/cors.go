package server

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/syncrelay/telemetry"
)

// originGuard rejects requests whose Origin is not allowed before any CORS
// or stream header is written, and echoes allowed origins.
func (s *Server) originGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestOrigin := r.Header.Get("Origin")
		if err := s.policy.Check(requestOrigin); err != nil {
			telemetry.OriginRejectedTotal.Inc()
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Origin rejected")
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", requestOrigin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
		next.ServeHTTP(w, r)
	})
}

func preflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.WriteHeader(http.StatusOK)
}
