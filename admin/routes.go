package admin

import (
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes mounts the admin API under /admin
func RegisterRoutes(r chi.Router, handlers *AdminHandlers, secret string) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(AuthMiddleware(secret))

		r.Get("/stats", handlers.handleStats)
		r.Get("/health", handlers.handleHealth)
		r.Get("/channels/{type}", handlers.handleChannels)
		r.Get("/channels/{type}/{identifier}", handlers.handleChannel)
		r.Post("/restart-notice", handlers.handleRestartNotice)
		r.Put("/content/{identifier}", handlers.handlePutContent)
	})

	log.Info().Bool("auth", secret != "").Msg("Admin endpoints enabled at /admin/*")
}
