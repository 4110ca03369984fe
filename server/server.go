// Package server exposes the relay over HTTP: the event stream, the sync
// endpoint, and the admin and metrics routes.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/syncrelay/admin"
	"github.com/maxpert/syncrelay/cfg"
	"github.com/maxpert/syncrelay/content"
	"github.com/maxpert/syncrelay/origin"
	"github.com/maxpert/syncrelay/relay"
	"github.com/maxpert/syncrelay/session"
	"github.com/maxpert/syncrelay/telemetry"
)

const defaultMaxBodyBytes = 4 << 20

// Options configures the HTTP surface
type Options struct {
	ListenAddress          string
	MaxBodyBytes           int64
	ExposeErrorDetail      bool
	Heartbeat              time.Duration // 0 disables comment pings
	UnregisterOnDisconnect bool
	InstanceID             string
	AdminEnabled           bool
	AdminSecret            string
	MetricsEnabled         bool
}

// OptionsFromConfig builds Options from cfg.Config
func OptionsFromConfig() Options {
	return Options{
		ListenAddress:          cfg.Config.Server.ListenAddress,
		MaxBodyBytes:           cfg.Config.Server.MaxBodyBytes,
		ExposeErrorDetail:      cfg.Config.Server.ExposeErrorDetail,
		Heartbeat:              time.Duration(cfg.Config.Stream.HeartbeatIntervalMS) * time.Millisecond,
		UnregisterOnDisconnect: cfg.Config.Stream.UnregisterOnDisconnect,
		InstanceID:             cfg.Config.InstanceID,
		AdminEnabled:           cfg.Config.Admin.Enabled,
		AdminSecret:            cfg.Config.Admin.Secret,
		MetricsEnabled:         cfg.Config.Prometheus.Enabled,
	}
}

// Server serves the relay endpoints
type Server struct {
	opts     Options
	registry *session.Registry
	relay    *relay.Relay
	policy   *origin.Policy
	store    content.Store

	httpServer *http.Server
	closing    chan struct{}
	closeOnce  sync.Once
}

// New creates a server. store may be nil.
func New(opts Options, registry *session.Registry, rl *relay.Relay, policy *origin.Policy, store content.Store) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		opts:     opts,
		registry: registry,
		relay:    rl,
		policy:   policy,
		store:    store,
		closing:  make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              opts.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(s.originGuard)
		r.Options("/events", preflight)
		r.Get("/events", s.handleEvents)
		r.Options("/sync-updates", preflight)
		r.Post("/sync-updates", s.handleSync)
	})

	if s.opts.AdminEnabled {
		admin.RegisterRoutes(r, admin.NewAdminHandlers(s.registry, s.store), s.opts.AdminSecret)
	}
	if s.opts.MetricsEnabled {
		r.Handle("/metrics", telemetry.GetMetricsHandler())
	}

	return r
}

// accessLog logs each request once it completes
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// ListenAndServe blocks serving on the configured address until Shutdown
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	log.Info().Str("address", ln.Addr().String()).Msg("HTTP server listening")
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown ends open event streams and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.httpServer.Shutdown(ctx)
}
