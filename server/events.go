package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/syncrelay/notify"
	"github.com/maxpert/syncrelay/session"
	"github.com/maxpert/syncrelay/telemetry"
)

type handshake struct {
	Status        string        `json:"status"`
	HandshakeData handshakeData `json:"handshakeData"`
}

type handshakeData struct {
	InstanceID string `json:"instanceId"`
}

// handleEvents serves GET /events: either an eviction or a long-lived stream
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ := q.Get("type")
	identifier := q.Get("identifier")
	user := q.Get("user")
	queryKey := q.Get("queryKey")

	if typ == "" || identifier == "" || user == "" {
		http.Error(w, "type, identifier and user are required", http.StatusBadRequest)
		return
	}

	if q.Get("evict") == "true" {
		s.registry.Unregister(typ, identifier, user)
		w.WriteHeader(http.StatusOK)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, err := s.registry.Register(r.Context(), typ, identifier, user, queryKey)
	if err != nil {
		var loadErr *session.LoadError
		switch {
		case errors.Is(err, session.ErrStopped):
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		case errors.As(err, &loadErr):
			http.Error(w, "failed to load document", http.StatusBadGateway)
		default:
			http.Error(w, "failed to register", http.StatusInternalServerError)
		}
		return
	}

	// Subscribe before the handshake so no frame published after it is missed
	sub := ch.Broadcaster().Subscribe(user)
	defer sub.Close()

	telemetry.StreamConnections.Inc()
	defer telemetry.StreamConnections.Dec()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	data, _ := json.Marshal(handshake{
		Status:        "connected",
		HandshakeData: handshakeData{InstanceID: s.opts.InstanceID},
	})
	if err := writeFrame(w, "handshake", data); err != nil {
		return
	}
	flusher.Flush()

	logger := log.With().
		Str("type", typ).
		Str("identifier", identifier).
		Str("user", user).
		Logger()
	logger.Debug().Msg("Event stream opened")

	var heartbeat <-chan time.Time
	if s.opts.Heartbeat > 0 {
		ticker := time.NewTicker(s.opts.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	ctx := r.Context()
	reason := "closed"
	defer func() {
		if reason == "disconnected" && s.opts.UnregisterOnDisconnect {
			s.registry.Unregister(typ, identifier, user)
		}
		logger.Debug().Str("reason", reason).Bool("overflowed", sub.Overflowed()).Msg("Event stream ended")
	}()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				if sub.Overflowed() {
					reason = "overflow"
				} else {
					reason = "evicted"
				}
				return
			}
			if err := writeEvent(w, ev); err != nil {
				reason = "disconnected"
				return
			}
			flusher.Flush()
		case <-heartbeat:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				reason = "disconnected"
				return
			}
			flusher.Flush()
		case <-s.closing:
			reason = "shutdown"
			return
		case <-ctx.Done():
			reason = "disconnected"
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev notify.Event) error {
	switch ev.Name {
	case notify.EventUpdate:
		data, err := json.Marshal(ev.Update)
		if err != nil {
			return err
		}
		return writeFrame(w, notify.EventUpdate, data)
	case notify.EventServerRestarting:
		return writeFrame(w, notify.EventServerRestarting, []byte("{}"))
	default:
		return nil
	}
}

// writeFrame writes one SSE frame. data must not contain newlines.
func writeFrame(w http.ResponseWriter, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
