// Package relay applies inbound sync messages to the shared document and fans
// tailored replies out to every subscriber of the channel.
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/syncrelay/merge"
	"github.com/maxpert/syncrelay/notify"
	"github.com/maxpert/syncrelay/session"
	"github.com/maxpert/syncrelay/telemetry"
)

// Request is the body of POST /sync-updates
type Request struct {
	SyncMessageBase64 string `json:"syncMessageBase64"`
	Identifier        string `json:"identifier"`
	QueryKey          string `json:"queryKey"`
	User              string `json:"user"`
}

// Result describes what one sync produced
type Result struct {
	Changed      bool // Document heads moved
	SenderFrames int
	FanoutFrames int
}

// DecodeRequest parses a sync request body
func DecodeRequest(body []byte) (Request, error) {
	var req Request
	if len(bytes.TrimSpace(body)) == 0 {
		return req, ErrEmptyBody
	}

	if err := json.Unmarshal(body, &req); err != nil {
		return req, malformed(err, "invalid JSON body")
	}
	if req.Identifier == "" {
		return req, malformed(nil, "identifier is required")
	}
	if req.User == "" {
		return req, malformed(nil, "user is required")
	}
	return req, nil
}

// Relay drives the sync protocol against a session registry
type Relay struct {
	registry *session.Registry
	engine   merge.Engine
}

// New creates a relay over registry
func New(registry *session.Registry) *Relay {
	return &Relay{
		registry: registry,
		engine:   registry.Engine(),
	}
}

// Sync applies one inbound message from req.User. The sender always receives
// a freshly generated message; every other subscriber receives its own
// message only when the document changed. Nothing is persisted on error.
func (r *Relay) Sync(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := r.sync(ctx, req)
	telemetry.SyncDurationSeconds.Observe(time.Since(start).Seconds())

	var malformedErr *MalformedPayloadError
	switch {
	case err == nil:
		telemetry.SyncRequestsTotal.With("success").Inc()
		telemetry.FanoutFramesTotal.With("sender").Add(float64(res.SenderFrames))
		telemetry.FanoutFramesTotal.With("peer").Add(float64(res.FanoutFrames))
		telemetry.FanoutFramesPerSync.Observe(float64(res.FanoutFrames))
	case errors.Is(err, session.ErrChannelNotFound):
		telemetry.SyncRequestsTotal.With("not_found").Inc()
	case errors.As(err, &malformedErr):
		telemetry.SyncRequestsTotal.With("malformed").Inc()
	default:
		telemetry.SyncRequestsTotal.With("failed").Inc()
	}
	return res, err
}

func (r *Relay) sync(ctx context.Context, req Request) (Result, error) {
	var res Result

	msg, err := base64.StdEncoding.DecodeString(req.SyncMessageBase64)
	if err != nil {
		return res, malformed(err, "invalid base64 sync message")
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	err = r.registry.WithDocument(req.Identifier, func(ch *session.Channel) error {
		doc := ch.Document()
		if doc == nil {
			return session.ErrChannelNotFound
		}
		members := ch.Members()

		senderCursor, ok := r.registry.LookupCursor(req.Identifier, req.User)
		if !ok {
			senderCursor = r.engine.InitCursor()
		}

		before := r.engine.Heads(doc)

		next, senderCursor, reply, err := r.engine.Receive(doc, senderCursor, msg)
		if err != nil {
			return malformed(err, "merge engine rejected message")
		}

		var frames []notify.Update
		if reply != nil {
			frames = append(frames, update(reply, req.User))
		}

		senderCursor, out, err := r.engine.Generate(next, senderCursor)
		if err != nil {
			return malformed(err, "generate for sender")
		}
		frames = append(frames, update(out, req.User))
		res.SenderFrames = len(frames)

		cursors := map[string]merge.Cursor{req.User: senderCursor}
		res.Changed = !merge.EqualHeads(before, r.engine.Heads(next))
		if res.Changed {
			users := make([]string, 0, len(members))
			for user := range members {
				if user != req.User {
					users = append(users, user)
				}
			}
			sort.Strings(users)

			for _, user := range users {

				cur, ok := r.registry.LookupCursor(req.Identifier, user)
				if !ok {
					cur = r.engine.InitCursor()
				}
				cur, out, err := r.engine.Generate(next, cur)
				if err != nil {
					return malformed(err, "generate for %s", user)
				}
				cursors[user] = cur
				if out != nil {
					frames = append(frames, update(out, user))
					res.FanoutFrames++
				}
			}
		}

		if !r.registry.Commit(ch, next, cursors, members) {
			return session.ErrChannelNotFound
		}

		// Publish only once the new state is committed
		b := ch.Broadcaster()
		for i := range frames {
			b.Publish(notify.Event{Name: notify.EventUpdate, Update: &frames[i]})
		}
		return nil
	})
	if err != nil {
		log.Debug().
			Err(err).
			Str("identifier", req.Identifier).
			Str("user", req.User).
			Msg("Sync rejected")
		return Result{}, err
	}

	log.Debug().
		Str("identifier", req.Identifier).
		Str("user", req.User).
		Bool("changed", res.Changed).
		Int("fanout", res.FanoutFrames).
		Msg("Sync applied")
	return res, nil
}

func update(msg []byte, user string) notify.Update {
	// A nil message still produces a frame so the sender sees a reply to every request
	return notify.Update{
		SyncMessage: base64.StdEncoding.EncodeToString(msg),
		User:        user,
	}
}
