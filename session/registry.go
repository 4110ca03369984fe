// Package session owns the live channels: membership, the authoritative
// document of shared-document channels, and per-user sync cursors.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/syncrelay/cfg"
	"github.com/maxpert/syncrelay/content"
	"github.com/maxpert/syncrelay/cursor"
	"github.com/maxpert/syncrelay/lifecycle"
	"github.com/maxpert/syncrelay/merge"
	"github.com/maxpert/syncrelay/notify"
	"github.com/maxpert/syncrelay/telemetry"
)

const (
	DefaultDocumentType = "shared-doc"
	DefaultLockStripes  = 64
	DefaultLoadTimeout  = 5 * time.Second

	// A join can lose the race with an eviction of the same channel; retry
	// a bounded number of times against the freshly created one.
	maxJoinAttempts = 8
)

// Config configures the registry
type Config struct {
	DocumentType   string
	BufferSize     int
	OverflowPolicy cfg.OverflowPolicy
	LockStripes    int
	LoadTimeout    time.Duration
	InstanceID     string
}

// ConfigFromGlobal builds the registry config from cfg.Config
func ConfigFromGlobal() Config {
	return Config{
		DocumentType:   cfg.Config.Stream.DocumentType,
		BufferSize:     cfg.Config.Stream.BufferSize,
		OverflowPolicy: cfg.Config.Stream.OverflowPolicy,
		LockStripes:    cfg.Config.Stream.LockStripes,
		LoadTimeout:    time.Duration(cfg.Config.Content.LoadTimeoutMS) * time.Millisecond,
		InstanceID:     cfg.Config.InstanceID,
	}
}

// ChannelInfo is a point-in-time view of one channel
type ChannelInfo struct {
	Type        string   `json:"type"`
	Identifier  string   `json:"identifier"`
	Kind        string   `json:"kind"`
	Subscribers []string `json:"subscribers"`
	Streams     int      `json:"streams"`
	Heads       []string `json:"heads,omitempty"`
	Length      int      `json:"length,omitempty"`
}

// Registry maps (type, identifier) to live channels
type Registry struct {
	config  Config
	engine  merge.Engine
	loader  content.Loader
	cursors *cursor.Store
	emitter lifecycle.Emitter

	channels *xsync.MapOf[Key, *Channel]
	creating *xsync.MapOf[Key, *future.Future[*Channel]]
	stripes  []sync.Mutex
	running  atomic.Bool
}

// NewRegistry creates a registry. A nil loader yields empty documents and a
// nil emitter discards lifecycle events.
func NewRegistry(config Config, engine merge.Engine, loader content.Loader, emitter lifecycle.Emitter) *Registry {
	if config.DocumentType == "" {
		config.DocumentType = DefaultDocumentType
	}
	if config.LockStripes <= 0 {
		config.LockStripes = DefaultLockStripes
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = DefaultLoadTimeout
	}
	if emitter == nil {
		emitter = lifecycle.NoopEmitter{}
	}

	return &Registry{
		config:   config,
		engine:   engine,
		loader:   loader,
		cursors:  cursor.NewStore(),
		emitter:  emitter,
		channels: xsync.NewMapOf[Key, *Channel](),
		creating: xsync.NewMapOf[Key, *future.Future[*Channel]](),
		stripes:  make([]sync.Mutex, config.LockStripes),
	}
}

// Engine returns the merge engine documents are built with
func (r *Registry) Engine() merge.Engine {
	return r.engine
}

// DocumentType returns the channel type that carries a shared document
func (r *Registry) DocumentType() string {
	return r.config.DocumentType
}

// Start allows registrations
func (r *Registry) Start() {
	if r.running.Swap(true) {
		return
	}
	log.Info().Str("document_type", r.config.DocumentType).Msg("Session registry started")
}

// Stop rejects new registrations and closes every channel's streams
func (r *Registry) Stop() {
	if !r.running.Swap(false) {
		return
	}

	closed := 0
	r.channels.Range(func(key Key, ch *Channel) bool {
		ch.mu.Lock()
		ch.evicted = true
		ch.mu.Unlock()

		ch.broadcaster.Close()
		r.channels.Delete(key)
		if ch.kind == KindSharedDocument {
			r.cursors.DeleteDocument(key.Identifier)
		}
		closed++
		return true
	})

	log.Info().Int("channels", closed).Msg("Session registry stopped")
}

// Register adds user to the channel, creating it (and loading its document)
// on first use. Registering an already subscribed user is a no-op.
func (r *Registry) Register(ctx context.Context, typ, identifier, user, queryKey string) (*Channel, error) {
	if !r.running.Load() {
		return nil, ErrStopped
	}

	key := Key{Type: typ, Identifier: identifier}
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		ch, err := r.getOrCreate(ctx, key, queryKey)
		if err != nil {
			return nil, err
		}

		joined, fresh, count := r.join(ch, user)
		if !joined {
			continue
		}

		if fresh {
			r.emitter.Emit(lifecycle.Event{
				Type:        lifecycle.SubscriberJoined,
				ChannelType: typ,
				Identifier:  identifier,
				User:        user,
				Subscribers: count,
				InstanceID:  r.config.InstanceID,
			})
			log.Debug().
				Str("type", typ).
				Str("identifier", identifier).
				Str("user", user).
				Int("subscribers", count).
				Msg("Subscriber joined")
		}
		return ch, nil
	}

	return nil, fmt.Errorf("register %s/%s: channel evicted during join", typ, identifier)
}

// join adds user under the channel lock. It fails only if the channel was
// evicted after it was looked up.
func (r *Registry) join(ch *Channel, user string) (joined, fresh bool, count int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.evicted {
		return false, false, 0
	}

	_, exists := ch.subscribers[user]
	if !exists {
		ch.joins++
		ch.subscribers[user] = ch.joins
	}

	if ch.kind == KindSharedDocument {
		if exists {
			r.cursors.LoadOrInit(ch.key.Identifier, user, r.engine.InitCursor)
		} else {
			// A new membership starts a new dialogue with the document
			r.cursors.Store(ch.key.Identifier, user, r.engine.InitCursor())
		}
	}

	return true, !exists, len(ch.subscribers)
}

// getOrCreate returns the live channel for key, creating it at most once
// across concurrent callers. Waiters observe the creator's result.
func (r *Registry) getOrCreate(ctx context.Context, key Key, queryKey string) (*Channel, error) {
	if ch, ok := r.channels.Load(key); ok {
		return ch, nil
	}

	p := future.NewPromise[*Channel]()
	f, loaded := r.creating.LoadOrStore(key, p.Future())
	if loaded {
		return f.Get()
	}

	// Another creator may have finished between Load and LoadOrStore
	if ch, ok := r.channels.Load(key); ok {
		r.creating.Delete(key)
		p.Set(ch, nil)
		return ch, nil
	}

	ch, err := r.build(ctx, key, queryKey)
	if err == nil {
		r.channels.Store(key, ch)
	}
	r.creating.Delete(key)
	p.Set(ch, err)

	if err != nil {
		return nil, err
	}

	telemetry.ChannelEventsTotal.With("created").Inc()
	r.emitter.Emit(lifecycle.Event{
		Type:        lifecycle.ChannelCreated,
		ChannelType: key.Type,
		Identifier:  key.Identifier,
		InstanceID:  r.config.InstanceID,
	})
	log.Info().
		Str("type", key.Type).
		Str("identifier", key.Identifier).
		Str("kind", ch.kind.String()).
		Msg("Channel created")

	return ch, nil
}

func (r *Registry) build(ctx context.Context, key Key, queryKey string) (*Channel, error) {
	ch := &Channel{
		key:         key,
		kind:        KindPresence,
		queryKey:    queryKey,
		broadcaster: notify.NewBroadcaster(r.config.BufferSize, r.config.OverflowPolicy),
		subscribers: make(map[string]uint64),
	}

	if key.Type != r.config.DocumentType {
		return ch, nil
	}

	text, err := r.load(ctx, key, queryKey)
	if err != nil {
		return nil, err
	}

	doc, err := r.engine.FromText(text)
	if err != nil {
		return nil, &LoadError{Type: key.Type, Identifier: key.Identifier, Err: err}
	}

	ch.kind = KindSharedDocument
	ch.doc = doc
	return ch, nil
}

func (r *Registry) load(ctx context.Context, key Key, queryKey string) (string, error) {
	if r.loader == nil {
		return "", nil
	}

	// The load is shared by every waiter, so one caller going away must not cancel it
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.LoadTimeout)
	defer cancel()

	start := time.Now()
	text, err := r.loader.Load(loadCtx, key.Identifier, queryKey)
	telemetry.ContentLoadSeconds.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		telemetry.ContentLoadsTotal.With("success").Inc()
		return text, nil
	case errors.Is(err, content.ErrNotFound):
		telemetry.ContentLoadsTotal.With("not_found").Inc()
		return "", nil
	default:
		telemetry.ContentLoadsTotal.With("failed").Inc()
		log.Warn().
			Err(err).
			Str("identifier", key.Identifier).
			Str("query_key", queryKey).
			Msg("Failed to load initial content")
		return "", &LoadError{Type: key.Type, Identifier: key.Identifier, Err: err}
	}
}

// Unregister removes user from the channel and evicts the channel when it
// becomes empty. Removing a user that is not subscribed is a no-op.
func (r *Registry) Unregister(typ, identifier, user string) {
	key := Key{Type: typ, Identifier: identifier}
	ch, ok := r.channels.Load(key)
	if !ok {
		return
	}

	ch.mu.Lock()
	if _, ok := ch.subscribers[user]; !ok || ch.evicted {
		ch.mu.Unlock()
		return
	}
	delete(ch.subscribers, user)
	remaining := len(ch.subscribers)

	if ch.kind == KindSharedDocument {
		r.cursors.Delete(identifier, user)
	}
	if remaining == 0 {
		ch.evicted = true
		ch.doc = nil
		if ch.kind == KindSharedDocument {
			r.cursors.DeleteDocument(identifier)
		}
		r.channels.Compute(key, func(old *Channel, loaded bool) (*Channel, bool) {
			return old, loaded && old == ch
		})
	}
	ch.mu.Unlock()

	ch.broadcaster.CloseUser(user)
	r.emitter.Emit(lifecycle.Event{
		Type:        lifecycle.SubscriberLeft,
		ChannelType: typ,
		Identifier:  identifier,
		User:        user,
		Subscribers: remaining,
		InstanceID:  r.config.InstanceID,
	})

	if remaining > 0 {
		return
	}

	ch.broadcaster.Close()
	telemetry.ChannelEventsTotal.With("evicted").Inc()
	r.emitter.Emit(lifecycle.Event{
		Type:        lifecycle.ChannelEvicted,
		ChannelType: typ,
		Identifier:  identifier,
		InstanceID:  r.config.InstanceID,
	})
	log.Info().Str("type", typ).Str("identifier", identifier).Msg("Channel evicted")
}

// Lookup returns the live channel for (type, identifier)
func (r *Registry) Lookup(typ, identifier string) (*Channel, bool) {
	return r.channels.Load(Key{Type: typ, Identifier: identifier})
}

// LookupCursor returns the sync cursor for (identifier, user)
func (r *Registry) LookupCursor(identifier, user string) (merge.Cursor, bool) {
	return r.cursors.Load(identifier, user)
}

// CursorOrInit returns the user's cursor, creating it if this is the user's first sync
func (r *Registry) CursorOrInit(identifier, user string) merge.Cursor {
	return r.cursors.LoadOrInit(identifier, user, r.engine.InitCursor)
}

// WithDocument runs fn with the document channel for identifier while holding
// the identifier's mutation lock. Mutations of one document are serialized.
func (r *Registry) WithDocument(identifier string, fn func(ch *Channel) error) error {
	mu := r.stripe(identifier)
	mu.Lock()
	defer mu.Unlock()

	ch, ok := r.Lookup(r.config.DocumentType, identifier)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrChannelNotFound, r.config.DocumentType, identifier)
	}
	return fn(ch)
}

// Commit replaces the channel document and the given cursors. It reports
// false, persisting nothing, when the channel was evicted meanwhile.
// members is the Members snapshot the cursors were computed against: a
// cursor is dropped when its user left or rejoined since, and a user absent
// from the snapshot must still be absent. Callers must hold the identifier
// lock via WithDocument.
func (r *Registry) Commit(ch *Channel, doc *merge.Document, cursors map[string]merge.Cursor, members map[string]uint64) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.evicted {
		return false
	}
	ch.doc = doc

	current := make(map[string]merge.Cursor, len(cursors))
	for user, c := range cursors {
		if ch.subscribers[user] != members[user] {
			continue
		}
		current[user] = c
	}
	r.cursors.StoreAll(ch.key.Identifier, current)
	return true
}

func (r *Registry) stripe(identifier string) *sync.Mutex {
	return &r.stripes[xxhash.Sum64String(identifier)%uint64(len(r.stripes))]
}

// BroadcastShutdown publishes server-restarting on every live channel
// without evicting anything. It returns the number of channels notified.
func (r *Registry) BroadcastShutdown() int {
	n := 0
	r.channels.Range(func(_ Key, ch *Channel) bool {
		ch.broadcaster.Publish(notify.Event{Name: notify.EventServerRestarting})
		n++
		return true
	})
	telemetry.RestartNoticesTotal.Inc()
	log.Info().Int("channels", n).Msg("Broadcast server restart notice")
	return n
}

// ChannelCounts returns live channels per type
func (r *Registry) ChannelCounts() map[string]int {
	counts := make(map[string]int)
	r.channels.Range(func(key Key, _ *Channel) bool {
		counts[key.Type]++
		return true
	})
	return counts
}

// SubscriberCount returns subscribers across all channels
func (r *Registry) SubscriberCount() int {
	n := 0
	r.channels.Range(func(_ Key, ch *Channel) bool {
		n += ch.Len()
		return true
	})
	return n
}

// Channels returns a snapshot of the live channels of a type, sorted by identifier
func (r *Registry) Channels(typ string) []ChannelInfo {
	var out []ChannelInfo
	r.channels.Range(func(key Key, ch *Channel) bool {
		if key.Type != typ {
			return true
		}

		info := ChannelInfo{
			Type:        key.Type,
			Identifier:  key.Identifier,
			Kind:        ch.kind.String(),
			Subscribers: ch.Subscribers(),
			Streams:     ch.broadcaster.Len(),
		}
		if doc := ch.Document(); doc != nil {
			for _, h := range r.engine.Heads(doc) {
				info.Heads = append(info.Heads, string(h))
			}
			info.Length = len([]rune(doc.Text()))
		}
		out = append(out, info)
		return true
	})

	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}
