package client

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/syncrelay/merge"
)

const syncTimeout = 10 * time.Second

// DocumentOptions configures a SharedDocument
type DocumentOptions struct {
	Endpoint    Endpoint
	Transport   Transport // Defaults to an HTTPTransport for Endpoint
	MaxAttempts int
	RetryDelay  time.Duration
	Clock       Clock
	OnStatus    func(State)
}

// SharedDocument keeps a local replica of a relay document in sync over a
// Stream. The server is the only peer; every message goes through it.
type SharedDocument struct {
	user      string
	actor     string
	engine    merge.Engine
	transport Transport
	stream    *Stream

	mu       sync.Mutex
	doc      *merge.Document
	cursor   merge.Cursor
	onChange func(text string)
}

// NewSharedDocument creates a document replica. Call Start to connect.
func NewSharedDocument(opts DocumentOptions) *SharedDocument {
	transport := opts.Transport
	if transport == nil {
		transport = NewHTTPTransport(opts.Endpoint, nil)
	}

	engine := merge.NewTextEngine()
	d := &SharedDocument{
		user:      opts.Endpoint.User,
		actor:     uuid.NewString(),
		engine:    engine,
		transport: transport,
		doc:       merge.Empty(),
		cursor:    engine.InitCursor(),
	}

	d.stream = NewStream(Options{
		Transport:   transport,
		MaxAttempts: opts.MaxAttempts,
		RetryDelay:  opts.RetryDelay,
		Clock:       opts.Clock,
		OnHandshake: d.onHandshake,
		OnUpdate:    d.onUpdate,
		OnStatus:    opts.OnStatus,
	})
	return d
}

// Start connects the underlying stream
func (d *SharedDocument) Start() {
	d.stream.Start()
}

// Close disconnects and evicts the subscription
func (d *SharedDocument) Close() {
	d.stream.Close()
}

// Status returns the connection state
func (d *SharedDocument) Status() State {
	return d.stream.Status()
}

// Text returns the local document text
func (d *SharedDocument) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Text()
}

// OnChange registers fn to be called with the new text after remote changes
func (d *SharedDocument) OnChange(fn func(text string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = fn
}

// Edit replaces the local text and sends the resulting changes. Delivery is
// best effort; anything not delivered is resent after the next handshake.
func (d *SharedDocument) Edit(text string) error {
	d.mu.Lock()
	next, err := merge.Edit(d.doc, d.actor, text)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.doc = next

	var msg []byte
	d.cursor, msg, err = d.engine.Generate(d.doc, d.cursor)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.send(msg)
	return nil
}

// onHandshake restarts the dialogue: the server may have lost everything
func (d *SharedDocument) onHandshake(Handshake) {
	d.mu.Lock()
	d.cursor = d.engine.InitCursor()
	cursor, msg, err := d.engine.Generate(d.doc, d.cursor)
	if err == nil {
		d.cursor = cursor
	}
	d.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to generate initial sync message")
		return
	}
	d.send(msg)
}

func (d *SharedDocument) onUpdate(u Update) {
	if u.User != d.user || u.SyncMessage == "" {
		return
	}

	msg, err := base64.StdEncoding.DecodeString(u.SyncMessage)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid sync message encoding")
		return
	}

	d.mu.Lock()
	before := d.doc.Text()
	doc, cursor, reply, err := d.engine.Receive(d.doc, d.cursor, msg)
	if err != nil {
		d.mu.Unlock()
		log.Warn().Err(err).Msg("Failed to apply sync message")
		return
	}
	d.doc, d.cursor = doc, cursor

	var out []byte
	d.cursor, out, err = d.engine.Generate(d.doc, d.cursor)
	after := d.doc.Text()
	onChange := d.onChange
	d.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("Failed to generate sync message")
	}
	if reply != nil {
		d.send(reply)
	}
	if out != nil {
		d.send(out)
	}
	if onChange != nil && after != before {
		onChange(after)
	}
}

func (d *SharedDocument) send(msg []byte) {
	if msg == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	if err := d.transport.Sync(ctx, msg); err != nil {
		log.Debug().Err(err).Str("user", d.user).Msg("Sync message not delivered")
	}
}
