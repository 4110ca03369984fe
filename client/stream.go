// Package client keeps an event stream to a relay server alive and drives the
// client side of the document sync protocol.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts = 12
	DefaultRetryDelay  = 5 * time.Second

	evictTimeout = 5 * time.Second
)

// State is the connection state of a Stream
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateBackoff
	StatePermanentlyFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StatePermanentlyFailed:
		return "permanently-failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Update is the payload of an update frame
type Update struct {
	SyncMessage string `json:"syncMessage"`
	User        string `json:"user"`
}

// Handshake is the payload of a handshake frame
type Handshake struct {
	Status        string          `json:"status"`
	HandshakeData json.RawMessage `json:"handshakeData"`
}

// Options configures a Stream
type Options struct {
	Transport   Transport
	MaxAttempts int           // Consecutive failed opens before giving up
	RetryDelay  time.Duration // Fixed delay between attempts
	Clock       Clock

	OnHandshake func(Handshake)
	OnUpdate    func(Update)
	OnStatus    func(State)
}

// Stream is a reconnecting event stream. All transitions happen under one
// mutex and at most one retry timer is armed at a time.
type Stream struct {
	opts      Options
	sessionID string
	logger    zerolog.Logger

	mu         sync.Mutex
	state      State
	attempts   int
	generation uint64
	conn       Conn
	cancel     context.CancelFunc
	timer      Timer
	handshaken bool
}

// NewStream creates an idle stream
func NewStream(opts Options) *Stream {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}

	sessionID := uuid.NewString()
	return &Stream{
		opts:      opts,
		sessionID: sessionID,
		logger:    log.With().Str("session", sessionID).Logger(),
		state:     StateIdle,
	}
}

// Status returns the current state
func (s *Stream) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the consecutive failed opens since the last successful one
func (s *Stream) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Start opens the stream. It only has an effect on an idle stream.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	a := s.connectLocked()
	s.mu.Unlock()

	s.launch(a)
}

// Close tears the stream down and tells the server, best effort, to drop
// the subscription
func (s *Stream) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.generation++
	s.stopTimerLocked()
	s.closeConnLocked()
	s.mu.Unlock()

	s.notify(StateClosed)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
		defer cancel()
		if err := s.opts.Transport.Evict(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("Eviction notice failed")
		}
	}()
}

type attempt struct {
	ctx    context.Context
	gen    uint64
	connID string
}

// connectLocked moves to Connecting. The caller launches the attempt once
// the lock is released.
func (s *Stream) connectLocked() attempt {
	s.state = StateConnecting
	s.generation++

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	return attempt{
		ctx:    ctx,
		gen:    s.generation,
		connID: fmt.Sprintf("%s-%d", s.sessionID, s.generation),
	}
}

func (s *Stream) launch(a attempt) {
	s.notify(StateConnecting)
	go s.run(a.ctx, a.gen, a.connID)
}

func (s *Stream) run(ctx context.Context, gen uint64, connID string) {
	conn, err := s.opts.Transport.Open(ctx, connID)

	s.mu.Lock()
	if gen != s.generation || s.state != StateConnecting {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		next := s.failLocked(err)
		s.mu.Unlock()
		s.notify(next)
		return
	}

	s.state = StateOpen
	s.attempts = 0
	s.stopTimerLocked()
	s.conn = conn
	s.handshaken = false
	s.mu.Unlock()

	s.logger.Debug().Str("conn", connID).Msg("Event stream open")
	s.notify(StateOpen)

	for frame := range conn.Frames() {
		if !s.handle(gen, frame) {
			return
		}
	}

	s.mu.Lock()
	if gen != s.generation || s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	next := s.failLocked(conn.Err())
	s.mu.Unlock()
	s.notify(next)
}

// handle dispatches one frame. It returns false when the connection should
// no longer be read.
func (s *Stream) handle(gen uint64, frame Frame) bool {
	s.mu.Lock()
	if gen != s.generation || s.state != StateOpen {
		s.mu.Unlock()
		return false
	}

	switch frame.Event {
	case "handshake":
		if s.handshaken {
			s.mu.Unlock()
			return true
		}
		s.handshaken = true
		s.mu.Unlock()

		var hs Handshake
		if err := json.Unmarshal([]byte(frame.Data), &hs); err != nil {
			s.logger.Warn().Err(err).Msg("Invalid handshake frame")
		}
		if s.opts.OnHandshake != nil {
			s.opts.OnHandshake(hs)
		}
		return true

	case "update":
		ready := s.handshaken
		s.mu.Unlock()
		if !ready {
			return true
		}

		var u Update
		if err := json.Unmarshal([]byte(frame.Data), &u); err != nil {
			s.logger.Warn().Err(err).Msg("Invalid update frame")
			return true
		}
		if s.opts.OnUpdate != nil {
			s.opts.OnUpdate(u)
		}
		return true

	case "server-restarting":
		if !s.handshaken {
			s.mu.Unlock()
			return true
		}
		// Planned restart: reconnect right away without counting a failure
		s.closeConnLocked()
		s.state = StateBackoff
		s.mu.Unlock()
		s.notify(StateBackoff)

		s.logger.Info().Msg("Server restarting, reconnecting")
		s.mu.Lock()
		if s.state != StateBackoff || gen != s.generation {
			s.mu.Unlock()
			return false
		}
		a := s.connectLocked()
		s.mu.Unlock()
		s.launch(a)
		return false

	default:
		s.mu.Unlock()
		return true
	}
}

// failLocked handles a transport error and returns the resulting state
func (s *Stream) failLocked(err error) State {
	s.closeConnLocked()
	s.attempts++

	if s.attempts >= s.opts.MaxAttempts {
		s.state = StatePermanentlyFailed
		s.stopTimerLocked()
		s.logger.Error().Err(err).Int("attempts", s.attempts).Msg("Event stream failed permanently")
		return s.state
	}

	s.state = StateBackoff
	gen := s.generation
	s.armTimerLocked(s.opts.RetryDelay, func() { s.retry(gen) })
	s.logger.Warn().
		Err(err).
		Int("attempt", s.attempts).
		Dur("delay", s.opts.RetryDelay).
		Msg("Event stream error, retrying")
	return s.state
}

func (s *Stream) retry(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != StateBackoff {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	a := s.connectLocked()
	s.mu.Unlock()

	s.launch(a)
}

func (s *Stream) armTimerLocked(d time.Duration, f func()) {
	s.stopTimerLocked()
	s.timer = s.opts.Clock.AfterFunc(d, f)
}

func (s *Stream) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Stream) closeConnLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Stream) notify(state State) {
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(state)
	}
}
