package client

import (
	"context"
	"sync"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Armed returns the number of pending timers
func (c *fakeClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Fire runs every pending timer and returns how many fired
func (c *fakeClock) Fire() int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
	return len(due)
}

type fakeConn struct {
	frames    chan Frame
	endOnce   sync.Once
	mu        sync.Mutex
	err       error
	closed    bool
	closeHook func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan Frame, 16)}
}

func (c *fakeConn) Frames() <-chan Frame { return c.frames }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.endOnce.Do(func() { close(c.frames) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) push(event, data string) {
	c.frames <- Frame{Event: event, Data: data}
}

func (c *fakeConn) end(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.endOnce.Do(func() { close(c.frames) })
}

type fakeTransport struct {
	mu      sync.Mutex
	openErr error
	conns   []*fakeConn
	opens   int
	evicts  int
	syncs   [][]byte
}

func (t *fakeTransport) Open(ctx context.Context, connID string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.openErr != nil {
		return nil, t.openErr
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) Sync(ctx context.Context, message []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncs = append(t.syncs, message)
	return nil
}

func (t *fakeTransport) Evict(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evicts++
	return nil
}

func (t *fakeTransport) setOpenErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *fakeTransport) evictCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evicts
}

func (t *fakeTransport) syncCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.syncs)
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

type statusLog struct {
	mu     sync.Mutex
	states []State
}

func (l *statusLog) record(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *statusLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}
