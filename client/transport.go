package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
)

// ErrStreamEnded is reported when the server closes an event stream
var ErrStreamEnded = errors.New("event stream ended")

// Conn is an open event stream
type Conn interface {
	// Frames delivers frames until the stream ends; it is then closed
	Frames() <-chan Frame
	// Err reports why the stream ended, once Frames is closed
	Err() error
	Close() error
}

// Transport reaches the relay server
type Transport interface {
	Open(ctx context.Context, connID string) (Conn, error)
	Sync(ctx context.Context, message []byte) error
	Evict(ctx context.Context) error
}

// Endpoint identifies one subscription on one server
type Endpoint struct {
	BaseURL    string
	Origin     string
	Type       string
	Identifier string
	User       string
	QueryKey   string
}

// HTTPTransport talks to the relay over /events and /sync-updates
type HTTPTransport struct {
	endpoint Endpoint
	client   *http.Client
}

// NewHTTPTransport creates a transport. A nil client uses http.DefaultClient.
func NewHTTPTransport(endpoint Endpoint, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{endpoint: endpoint, client: client}
}

func (t *HTTPTransport) eventsURL(evict bool) string {
	q := url.Values{}
	q.Set("type", t.endpoint.Type)
	q.Set("identifier", t.endpoint.Identifier)
	q.Set("user", t.endpoint.User)
	q.Set("queryKey", t.endpoint.QueryKey)
	if evict {
		q.Set("evict", "true")
	}
	return t.endpoint.BaseURL + "/events?" + q.Encode()
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if t.endpoint.Origin != "" {
		req.Header.Set("Origin", t.endpoint.Origin)
	}
	return req, nil
}

// Open starts an event stream. It returns once the server accepted it.
func (t *HTTPTransport) Open(ctx context.Context, connID string) (Conn, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := t.newRequest(ctx, http.MethodGet, t.eventsURL(false), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Request-Id", connID)

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open event stream: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	c := &httpConn{
		body:   resp.Body,
		cancel: cancel,
		frames: make(chan Frame, 16),
	}
	go c.read()
	return c, nil
}

type syncRequest struct {
	SyncMessageBase64 []byte `json:"syncMessageBase64"`
	Identifier        string `json:"identifier"`
	QueryKey          string `json:"queryKey"`
	User              string `json:"user"`
}

// Sync posts one sync message
func (t *HTTPTransport) Sync(ctx context.Context, message []byte) error {
	// encoding/json renders []byte as standard base64
	body, err := json.Marshal(syncRequest{
		SyncMessageBase64: message,
		Identifier:        t.endpoint.Identifier,
		QueryKey:          t.endpoint.QueryKey,
		User:              t.endpoint.User,
	})
	if err != nil {
		return err
	}

	req, err := t.newRequest(ctx, http.MethodPost, t.endpoint.BaseURL+"/sync-updates", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sync: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Evict asks the server to drop this subscription
func (t *HTTPTransport) Evict(ctx context.Context) error {
	req, err := t.newRequest(ctx, http.MethodGet, t.eventsURL(true), nil)
	if err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("evict: status %d", resp.StatusCode)
	}
	return nil
}

type httpConn struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	frames chan Frame

	mu     sync.Mutex
	err    error
	closed bool
}

func (c *httpConn) read() {
	defer close(c.frames)

	scanner := newSSEScanner(c.body)
	for scanner.Next() {
		c.frames <- scanner.Frame()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err := scanner.Err(); err != nil {
		c.err = err
	} else {
		c.err = ErrStreamEnded
	}
}

func (c *httpConn) Frames() <-chan Frame {
	return c.frames
}

func (c *httpConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *httpConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.body.Close()

	// Unblock the reader if nobody is draining frames
	go func() {
		for range c.frames {
		}
	}()
	return err
}
