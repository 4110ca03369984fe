package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/syncrelay/cfg"
	"github.com/maxpert/syncrelay/content"
	"github.com/maxpert/syncrelay/merge"
	"github.com/maxpert/syncrelay/notify"
	"github.com/maxpert/syncrelay/session"
)

func newTestRouter(t *testing.T, secret string) (*chi.Mux, *session.Registry, *content.MemoryStore) {
	t.Helper()

	store := content.NewMemoryStore()
	registry := session.NewRegistry(session.Config{
		DocumentType:   "shared-doc",
		BufferSize:     8,
		OverflowPolicy: cfg.OverflowDrop,
	}, merge.NewTextEngine(), store, nil)
	registry.Start()
	t.Cleanup(registry.Stop)

	r := chi.NewRouter()
	RegisterRoutes(r, NewAdminHandlers(registry, store), secret)
	return r, registry, store
}

func do(t *testing.T, h http.Handler, method, target, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestAuthMiddleware(t *testing.T) {
	r, _, _ := newTestRouter(t, "s3cret")

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "bad format", headers: map[string]string{"Authorization": "Basic abc"}, want: http.StatusUnauthorized},
		{name: "wrong secret", headers: map[string]string{SecretHeader: "nope"}, want: http.StatusUnauthorized},
		{name: "header", headers: map[string]string{SecretHeader: "s3cret"}, want: http.StatusOK},
		{name: "bearer", headers: map[string]string{"Authorization": "Bearer s3cret"}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, r, http.MethodGet, "/admin/health", "", tt.headers)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStatsAndChannels(t *testing.T) {
	r, registry, store := newTestRouter(t, "")
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "doc1", "", "abc"))
	_, err := registry.Register(ctx, "shared-doc", "doc1", "alice", "")
	require.NoError(t, err)
	_, err = registry.Register(ctx, "presence", "room", "bob", "")
	require.NoError(t, err)

	rec, body := do(t, r, http.MethodGet, "/admin/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, 2, data["channels"])
	assert.EqualValues(t, 2, data["subscribers"])

	rec, body = do(t, r, http.MethodGet, "/admin/channels/shared-doc", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["data"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "doc1", list[0].(map[string]interface{})["identifier"])

	rec, body = do(t, r, http.MethodGet, "/admin/channels/shared-doc/doc1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", body["data"].(map[string]interface{})["text"])

	rec, _ = do(t, r, http.MethodGet, "/admin/channels/shared-doc/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, r, http.MethodGet, "/admin/channels/none", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["data"])
}

func TestRestartNotice(t *testing.T) {
	r, registry, _ := newTestRouter(t, "")

	ch, err := registry.Register(context.Background(), "presence", "room", "alice", "")
	require.NoError(t, err)
	sub := ch.Broadcaster().Subscribe("alice")
	defer sub.Close()

	rec, body := do(t, r, http.MethodPost, "/admin/restart-notice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["data"].(map[string]interface{})["notified_channels"])

	select {
	case ev := <-sub.C():
		assert.Equal(t, notify.EventServerRestarting, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("no restart notice")
	}
}

func TestPutContent(t *testing.T) {
	r, registry, store := newTestRouter(t, "")

	rec, _ := do(t, r, http.MethodPut, "/admin/content/doc9?queryKey=v1", "seeded text", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	text, err := store.Load(context.Background(), "doc9", "v1")
	require.NoError(t, err)
	assert.Equal(t, "seeded text", text)

	ch, err := registry.Register(context.Background(), "shared-doc", "doc9", "alice", "v1")
	require.NoError(t, err)
	assert.Equal(t, "seeded text", ch.Document().Text())
}

func TestPutContentWithoutStore(t *testing.T) {
	registry := session.NewRegistry(session.Config{}, merge.NewTextEngine(), nil, nil)
	r := chi.NewRouter()
	RegisterRoutes(r, NewAdminHandlers(registry, nil), "")

	rec, _ := do(t, r, http.MethodPut, "/admin/content/doc9", "x", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
