package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/syncrelay/cfg"
	"github.com/maxpert/syncrelay/content"
	"github.com/maxpert/syncrelay/lifecycle"
	"github.com/maxpert/syncrelay/merge"
	"github.com/maxpert/syncrelay/notify"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []lifecycle.Event
}

func (r *recordingEmitter) Emit(ev lifecycle.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) types() []lifecycle.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]lifecycle.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type countingLoader struct {
	calls atomic.Int32
	delay time.Duration
	text  string
	err   error
}

func (l *countingLoader) Load(ctx context.Context, identifier, queryKey string) (string, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	return l.text, l.err
}

func newTestRegistry(t *testing.T, loader content.Loader, emitter lifecycle.Emitter) *Registry {
	t.Helper()
	r := NewRegistry(Config{
		DocumentType:   "shared-doc",
		BufferSize:     8,
		OverflowPolicy: cfg.OverflowDrop,
		LockStripes:    4,
		LoadTimeout:    time.Second,
		InstanceID:     "test",
	}, merge.NewTextEngine(), loader, emitter)
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func TestRegisterRequiresStart(t *testing.T) {
	r := NewRegistry(Config{}, merge.NewTextEngine(), nil, nil)
	_, err := r.Register(context.Background(), "presence", "room", "alice", "")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestChannelExistsWhileSubscribed(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	ch, err := r.Register(ctx, "presence", "room", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, KindPresence, ch.Kind())
	assert.Nil(t, ch.Document())

	_, err = r.Register(ctx, "presence", "room", "bob", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ch.Subscribers())

	r.Unregister("presence", "room", "alice")
	_, ok := r.Lookup("presence", "room")
	assert.True(t, ok)

	r.Unregister("presence", "room", "bob")
	_, ok = r.Lookup("presence", "room")
	assert.False(t, ok)
	assert.True(t, ch.Evicted())
}

func TestRegisterSameUserTwice(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, "presence", "room", "alice", "")
	require.NoError(t, err)
	ch, err := r.Register(ctx, "presence", "room", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Len())

	r.Unregister("presence", "room", "alice")
	_, ok := r.Lookup("presence", "room")
	assert.False(t, ok)
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	em := &recordingEmitter{}
	r := newTestRegistry(t, nil, em)

	r.Unregister("presence", "missing", "alice")

	_, err := r.Register(context.Background(), "presence", "room", "alice", "")
	require.NoError(t, err)
	r.Unregister("presence", "room", "mallory")
	r.Unregister("presence", "room", "alice")
	r.Unregister("presence", "room", "alice")

	assert.Equal(t, []lifecycle.EventType{
		lifecycle.ChannelCreated,
		lifecycle.SubscriberJoined,
		lifecycle.SubscriberLeft,
		lifecycle.ChannelEvicted,
	}, em.types())
}

func TestDocumentChannelLoadsContent(t *testing.T) {
	loader := &countingLoader{text: "hello"}
	r := newTestRegistry(t, loader, nil)

	ch, err := r.Register(context.Background(), "shared-doc", "doc-1", "alice", "q")
	require.NoError(t, err)
	assert.Equal(t, KindSharedDocument, ch.Kind())
	assert.Equal(t, "q", ch.QueryKey())
	require.NotNil(t, ch.Document())
	assert.Equal(t, "hello", ch.Document().Text())

	_, ok := r.LookupCursor("doc-1", "alice")
	assert.True(t, ok)
}

func TestNotFoundLoadsEmptyDocument(t *testing.T) {
	r := newTestRegistry(t, &countingLoader{err: content.ErrNotFound}, nil)

	ch, err := r.Register(context.Background(), "shared-doc", "doc-1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "", ch.Document().Text())
}

func TestConcurrentRegisterLoadsOnce(t *testing.T) {
	loader := &countingLoader{text: "seed", delay: 50 * time.Millisecond}
	r := newTestRegistry(t, loader, nil)

	const n = 16
	var wg sync.WaitGroup
	channels := make([]*Channel, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := r.Register(context.Background(), "shared-doc", "doc-1", string(rune('a'+i)), "")
			assert.NoError(t, err)
			channels[i] = ch
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), loader.calls.Load())
	for _, ch := range channels {
		assert.Same(t, channels[0], ch)
	}
	assert.Equal(t, n, channels[0].Len())
}

func TestLoadFailureLeavesNoChannel(t *testing.T) {
	boom := errors.New("boom")
	loader := &countingLoader{err: boom, delay: 20 * time.Millisecond}
	r := newTestRegistry(t, loader, nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Register(context.Background(), "shared-doc", "doc-1", "alice", "")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		var le *LoadError
		assert.ErrorAs(t, err, &le)
	}
	_, ok := r.Lookup("shared-doc", "doc-1")
	assert.False(t, ok)

	loader.err = nil
	loader.text = "recovered"
	ch, err := r.Register(context.Background(), "shared-doc", "doc-1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "recovered", ch.Document().Text())
}

func TestReRegisterCreatesFreshDocument(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	ch, err := r.Register(ctx, "shared-doc", "doc-1", "alice", "")
	require.NoError(t, err)

	err = r.WithDocument("doc-1", func(ch *Channel) error {
		doc, err := merge.Edit(ch.Document(), "alice", "hello")
		require.NoError(t, err)
		assert.True(t, r.Commit(ch, doc, nil, nil))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", ch.Document().Text())

	r.Unregister("shared-doc", "doc-1", "alice")
	_, ok := r.LookupCursor("doc-1", "alice")
	assert.False(t, ok)

	fresh, err := r.Register(ctx, "shared-doc", "doc-1", "alice", "")
	require.NoError(t, err)
	assert.NotSame(t, ch, fresh)
	assert.Equal(t, "", fresh.Document().Text())
}

func TestCommitAfterEvictionIsRejected(t *testing.T) {
	r := newTestRegistry(t, nil, nil)

	ch, err := r.Register(context.Background(), "shared-doc", "doc-1", "alice", "")
	require.NoError(t, err)
	r.Unregister("shared-doc", "doc-1", "alice")

	doc, err := merge.Edit(merge.Empty(), "alice", "late")
	require.NoError(t, err)
	assert.False(t, r.Commit(ch, doc, map[string]merge.Cursor{"alice": {}}, map[string]uint64{"alice": 1}))
	_, ok := r.LookupCursor("doc-1", "alice")
	assert.False(t, ok)
}

func TestCommitSkipsUsersWhoLeftOrRejoined(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()
	engine := r.Engine()

	var ch *Channel
	for _, u := range []string{"alice", "bob", "carol"} {
		var err error
		ch, err = r.Register(ctx, "shared-doc", "doc-1", u, "")
		require.NoError(t, err)
	}
	members := ch.Members()
	require.Len(t, members, 3)

	stale, _, err := engine.Generate(ch.Document(), engine.InitCursor())
	require.NoError(t, err)
	require.NotEqual(t, engine.InitCursor(), stale)

	// Membership changes while a sync is computing cursors
	r.Unregister("shared-doc", "doc-1", "bob")
	r.Unregister("shared-doc", "doc-1", "carol")
	_, err = r.Register(ctx, "shared-doc", "doc-1", "carol", "")
	require.NoError(t, err)
	assert.NotEqual(t, members["carol"], ch.Members()["carol"])

	cursors := map[string]merge.Cursor{"alice": stale, "bob": stale, "carol": stale, "dave": stale}
	require.True(t, r.Commit(ch, ch.Document(), cursors, members))

	got, ok := r.LookupCursor("doc-1", "alice")
	require.True(t, ok)
	assert.Equal(t, stale, got)

	_, ok = r.LookupCursor("doc-1", "bob")
	assert.False(t, ok, "departed user must not get a cursor back")

	got, ok = r.LookupCursor("doc-1", "carol")
	require.True(t, ok)
	assert.Equal(t, engine.InitCursor(), got, "rejoined user keeps the fresh cursor")

	// A sender that never subscribed keeps its lazily created cursor
	_, ok = r.LookupCursor("doc-1", "dave")
	assert.True(t, ok)
}

func TestWithDocumentNotFound(t *testing.T) {
	r := newTestRegistry(t, nil, nil)

	_, err := r.Register(context.Background(), "presence", "doc-1", "alice", "")
	require.NoError(t, err)

	called := false
	err = r.WithDocument("doc-1", func(*Channel) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.False(t, called)
}

func TestWithDocumentSerializesPerIdentifier(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	_, err := r.Register(context.Background(), "shared-doc", "doc-1", "alice", "")
	require.NoError(t, err)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.WithDocument("doc-1", func(*Channel) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestUnregisterClosesUserStreams(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	ch, err := r.Register(ctx, "presence", "room", "alice", "")
	require.NoError(t, err)
	_, err = r.Register(ctx, "presence", "room", "bob", "")
	require.NoError(t, err)

	aliceSub := ch.Broadcaster().Subscribe("alice")
	bobSub := ch.Broadcaster().Subscribe("bob")

	r.Unregister("presence", "room", "alice")

	_, open := <-aliceSub.C()
	assert.False(t, open)

	ch.Broadcaster().Publish(notify.Event{Name: notify.EventServerRestarting})
	select {
	case ev := <-bobSub.C():
		assert.Equal(t, notify.EventServerRestarting, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("bob did not receive event")
	}
}

func TestBroadcastShutdown(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	a, err := r.Register(ctx, "presence", "room-a", "alice", "")
	require.NoError(t, err)
	b, err := r.Register(ctx, "shared-doc", "doc-1", "bob", "")
	require.NoError(t, err)

	subA := a.Broadcaster().Subscribe("alice")
	subB := b.Broadcaster().Subscribe("bob")

	assert.Equal(t, 2, r.BroadcastShutdown())

	for _, sub := range []*notify.Subscription{subA, subB} {
		select {
		case ev := <-sub.C():
			assert.Equal(t, notify.EventServerRestarting, ev.Name)
		case <-time.After(time.Second):
			t.Fatal("missing restart notice")
		}
	}

	_, ok := r.Lookup("presence", "room-a")
	assert.True(t, ok)
}

func TestStopClosesEverything(t *testing.T) {
	r := newTestRegistry(t, nil, nil)

	ch, err := r.Register(context.Background(), "presence", "room", "alice", "")
	require.NoError(t, err)
	sub := ch.Broadcaster().Subscribe("alice")

	r.Stop()

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Empty(t, r.ChannelCounts())

	_, err = r.Register(context.Background(), "presence", "room", "alice", "")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStatsAndSnapshot(t *testing.T) {
	r := newTestRegistry(t, &countingLoader{text: "abc"}, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, "presence", "room", "alice", "")
	require.NoError(t, err)
	_, err = r.Register(ctx, "presence", "room", "bob", "")
	require.NoError(t, err)
	_, err = r.Register(ctx, "shared-doc", "doc-2", "carol", "")
	require.NoError(t, err)
	_, err = r.Register(ctx, "shared-doc", "doc-1", "carol", "")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"presence": 1, "shared-doc": 2}, r.ChannelCounts())
	assert.Equal(t, 4, r.SubscriberCount())

	docs := r.Channels("shared-doc")
	require.Len(t, docs, 2)
	assert.Equal(t, "doc-1", docs[0].Identifier)
	assert.Equal(t, "shared-document", docs[0].Kind)
	assert.Equal(t, 3, docs[0].Length)
	assert.Len(t, docs[0].Heads, 1)
}
