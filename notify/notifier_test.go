package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/maxpert/syncrelay/cfg"
)

func update(user, msg string) Event {
	return Event{Name: EventUpdate, Update: &Update{SyncMessage: msg, User: user}}
}

func TestBroadcaster_BasicSubscribePublish(t *testing.T) {
	b := NewBroadcaster(4, cfg.OverflowDrop)

	sub := b.Subscribe("alice")
	defer sub.Close()

	b.Publish(update("alice", "AQI="))

	select {
	case ev := <-sub.C():
		if ev.Name != EventUpdate || ev.Update.User != "alice" || ev.Update.SyncMessage != "AQI=" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestBroadcaster_EverySubscriberReceives(t *testing.T) {
	b := NewBroadcaster(4, cfg.OverflowDrop)

	subs := []*Subscription{b.Subscribe("alice"), b.Subscribe("bob"), b.Subscribe("carol")}
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	b.Publish(Event{Name: EventServerRestarting})

	for _, s := range subs {
		select {
		case ev := <-s.C():
			if ev.Name != EventServerRestarting {
				t.Errorf("%s: expected server-restarting, got %s", s.User(), ev.Name)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("%s: timeout waiting for event", s.User())
		}
	}
}

func TestBroadcaster_CloseUnsubscribes(t *testing.T) {
	b := NewBroadcaster(4, cfg.OverflowDrop)

	sub := b.Subscribe("alice")
	sub.Close()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("channel should be closed after Close")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for channel close")
	}

	if b.Len() != 0 {
		t.Errorf("expected 0 subscriptions, got %d", b.Len())
	}

	// Subsequent publishes and a second Close should not panic
	b.Publish(update("alice", ""))
	sub.Close()
}

func TestBroadcaster_DropPolicyKeepsSubscription(t *testing.T) {
	b := NewBroadcaster(2, cfg.OverflowDrop)

	sub := b.Subscribe("slow")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(update("slow", ""))
	}

	if sub.Overflowed() {
		t.Error("drop policy must not mark the subscription overflowed")
	}
	if b.Len() != 1 {
		t.Errorf("expected subscription to stay attached, got %d", b.Len())
	}

	received := 0
	for {
		select {
		case <-sub.C():
			received++
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	if received != 2 {
		t.Errorf("expected buffer-sized delivery of 2, got %d", received)
	}
}

func TestBroadcaster_DisconnectPolicyClosesSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(1, cfg.OverflowDisconnect)

	slow := b.Subscribe("slow")
	fast := b.Subscribe("fast")
	defer fast.Close()

	b.Publish(update("x", ""))
	<-fast.C()
	b.Publish(update("x", ""))

	if !slow.Overflowed() {
		t.Fatal("expected slow subscription to be marked overflowed")
	}

	// Buffered frame is still readable, then the channel closes
	if _, ok := <-slow.C(); !ok {
		t.Fatal("expected buffered frame before close")
	}
	if _, ok := <-slow.C(); ok {
		t.Fatal("expected channel to be closed")
	}

	if b.Len() != 1 {
		t.Errorf("expected only fast subscriber to remain, got %d", b.Len())
	}
	if fast.Overflowed() {
		t.Error("fast subscriber must not be marked overflowed")
	}
}

func TestBroadcaster_CloseUser(t *testing.T) {
	b := NewBroadcaster(4, cfg.OverflowDrop)

	a1 := b.Subscribe("alice")
	a2 := b.Subscribe("alice")
	bob := b.Subscribe("bob")
	defer bob.Close()

	if n := b.CloseUser("alice"); n != 2 {
		t.Errorf("expected 2 closed subscriptions, got %d", n)
	}

	for _, s := range []*Subscription{a1, a2} {
		if _, ok := <-s.C(); ok {
			t.Error("expected alice subscriptions to be closed")
		}
	}
	if b.Len() != 1 {
		t.Errorf("expected bob to remain, got %d", b.Len())
	}
	if n := b.CloseUser("nobody"); n != 0 {
		t.Errorf("expected no-op for unknown user, got %d", n)
	}
}

func TestBroadcaster_CloseIsIdempotent(t *testing.T) {
	b := NewBroadcaster(4, cfg.OverflowDrop)

	sub := b.Subscribe("alice")
	b.Close()
	b.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("expected subscription to be closed")
	}

	late := b.Subscribe("bob")
	if _, ok := <-late.C(); ok {
		t.Error("subscribing to a closed broadcaster must yield a closed subscription")
	}
	late.Close()
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(8, cfg.OverflowDisconnect)
	const numGoroutines = 10
	const numEvents = 100

	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			sub := b.Subscribe("reader")
			defer sub.Close()

			timeout := time.After(2 * time.Second)
			for received := 0; received < numEvents; {
				select {
				case _, ok := <-sub.C():
					if !ok {
						return
					}
					received++
				case <-timeout:
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numEvents; i++ {
			b.Publish(update("reader", ""))
		}
	}()

	wg.Wait()
	b.Close()
}

func TestBroadcaster_Defaults(t *testing.T) {
	b := NewBroadcaster(0, "")
	if b.bufferSize != DefaultBufferSize {
		t.Errorf("expected default buffer size, got %d", b.bufferSize)
	}
	if b.policy != cfg.OverflowDisconnect {
		t.Errorf("expected disconnect policy by default, got %s", b.policy)
	}
}
