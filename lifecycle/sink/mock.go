package sink

import (
	"errors"
	"sync"

	"github.com/maxpert/syncrelay/encoding"
	"github.com/maxpert/syncrelay/lifecycle"
)

var errRecordingSinkUnavailable = errors.New("recording sink unavailable")

// Recorded is one lifecycle event as a sink received it
type Recorded struct {
	Topic string
	Key   string
	Event lifecycle.Event
}

// RecordingSink decodes and keeps every lifecycle event in memory. It can be
// told to fail the next few publishes to exercise publisher retries.
type RecordingSink struct {
	mu       sync.Mutex
	events   []Recorded
	failNext int
	closed   bool
}

// FailNext makes the next n publishes fail
func (r *RecordingSink) FailNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
}

func (r *RecordingSink) Publish(topic, key string, value []byte) error {
	var ev lifecycle.Event
	if err := encoding.Unmarshal(value, &ev); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return errRecordingSinkUnavailable
	}
	r.events = append(r.events, Recorded{Topic: topic, Key: key, Event: ev})
	return nil
}

func (r *RecordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether the publisher released the sink
func (r *RecordingSink) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Events returns a copy of the recorded events in publish order
func (r *RecordingSink) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}
