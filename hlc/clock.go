// Package hlc issues hybrid logical timestamps for lifecycle events. Event
// IDs from one instance are unique and strictly increasing even when the
// wall clock stalls or steps backwards.
package hlc

import (
	"sync"
	"time"
)

// LogicalBits is the number of low bits of an ID holding the logical counter.
// 16 bits = ~65k IDs per millisecond per instance.
const LogicalBits = 16

// LogicalMask masks the logical counter
const LogicalMask = (1 << LogicalBits) - 1

// InstanceBits is the number of ID bits holding the instance discriminator
const InstanceBits = 6

// InstanceMask masks the instance discriminator
const InstanceMask = (1 << InstanceBits) - 1

// TotalShiftBits is how far the millisecond wall time is shifted in an ID
const TotalShiftBits = InstanceBits + LogicalBits // 22 bits

// Clock is a hybrid logical clock for one instance
type Clock struct {
	instance uint64
	nowFn    func() time.Time

	mu      sync.Mutex
	wallMS  int64
	logical int32
}

// Timestamp is a point on the clock
type Timestamp struct {
	WallMS   int64
	Logical  int32
	Instance uint64
}

// NewClock creates a clock. instance is folded into InstanceBits.
func NewClock(instance uint64) *Clock {
	return newClockWithNow(instance, time.Now)
}

func newClockWithNow(instance uint64, nowFn func() time.Time) *Clock {
	return &Clock{
		instance: instance & InstanceMask,
		nowFn:    nowFn,
		wallMS:   nowFn().UnixMilli(),
	}
}

// Now returns a timestamp strictly after every one issued before
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.nowFn().UnixMilli()
	if physical > c.wallMS {
		c.wallMS = physical
		c.logical = 0
	}

	// Counter exhausted for this millisecond: borrow the next one
	if c.logical >= LogicalMask {
		c.wallMS++
		c.logical = 0
	}
	c.logical++

	return Timestamp{
		WallMS:   c.wallMS,
		Logical:  c.logical,
		Instance: c.instance,
	}
}

// NextID returns the ID of a fresh timestamp
func (c *Clock) NextID() uint64 {
	return c.Now().ID()
}

// Compare returns -1, 0 or 1 as a is before, equal to or after b
func Compare(a, b Timestamp) int {
	switch {
	case a.WallMS != b.WallMS:
		if a.WallMS < b.WallMS {
			return -1
		}
		return 1
	case a.Logical != b.Logical:
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	case a.Instance != b.Instance:
		if a.Instance < b.Instance {
			return -1
		}
		return 1
	}
	return 0
}

// Time returns the wall component
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(t.WallMS)
}

// ID packs the timestamp into 64 bits.
// Format: (wall_ms << 22) | (instance << 16) | logical
func (t Timestamp) ID() uint64 {
	return uint64(t.WallMS)<<TotalShiftBits | (t.Instance&InstanceMask)<<LogicalBits | uint64(t.Logical)&LogicalMask
}

// FromID unpacks an ID produced by Timestamp.ID
func FromID(id uint64) Timestamp {
	return Timestamp{
		WallMS:   int64(id >> TotalShiftBits),
		Instance: (id >> LogicalBits) & InstanceMask,
		Logical:  int32(id & LogicalMask),
	}
}
