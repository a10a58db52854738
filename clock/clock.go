// A thin wrapper over the system clock which can be swapped out in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	CurrentTimeMs() uint64
	CurrentTimeSec() uint64
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (sc *systemClock) CurrentTimeSec() uint64 {
	return uint64(time.Now().Unix())
}

// ManualClock only advances when told to. Used in tests for cadence and
// watchdog behavior.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (mc *ManualClock) Now() time.Time {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now
}

func (mc *ManualClock) CurrentTimeMs() uint64 {
	return uint64(mc.Now().UnixMilli())
}

func (mc *ManualClock) CurrentTimeSec() uint64 {
	return uint64(mc.Now().Unix())
}

func (mc *ManualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.now = mc.now.Add(d)
}
