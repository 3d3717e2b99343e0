package facade

import (
	"sync"

	"github.com/dxrt-project/dxrt/internal/constants"
)

// UsageTracker keeps a rolling per-device busy/idle window, advanced
// once per watchdog scan tick, and reports a 0..1000-scaled duty cycle
// for GET_USAGE (spec Sec 4.G/4.H).
type UsageTracker struct {
	mu    sync.Mutex
	state map[uint32]*usageState
}

type usageState struct {
	ring  [constants.UsageWindowSamples]bool
	idx   int
	count int // samples recorded so far, capped at len(ring)
	busy  int // count of true samples currently in the ring
}

// NewUsageTracker constructs an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{state: make(map[uint32]*usageState)}
}

// Tick records one busy/idle sample for deviceId.
func (u *UsageTracker) Tick(deviceID uint32, busy bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	st := u.state[deviceID]
	if st == nil {
		st = &usageState{}
		u.state[deviceID] = st
	}

	if st.count == len(st.ring) {
		if st.ring[st.idx] {
			st.busy--
		}
	} else {
		st.count++
	}
	st.ring[st.idx] = busy
	if busy {
		st.busy++
	}
	st.idx = (st.idx + 1) % len(st.ring)
}

// Usage returns deviceId's duty cycle scaled to 0..1000. A device with
// no recorded samples reports 0.
func (u *UsageTracker) Usage(deviceID uint32) int32 {
	u.mu.Lock()
	defer u.mu.Unlock()

	st := u.state[deviceID]
	if st == nil || st.count == 0 {
		return 0
	}
	return int32(st.busy * 1000 / st.count)
}
