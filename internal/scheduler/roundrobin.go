package scheduler

import "sync"

// RoundRobin keeps one queue per (device, pid) and a rotating cursor per
// device; each Pop advances the cursor to the next pid with work queued.
type RoundRobin struct {
	mu       sync.Mutex
	queues   map[uint32]map[uint32][]pendingEntry // deviceId -> pid -> queue
	order    map[uint32][]uint32                  // deviceId -> pid insertion order
	cursor   map[uint32]int                       // deviceId -> index into order
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{
		queues: make(map[uint32]map[uint32][]pendingEntry),
		order:  make(map[uint32][]uint32),
		cursor: make(map[uint32]int),
	}
}

func (r *RoundRobin) Push(entry pendingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev := entry.DeviceID
	pid := entry.Req.ProcID
	if r.queues[dev] == nil {
		r.queues[dev] = make(map[uint32][]pendingEntry)
	}
	if _, seen := r.queues[dev][pid]; !seen {
		r.order[dev] = append(r.order[dev], pid)
	}
	r.queues[dev][pid] = append(r.queues[dev][pid], entry)
}

func (r *RoundRobin) Pop(deviceID uint32) (pendingEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order := r.order[deviceID]
	if len(order) == 0 {
		return pendingEntry{}, false
	}

	n := len(order)
	start := r.cursor[deviceID] % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		pid := order[idx]
		q := r.queues[deviceID][pid]
		if len(q) == 0 {
			continue
		}
		entry := q[0]
		r.queues[deviceID][pid] = q[1:]
		next := idx + 1
		if len(q) == 1 {
			next = idx // pid is pruned below, shifting its successor into idx
		}
		r.cursor[deviceID] = next
		r.pruneEmptyLocked(deviceID)
		return entry, true
	}
	return pendingEntry{}, false
}

// pruneEmptyLocked drops pids with no queued work from the rotation
// order so it doesn't grow without bound across a long-lived device.
func (r *RoundRobin) pruneEmptyLocked(deviceID uint32) {
	order := r.order[deviceID]
	out := order[:0]
	for _, pid := range order {
		if len(r.queues[deviceID][pid]) > 0 {
			out = append(out, pid)
		} else {
			delete(r.queues[deviceID], pid)
		}
	}
	r.order[deviceID] = out
	if r.cursor[deviceID] > len(out) {
		r.cursor[deviceID] = 0
	}
}

func (r *RoundRobin) OnComplete(pid, taskID uint32, infTime int32) {}

func (r *RoundRobin) Remove(deviceID uint32, reqID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid, q := range r.queues[deviceID] {
		for i, e := range q {
			if e.Req.ReqID == reqID {
				r.queues[deviceID][pid] = append(q[:i], q[i+1:]...)
				r.pruneEmptyLocked(deviceID)
				return
			}
		}
	}
}

func (r *RoundRobin) ClearProcess(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dev := range r.queues {
		delete(r.queues[dev], pid)
		r.pruneEmptyLocked(dev)
	}
}

var _ Policy = (*RoundRobin)(nil)
