package scheduler

import "sync"

// FIFO is the simplest policy: one queue per device, pop from the front.
type FIFO struct {
	mu     sync.Mutex
	queues map[uint32][]pendingEntry
}

func NewFIFO() *FIFO {
	return &FIFO{queues: make(map[uint32][]pendingEntry)}
}

func (f *FIFO) Push(entry pendingEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[entry.DeviceID] = append(f.queues[entry.DeviceID], entry)
}

func (f *FIFO) Pop(deviceID uint32) (pendingEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[deviceID]
	if len(q) == 0 {
		return pendingEntry{}, false
	}
	entry := q[0]
	f.queues[deviceID] = q[1:]
	return entry, true
}

func (f *FIFO) OnComplete(pid, taskID uint32, infTime int32) {}

func (f *FIFO) Remove(deviceID uint32, reqID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[deviceID]
	for i, e := range q {
		if e.Req.ReqID == reqID {
			f.queues[deviceID] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (f *FIFO) ClearProcess(pid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for dev, q := range f.queues {
		out := q[:0]
		for _, e := range q {
			if e.Req.ProcID != pid {
				out = append(out, e)
			}
		}
		f.queues[dev] = out
	}
}

var _ Policy = (*FIFO)(nil)
