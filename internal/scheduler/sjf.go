package scheduler

import (
	"container/heap"
	"sync"
)

// taskKey identifies the (pid, taskId) pair the SJF estimator tracks.
type taskKey struct {
	pid    uint32
	taskID uint32
}

// sjfItem is one heap element: ascending by (estimate, reqId).
type sjfItem struct {
	entry    pendingEntry
	estimate int32
	index    int
}

type sjfHeap []*sjfItem

func (h sjfHeap) Len() int { return len(h) }
func (h sjfHeap) Less(i, j int) bool {
	if h[i].estimate != h[j].estimate {
		return h[i].estimate < h[j].estimate
	}
	return h[i].entry.Req.ReqID < h[j].entry.Req.ReqID
}
func (h sjfHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *sjfHeap) Push(x any) {
	item := x.(*sjfItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *sjfHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// SJF dispatches the request with the smallest estimated inference time
// first. The estimate for a (pid, taskId) pair is the first observed
// inf_time; it is written once and never smoothed (spec Sec 4.E).
type SJF struct {
	mu        sync.Mutex
	heaps     map[uint32]*sjfHeap // deviceId -> heap
	estimates map[taskKey]int32
}

func NewSJF() *SJF {
	return &SJF{
		heaps:     make(map[uint32]*sjfHeap),
		estimates: make(map[taskKey]int32),
	}
}

func (s *SJF) estimateFor(pid, taskID uint32) int32 {
	if e, ok := s.estimates[taskKey{pid: pid, taskID: taskID}]; ok {
		return e
	}
	return 0
}

func (s *SJF) Push(entry pendingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.heaps[entry.DeviceID]
	if h == nil {
		h = &sjfHeap{}
		s.heaps[entry.DeviceID] = h
	}
	item := &sjfItem{entry: entry, estimate: s.estimateFor(entry.Req.ProcID, entry.Req.TaskID)}
	heap.Push(h, item)
}

func (s *SJF) Pop(deviceID uint32) (pendingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.heaps[deviceID]
	if h == nil || h.Len() == 0 {
		return pendingEntry{}, false
	}
	item := heap.Pop(h).(*sjfItem)
	return item.entry, true
}

func (s *SJF) OnComplete(pid, taskID uint32, infTime int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey{pid: pid, taskID: taskID}
	if _, ok := s.estimates[key]; !ok {
		s.estimates[key] = infTime
	}
}

func (s *SJF) Remove(deviceID uint32, reqID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.heaps[deviceID]
	if h == nil {
		return
	}
	for i, item := range *h {
		if item.entry.Req.ReqID == reqID {
			heap.Remove(h, i)
			return
		}
	}
}

func (s *SJF) ClearProcess(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dev, h := range s.heaps {
		kept := (*h)[:0]
		for _, item := range *h {
			if item.entry.Req.ProcID != pid {
				kept = append(kept, item)
			}
		}
		*h = kept
		heap.Init(h)
		_ = dev
	}
	for key := range s.estimates {
		if key.pid == pid {
			delete(s.estimates, key)
		}
	}
}

var _ Policy = (*SJF)(nil)
