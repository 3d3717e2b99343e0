package arena

import "sync"

// MemoryTier layers the PID-scoped and task-scoped allocation indices on
// top of a device's Arena. Both indices track the same underlying
// addresses; removing an address from either one deallocates it from the
// arena exactly once.
type MemoryTier struct {
	mu     sync.Mutex
	arena  *Arena
	byPID  map[uint32]map[uint64]struct{}
	byTask map[uint32]map[uint32]map[uint64]struct{} // pid -> taskId -> addrs
}

// NewMemoryTier wraps an Arena with the PID/task tracking indices.
func NewMemoryTier(a *Arena) *MemoryTier {
	return &MemoryTier{
		arena:  a,
		byPID:  make(map[uint32]map[uint64]struct{}),
		byTask: make(map[uint32]map[uint32]map[uint64]struct{}),
	}
}

// Allocate reserves n bytes for pid (legacy/PID-scoped allocation, not
// bound to any task) and records it in the PID index.
func (t *MemoryTier) Allocate(pid uint32, n uint64) (uint64, error) {
	addr, err := t.arena.Allocate(n)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.trackPID(pid, addr)
	t.mu.Unlock()
	return addr, nil
}

// AllocateForTask reserves n bytes for (pid, taskId) using back-allocation
// (model weights are kept away from the bottom of the arena) and records
// it in both indices.
func (t *MemoryTier) AllocateForTask(pid, taskID uint32, n uint64) (uint64, error) {
	addr, err := t.arena.BackwardAllocate(n)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.trackPID(pid, addr)
	t.trackTask(pid, taskID, addr)
	t.mu.Unlock()
	return addr, nil
}

func (t *MemoryTier) trackPID(pid uint32, addr uint64) {
	set, ok := t.byPID[pid]
	if !ok {
		set = make(map[uint64]struct{})
		t.byPID[pid] = set
	}
	set[addr] = struct{}{}
}

func (t *MemoryTier) trackTask(pid, taskID uint32, addr uint64) {
	tasks, ok := t.byTask[pid]
	if !ok {
		tasks = make(map[uint32]map[uint64]struct{})
		t.byTask[pid] = tasks
	}
	set, ok := tasks[taskID]
	if !ok {
		set = make(map[uint64]struct{})
		tasks[taskID] = set
	}
	set[addr] = struct{}{}
}

// Free deallocates addr on behalf of pid, removing it from both indices.
// It is a no-op (returning false) if pid does not own addr.
func (t *MemoryTier) Free(pid uint32, addr uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.byPID[pid]
	if !ok {
		return false
	}
	if _, ok := set[addr]; !ok {
		return false
	}
	delete(set, addr)
	if len(set) == 0 {
		delete(t.byPID, pid)
	}
	t.untrackTaskAddr(pid, addr)
	t.arena.Deallocate(addr)
	return true
}

// FreeTaskMemory deallocates every address allocated for (pid, taskId),
// removing them from both indices.
func (t *MemoryTier) FreeTaskMemory(pid, taskID uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	tasks, ok := t.byTask[pid]
	if !ok {
		return 0
	}
	set, ok := tasks[taskID]
	if !ok {
		return 0
	}
	n := 0
	for addr := range set {
		t.arena.Deallocate(addr)
		if pidSet, ok := t.byPID[pid]; ok {
			delete(pidSet, addr)
			if len(pidSet) == 0 {
				delete(t.byPID, pid)
			}
		}
		n++
	}
	delete(tasks, taskID)
	if len(tasks) == 0 {
		delete(t.byTask, pid)
	}
	return n
}

func (t *MemoryTier) untrackTaskAddr(pid uint32, addr uint64) {
	tasks, ok := t.byTask[pid]
	if !ok {
		return
	}
	for taskID, set := range tasks {
		if _, ok := set[addr]; ok {
			delete(set, addr)
			if len(set) == 0 {
				delete(tasks, taskID)
			}
			break
		}
	}
	if len(tasks) == 0 {
		delete(t.byTask, pid)
	}
}

// FreeAllForProcess deallocates every address held by pid across both
// indices, for use during process teardown.
func (t *MemoryTier) FreeAllForProcess(pid uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.byPID[pid]
	if !ok {
		return 0
	}
	n := 0
	for addr := range set {
		t.arena.Deallocate(addr)
		n++
	}
	delete(t.byPID, pid)
	delete(t.byTask, pid)
	return n
}

// HasTaskAllocations reports whether (pid, taskId) currently owns at
// least one address, the second half of IsTaskValid's predicate (spec
// Sec 4.G).
func (t *MemoryTier) HasTaskAllocations(pid, taskID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tasks, ok := t.byTask[pid]
	if !ok {
		return false
	}
	set, ok := tasks[taskID]
	return ok && len(set) > 0
}

// UsedByProcess reports how many addresses pid currently owns.
func (t *MemoryTier) UsedByProcess(pid uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byPID[pid])
}

// Arena exposes the underlying allocator, for usage reporting and
// watchdog compaction.
func (t *MemoryTier) Arena() *Arena { return t.arena }
