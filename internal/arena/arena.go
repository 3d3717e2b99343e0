// Package arena implements the device memory allocator: a best-fit,
// address-ordered free list over a fixed [base, base+size) range, plus the
// service-wide PID/task indices layered on top of it. It generalizes the
// teacher's sharded-lock RAM backend (backend/mem.go) from a
// byte-addressable store to an address-range allocator guarded by one
// mutex per device.
package arena

import (
	"sort"
	"sync"

	"github.com/dxrt-project/dxrt/internal/constants"
)

// node is one contiguous range of the arena, either busy (allocated) or
// free. Nodes are kept sorted by Addr and always partition [base, base+size).
type node struct {
	addr uint64
	size uint64
	busy bool
}

// FragInfo reports the free-space layout of an arena at a point in time.
type FragInfo struct {
	TotalFree   uint64
	LargestFree uint64
	SmallestFree uint64
	Count       int
	Ratio       float64
}

// ErrOOM is returned by Allocate/BackwardAllocate when no free node is
// large enough, even after a defragmentation retry.
type ErrOOM struct{ Requested uint64 }

func (e ErrOOM) Error() string { return "arena: out of memory" }

// Arena allocates address ranges within [base, base+size).
type Arena struct {
	mu    sync.Mutex
	base  uint64
	size  uint64
	nodes []node // sorted by addr, partitions [base, base+size)
}

// New creates an arena covering [base, base+size).
func New(base, size uint64) *Arena {
	return &Arena{
		base:  base,
		size:  size,
		nodes: []node{{addr: base, size: size, busy: false}},
	}
}

func align(n uint64) uint64 {
	a := uint64(constants.ArenaAlignment)
	return (n + a - 1) &^ (a - 1)
}

// Allocate reserves n bytes via best-fit search from the lowest address,
// aligned up to the arena's alignment. It retries once after
// defragmentation when the allocation is large and fragmentation is high.
func (a *Arena) Allocate(n uint64) (uint64, error) {
	n = align(n)
	a.mu.Lock()
	defer a.mu.Unlock()

	if addr, ok := a.bestFit(n, false); ok {
		return addr, nil
	}
	if a.shouldDefrag(n) {
		a.compactLocked()
		if addr, ok := a.bestFit(n, false); ok {
			return addr, nil
		}
	}
	return 0, ErrOOM{Requested: n}
}

// BackwardAllocate reserves n bytes via best-fit search, but splits the
// chosen free node from its top (highest address) rather than its bottom.
// Used to keep long-lived model weights away from the churn at the bottom
// of the arena.
func (a *Arena) BackwardAllocate(n uint64) (uint64, error) {
	n = align(n)
	a.mu.Lock()
	defer a.mu.Unlock()

	if addr, ok := a.bestFit(n, true); ok {
		return addr, nil
	}
	if a.shouldDefrag(n) {
		a.compactLocked()
		if addr, ok := a.bestFit(n, true); ok {
			return addr, nil
		}
	}
	return 0, ErrOOM{Requested: n}
}

func (a *Arena) shouldDefrag(n uint64) bool {
	if n < constants.DefragMinRequestSize {
		return false
	}
	info := a.fragInfoLocked()
	return info.Ratio > constants.DefragFragmentationThreshold
}

// bestFit scans free nodes for the smallest one that still fits n, splits
// it, and returns the allocated address. backward splits from the node's
// top instead of its bottom.
func (a *Arena) bestFit(n uint64, backward bool) (uint64, bool) {
	bestIdx := -1
	var bestSize uint64
	for i, nd := range a.nodes {
		if nd.busy || nd.size < n {
			continue
		}
		if bestIdx == -1 || nd.size < bestSize {
			bestIdx = i
			bestSize = nd.size
		}
	}
	if bestIdx == -1 {
		return 0, false
	}

	free := a.nodes[bestIdx]
	if free.size == n {
		a.nodes[bestIdx].busy = true
		return free.addr, true
	}

	if backward {
		allocAddr := free.addr + free.size - n
		remaining := node{addr: free.addr, size: free.size - n, busy: false}
		allocated := node{addr: allocAddr, size: n, busy: true}
		a.nodes[bestIdx] = remaining
		a.insertAfter(bestIdx, allocated)
		return allocAddr, true
	}

	allocated := node{addr: free.addr, size: n, busy: true}
	remaining := node{addr: free.addr + n, size: free.size - n, busy: false}
	a.nodes[bestIdx] = allocated
	a.insertAfter(bestIdx, remaining)
	return allocated.addr, true
}

func (a *Arena) insertAfter(idx int, n node) {
	a.nodes = append(a.nodes, node{})
	copy(a.nodes[idx+2:], a.nodes[idx+1:])
	a.nodes[idx+1] = n
}

// Deallocate marks addr's node free and merges it with free neighbors. An
// unknown address is a no-op; callers should log a warning.
func (a *Arena) Deallocate(addr uint64) (found bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := sort.Search(len(a.nodes), func(i int) bool { return a.nodes[i].addr >= addr })
	if idx >= len(a.nodes) || a.nodes[idx].addr != addr {
		return false
	}
	if !a.nodes[idx].busy {
		return false
	}
	a.nodes[idx].busy = false
	a.mergeAround(idx)
	return true
}

// mergeAround merges the node at idx with an adjacent free predecessor
// and/or successor.
func (a *Arena) mergeAround(idx int) {
	if idx+1 < len(a.nodes) && !a.nodes[idx+1].busy {
		a.nodes[idx].size += a.nodes[idx+1].size
		a.nodes = append(a.nodes[:idx+1], a.nodes[idx+2:]...)
	}
	if idx-1 >= 0 && !a.nodes[idx-1].busy {
		a.nodes[idx-1].size += a.nodes[idx].size
		a.nodes = append(a.nodes[:idx], a.nodes[idx+1:]...)
	}
}

// FragmentationInfo reports the current free-space layout.
func (a *Arena) FragmentationInfo() FragInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fragInfoLocked()
}

func (a *Arena) fragInfoLocked() FragInfo {
	info := FragInfo{SmallestFree: ^uint64(0)}
	for _, nd := range a.nodes {
		if nd.busy {
			continue
		}
		info.Count++
		info.TotalFree += nd.size
		if nd.size > info.LargestFree {
			info.LargestFree = nd.size
		}
		if nd.size < info.SmallestFree {
			info.SmallestFree = nd.size
		}
	}
	if info.Count == 0 {
		info.SmallestFree = 0
		return info
	}
	if info.TotalFree > 0 {
		info.Ratio = float64(info.TotalFree-info.LargestFree) / float64(info.TotalFree)
	}
	return info
}

// Compact coalesces adjacent free nodes without relocating busy ones.
func (a *Arena) Compact() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.compactLocked()
}

func (a *Arena) compactLocked() {
	out := a.nodes[:0:0]
	for _, nd := range a.nodes {
		if len(out) > 0 && !out[len(out)-1].busy && !nd.busy {
			out[len(out)-1].size += nd.size
			continue
		}
		out = append(out, nd)
	}
	a.nodes = out
}

// UsedSize returns the sum of busy node sizes, for invariant checks and
// usage reporting.
func (a *Arena) UsedSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var used uint64
	for _, nd := range a.nodes {
		if nd.busy {
			used += nd.size
		}
	}
	return used
}

// NodeCount returns the number of nodes currently partitioning the arena,
// for tests asserting the no-two-adjacent-free-nodes invariant.
func (a *Arena) NodeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}
