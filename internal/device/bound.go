package device

import (
	"sync"

	"github.com/dxrt-project/dxrt/internal/constants"
)

// BoundClass is the NPU-affinity class a task requests (spec Sec 3).
type BoundClass = constants.BoundClass

// BoundRegistry is the per-device counter of the three legal NPU affinity
// classes held concurrently (spec Sec 4.I). Reads (CanAccept) are far more
// frequent than writes (Add/Delete), so it holds a reader/writer lock
// rather than the plain mutex most of the rest of the service uses.
type BoundRegistry struct {
	mu       sync.RWMutex
	refcount map[BoundClass]int

	// schedAdd/schedDelete issue the hardware affinity command; nil in
	// tests that don't exercise real hardware.
	schedAdd    func(BoundClass) error
	schedDelete func(BoundClass) error
}

// NewBoundRegistry constructs an empty registry. schedAdd/schedDelete may
// be nil, in which case hardware affinity commands are skipped.
func NewBoundRegistry(schedAdd, schedDelete func(BoundClass) error) *BoundRegistry {
	return &BoundRegistry{
		refcount:    make(map[BoundClass]int),
		schedAdd:    schedAdd,
		schedDelete: schedDelete,
	}
}

// CanAccept reports whether b is already held or fewer than three distinct
// classes are currently held.
func (r *BoundRegistry) CanAccept(b BoundClass) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.refcount[b]; ok {
		return true
	}
	return len(r.refcount) < constants.MaxBoundClassesPerDevice
}

// Add acquires one reference on b. On the first reference it issues the
// hardware SCHED_ADD command before counting it as held.
func (r *BoundRegistry) Add(b BoundClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refcount[b] == 0 {
		if len(r.refcount) >= constants.MaxBoundClassesPerDevice {
			return errBoundCapExceeded
		}
		if r.schedAdd != nil {
			if err := r.schedAdd(b); err != nil {
				return err
			}
		}
	}
	r.refcount[b]++
	return nil
}

// Delete releases one reference on b. When the refcount drops to zero it
// issues SCHED_DELETE and forgets the class.
func (r *BoundRegistry) Delete(b BoundClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.refcount[b]
	if !ok || n == 0 {
		return nil
	}
	if n == 1 {
		if r.schedDelete != nil {
			if err := r.schedDelete(b); err != nil {
				return err
			}
		}
		delete(r.refcount, b)
		return nil
	}
	r.refcount[b] = n - 1
	return nil
}

// Count returns the current refcount for b (0 if not held).
func (r *BoundRegistry) Count(b BoundClass) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refcount[b]
}

// Distinct returns the number of distinct bound classes currently held.
func (r *BoundRegistry) Distinct() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refcount)
}

type boundError string

func (e boundError) Error() string { return string(e) }

const errBoundCapExceeded boundError = "bound registry: at most three distinct classes may be held concurrently"
