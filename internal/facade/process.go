package facade

import "github.com/dxrt-project/dxrt/internal/constants"

// processDeviceKey indexes the ProcessWithDeviceInfo table.
type processDeviceKey struct {
	pid      uint32
	deviceID uint32
}

// taskInfo mirrors TaskInfo{pid, deviceId, bound, mem_usage} from
// spec Sec 4.G, minus pid/deviceId which are already the table key.
type taskInfo struct {
	bound    constants.BoundClass
	memUsage uint64
}

// weightRegion is a {address, size, checksum} descriptor DEVICE_INIT
// installs and DEVICE_DEINIT erases (spec Sec 3, "a set of weight-region
// descriptors used for de-duplicated weight tracking").
type weightRegion struct {
	addr     uint64
	size     uint64
	checksum uint32
}

// processEntry is one (pid, deviceId) row of the table: its live tasks
// and the set of weight regions currently installed on the device.
// Regions are keyed by checksum, mirroring the hashed-set de-dup the
// descriptor's equality is defined over: inserting the same
// {addr,size,checksum} twice is a no-op, and a second DEVICE_INIT for
// a different region never evicts the first.
type processEntry struct {
	tasks         map[uint32]taskInfo     // taskId -> info
	weightRegions map[uint32]weightRegion // checksum -> region
}

func newProcessEntry() *processEntry {
	return &processEntry{
		tasks:         make(map[uint32]taskInfo),
		weightRegions: make(map[uint32]weightRegion),
	}
}

// insertWeightRegion records r, de-duplicating on checksum. Reports
// whether r was newly installed.
func (e *processEntry) insertWeightRegion(r weightRegion) bool {
	if _, exists := e.weightRegions[r.checksum]; exists {
		return false
	}
	e.weightRegions[r.checksum] = r
	return true
}

// eraseWeightRegion removes the region with the given checksum.
// Reports whether a region was actually removed.
func (e *processEntry) eraseWeightRegion(checksum uint32) bool {
	if _, exists := e.weightRegions[checksum]; !exists {
		return false
	}
	delete(e.weightRegions, checksum)
	return true
}

// isEmpty reports whether the entry carries neither live tasks nor
// installed weight regions.
func (e *processEntry) isEmpty() bool {
	return len(e.tasks) == 0 && len(e.weightRegions) == 0
}
