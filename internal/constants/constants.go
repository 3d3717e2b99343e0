// Package constants holds tunables shared across the scheduler service:
// bound-class identifiers, scheduling thresholds, arena alignment, and the
// watchdog's scan cadence.
package constants

import "time"

// BoundClass identifies which NPU cores a request is permitted to run on.
// A device accepts at most three distinct bound classes concurrently.
type BoundClass uint8

const (
	BoundNormal BoundClass = iota
	BoundOnly0
	BoundOnly1
	BoundOnly2
	BoundPair01
	BoundPair12
	BoundPair02
)

// MaxBoundClassesPerDevice is the hard cap on distinct bound classes a
// single device may hold refcounts for simultaneously.
const MaxBoundClassesPerDevice = 3

// NumBoundClasses is the size of the bound_count array carried per device.
const NumBoundClasses = 7

func (b BoundClass) String() string {
	switch b {
	case BoundNormal:
		return "Normal"
	case BoundOnly0:
		return "Only0"
	case BoundOnly1:
		return "Only1"
	case BoundOnly2:
		return "Only2"
	case BoundPair01:
		return "Pair01"
	case BoundPair12:
		return "Pair12"
	case BoundPair02:
		return "Pair02"
	default:
		return "Unknown"
	}
}

// Default device/arena tunables.
const (
	// DefaultNumDMAChannels is used when a device's identify response
	// omits a channel count (should not happen on real hardware).
	DefaultNumDMAChannels = 3

	// ArenaAlignment is the fixed address alignment for arena allocations.
	ArenaAlignment = 64

	// DefragMinRequestSize is the minimum allocation size that triggers a
	// defragmentation retry on OOM (100 MiB, per spec Sec 4.B).
	DefragMinRequestSize = 100 << 20

	// DefragFragmentationThreshold is the minimum fragmentation ratio that
	// triggers a defragmentation retry on OOM.
	DefragFragmentationThreshold = 0.5
)

// Scheduler tunables.
const (
	// SchedThreshold is the per-device in-flight load below which a newly
	// admitted request is dispatched immediately rather than left pending.
	SchedThreshold = 6
)

// Watchdog tunables.
const (
	// WatchdogScanInterval is the liveness scan period.
	WatchdogScanInterval = 1 * time.Second

	// WatchdogCompactEvery is the number of scan cycles between arena
	// compaction sweeps.
	WatchdogCompactEvery = 10

	// ClearDevicePollInterval is how often ClearDevice samples the
	// per-process load counter while draining in-flight work.
	ClearDevicePollInterval = 10 * time.Microsecond

	// ClearDeviceStallWindow is the interval over which a lack of progress
	// counts as one stall.
	ClearDeviceStallWindow = 600 * time.Millisecond

	// ClearDeviceMaxStalls is the number of consecutive stalls that force
	// ClearAllLoad and a RECOVERY command.
	ClearDeviceMaxStalls = 3
)

// DriverPollTimeout is the adapter's fixed poll timeout. Effectively an
// unbounded wait for the next device event.
const DriverPollTimeout = 3000 * time.Second

// IPC tunables.
const (
	// DefaultIPCSocketPath is the Unix domain datagram socket the
	// service listens on in place of the POSIX message queue / named
	// pipe a native build would use (see Sec 4.F).
	DefaultIPCSocketPath = "/tmp/dxrt_ipc.sock"

	// IPCDrainTimeout bounds how long the server waits for a residual
	// message from a previous run before concluding the socket is
	// clean and accepting new clients.
	IPCDrainTimeout = 50 * time.Millisecond
)

// UsageWindowSamples is the rolling-window length (in watchdog scan
// ticks) used to compute a device's duty cycle for GET_USAGE.
const UsageWindowSamples = 60
