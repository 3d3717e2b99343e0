// Package watchdog implements the 1 Hz client-liveness scan (spec
// Sec 4.H): detecting a dead client process, reclaiming its pending
// work, table entries, bound classes and memory, then draining whatever
// is still in flight on the device before broadcasting the outcome.
package watchdog

import (
	"time"

	"github.com/dxrt-project/dxrt/internal/constants"
	"github.com/dxrt-project/dxrt/internal/facade"
	"github.com/dxrt-project/dxrt/internal/logging"
	"github.com/dxrt-project/dxrt/internal/scheduler"
	"github.com/dxrt-project/dxrt/internal/uapi"
	"golang.org/x/sys/unix"
)

// ClientRegistry is the watchdog's narrow view of the IPC server: the
// known-pid set it scans and the per-pid address it forgets once a
// client is confirmed dead.
type ClientRegistry interface {
	KnownPIDs() []uint32
	ForgetClient(pid uint32)
}

// LivenessChecker reports whether pid still names a running OS process.
type LivenessChecker func(pid uint32) bool

// DefaultLivenessChecker sends signal 0 to pid via kill(2), the standard
// liveness probe: ESRCH means the process is gone, any other outcome
// (including success) means it is still there.
func DefaultLivenessChecker(pid uint32) bool {
	err := unix.Kill(int(pid), 0)
	return err == nil || err != unix.ESRCH
}

// clearOutcome is ClearDevice's staged-recovery result, selecting which
// S_ERR_SERVICE_* code the final broadcast carries.
type clearOutcome int

const (
	outcomeTerminated clearOutcome = iota
	outcomeDeviceBoundErr
	outcomeUnknown
)

// Watchdog runs the dedicated liveness-scan thread.
type Watchdog struct {
	facade  *facade.Facade
	sched   *scheduler.Scheduler
	clients ClientRegistry
	isAlive LivenessChecker
	logger  *logging.Logger

	cycle  int
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Watchdog. isAlive may be nil, in which case
// DefaultLivenessChecker is used.
func New(f *facade.Facade, sched *scheduler.Scheduler, clients ClientRegistry, isAlive LivenessChecker) *Watchdog {
	if isAlive == nil {
		isAlive = DefaultLivenessChecker
	}
	return &Watchdog{
		facade:  f,
		sched:   sched,
		clients: clients,
		isAlive: isAlive,
		logger:  logging.Default(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run is the scan loop: sleeps WatchdogScanInterval between passes,
// meant to run in its own goroutine. Returns once Stop is called.
func (w *Watchdog) Run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(constants.WatchdogScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

// Stop halts the scan loop and waits for it to exit.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watchdog) scan() {
	for _, pid := range w.clients.KnownPIDs() {
		if w.isAlive(pid) {
			continue
		}
		w.logger.Warn("watchdog: client process no longer running", "pid", pid)
		w.clients.ForgetClient(pid)
		w.handleProcessDie(pid)
	}

	w.facade.TickUsage()

	w.cycle++
	if w.cycle%constants.WatchdogCompactEvery == 0 {
		w.facade.CompactAll()
	}
}

// handleProcessDie runs the staged cleanup for one confirmed-dead pid
// (spec Sec 4.H): stop admission, release every table entry and its
// memory, then asynchronously drain whatever is still dispatched on a
// device before reporting the outcome.
func (w *Watchdog) handleProcessDie(pid uint32) {
	w.sched.StopScheduler(pid)

	devices := w.facade.DevicesForProcess(pid)
	w.facade.TeardownProcess(pid)
	w.sched.CleanDiedProcess(pid)

	go func() {
		outcome := w.clearDevice(pid, devices)
		w.sched.StopScheduler(pid)

		var code int32
		switch outcome {
		case outcomeTerminated:
			code = uapi.ErrServiceTermination
		case outcomeDeviceBoundErr:
			code = uapi.ErrServiceDevBoundErr
		default:
			code = uapi.ErrServiceUnknownErr
		}
		w.facade.BroadcastTermination(pid, code)
	}()
}

// clearDevice drains pid's in-flight device work: polled every
// ClearDevicePollInterval, with a stall counted every
// ClearDeviceStallWindow the running count hasn't moved. After
// ClearDeviceMaxStalls consecutive stalls it forces the load counters to
// zero and issues RECOVERY to every device pid touched (spec Sec 4.H.1).
func (w *Watchdog) clearDevice(pid uint32, devices []uint32) clearOutcome {
	poll := time.NewTicker(constants.ClearDevicePollInterval)
	defer poll.Stop()
	stallWindow := time.NewTimer(constants.ClearDeviceStallWindow)
	defer stallWindow.Stop()

	last := w.sched.RunningCountForProcess(pid)
	stalls := 0

	for {
		select {
		case <-poll.C:
			if w.sched.RunningCountForProcess(pid) == 0 {
				return outcomeTerminated
			}
		case <-stallWindow.C:
			cur := w.sched.RunningCountForProcess(pid)
			if cur == 0 {
				return outcomeTerminated
			}
			if cur == last {
				stalls++
				if stalls >= constants.ClearDeviceMaxStalls {
					return w.forceRecover(pid, devices)
				}
			} else {
				stalls = 0
			}
			last = cur
			stallWindow.Reset(constants.ClearDeviceStallWindow)
		}
	}
}

// forceRecover zeroes pid's load bookkeeping and issues RECOVERY to
// every device it touched. outcomeDeviceBoundErr when every RECOVERY
// succeeds, outcomeUnknown if any device fails to recover.
func (w *Watchdog) forceRecover(pid uint32, devices []uint32) clearOutcome {
	w.sched.ClearAllLoad(pid)

	recovered := true
	for _, id := range devices {
		dev, ok := w.facade.Device(id)
		if !ok {
			continue
		}
		if err := dev.Recover(); err != nil {
			w.logger.Error("watchdog: device recovery failed", "device", id, "pid", pid, "err", err)
			recovered = false
			continue
		}
		dev.Unblock()
	}

	if recovered {
		return outcomeDeviceBoundErr
	}
	return outcomeUnknown
}
