// Package facade implements the service-facing dispatch table (spec
// Sec 4.G): the ProcessWithDeviceInfo table guarded by one mutex, the
// REQUEST_CODE handlers, TASK_INIT validation, and the IsTaskValid
// predicate the scheduler calls before every dispatch.
package facade

import (
	"sync"

	"github.com/dxrt-project/dxrt/internal/arena"
	"github.com/dxrt-project/dxrt/internal/device"
	"github.com/dxrt-project/dxrt/internal/logging"
	"github.com/dxrt-project/dxrt/internal/scheduler"
	"github.com/dxrt-project/dxrt/internal/uapi"
)

// Broadcaster is the facade's narrow view of the IPC server: enough to
// push ERROR_REPORT and completion notifications, without depending on
// its transport details.
type Broadcaster interface {
	Notify(pid uint32, msg uapi.IPCServerMessage) bool
	KnownPIDs() []uint32
}

// deviceBinding pairs one device core with its memory tier; the facade
// is the sole owner of both (spec Sec 9 "Cyclic ownership" — the
// scheduler only ever sees the non-owning device.DeviceHandle view).
type deviceBinding struct {
	dev  *device.Device
	tier *arena.MemoryTier
}

// Facade owns the global process/device/task bookkeeping and dispatches
// IPC requests to handlers.
type Facade struct {
	mu    sync.Mutex
	table map[processDeviceKey]*processEntry

	devices map[uint32]*deviceBinding

	sched  *scheduler.Scheduler
	bc     Broadcaster
	usage  *UsageTracker
	logger *logging.Logger
}

// New constructs an empty Facade wired to sched and bc. RegisterDevice
// must be called once per device before it can serve requests.
func New(sched *scheduler.Scheduler, bc Broadcaster) *Facade {
	f := &Facade{
		table:   make(map[processDeviceKey]*processEntry),
		devices: make(map[uint32]*deviceBinding),
		sched:   sched,
		bc:      bc,
		usage:   NewUsageTracker(),
		logger:  logging.Default(),
	}
	sched.SetValidator(f.IsTaskValid)
	sched.SetErrorCallback(f.onSchedulerError)
	sched.SetCompletionCallback(f.onCompletion)
	return f
}

// RegisterDevice attaches dev (and its memory tier) to the facade and
// to the scheduler's weak-handle registry.
func (f *Facade) RegisterDevice(dev *device.Device, tier *arena.MemoryTier) {
	f.mu.Lock()
	f.devices[dev.ID] = &deviceBinding{dev: dev, tier: tier}
	f.mu.Unlock()
	f.sched.RegisterDevice(dev)
}

// TickUsage advances the duty-cycle window for every registered device;
// called once per watchdog scan (spec Sec 4.H).
func (f *Facade) TickUsage() {
	f.mu.Lock()
	bindings := make([]*deviceBinding, 0, len(f.devices))
	for _, b := range f.devices {
		bindings = append(bindings, b)
	}
	f.mu.Unlock()

	for _, b := range bindings {
		f.usage.Tick(b.dev.ID, b.dev.Busy())
	}
}

// CompactAll runs arena compaction on every device's memory tier;
// called every WatchdogCompactEvery scan cycles (spec Sec 4.H).
func (f *Facade) CompactAll() {
	f.mu.Lock()
	bindings := make([]*deviceBinding, 0, len(f.devices))
	for _, b := range f.devices {
		bindings = append(bindings, b)
	}
	f.mu.Unlock()

	for _, b := range bindings {
		b.tier.Arena().Compact()
	}
}

// Handle implements ipc.Handler: the single dispatch point for every
// REQUEST_CODE.
func (f *Facade) Handle(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	switch msg.Code {
	case uapi.ReqGetMemory:
		return f.handleGetMemory(msg)
	case uapi.ReqGetMemoryForModel:
		return f.handleGetMemoryForModel(msg)
	case uapi.ReqFreeMemory:
		return f.handleFreeMemory(msg)
	case uapi.ReqDeviceInit:
		return f.handleDeviceInit(msg)
	case uapi.ReqDeviceDeinit:
		return f.handleDeviceDeinit(msg)
	case uapi.ReqTaskInit:
		return f.handleTaskInit(msg)
	case uapi.ReqTaskDeinit:
		return f.handleTaskDeinit(msg)
	case uapi.ReqScheduleInference:
		return f.handleScheduleInference(msg)
	case uapi.ReqDeallocateTaskMemory:
		return f.handleDeallocateTaskMemory(msg)
	case uapi.ReqProcessDeinit:
		return f.handleProcessDeinit(msg)
	case uapi.ReqViewFreeMemory:
		return f.handleViewFreeMemory(msg)
	case uapi.ReqViewUsedMemory:
		return f.handleViewUsedMemory(msg)
	case uapi.ReqViewAvailableDevice:
		return f.handleViewAvailableDevice(msg)
	case uapi.ReqGetUsage:
		return f.handleGetUsage(msg)
	case uapi.ReqDeviceReset, uapi.ReqInferenceCompleted:
		return uapi.IPCServerMessage{Code: uapi.RespOK, MsgType: int32(msg.PID)}
	case uapi.ReqClose:
		return f.handleClose(msg)
	default:
		return uapi.IPCServerMessage{Code: uapi.RespInvalidRequestCode, MsgType: int32(msg.PID)}
	}
}

// IsTaskValid returns true iff the table contains the task and the
// memory tier has at least one allocation recorded under (pid, taskId)
// (spec Sec 4.G).
func (f *Facade) IsTaskValid(pid, deviceID, taskID uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.table[processDeviceKey{pid: pid, deviceID: deviceID}]
	if !ok {
		return false
	}
	if _, ok := entry.tasks[taskID]; !ok {
		return false
	}
	binding, ok := f.devices[deviceID]
	if !ok {
		return false
	}
	return binding.tier.HasTaskAllocations(pid, taskID)
}

func (f *Facade) onSchedulerError(pid uint32, deviceID uint32, kind uapi.ErrorKind, code int32) {
	f.broadcastError(pid, int32(kind), code, int32(deviceID))
}

func (f *Facade) onCompletion(pid, deviceID, taskID uint32, req uapi.RequestRecord, resp uapi.ResponseRecord) {
	ch := int(resp.DMACh)
	f.bc.Notify(pid, uapi.IPCServerMessage{
		Code:     int32(uapi.DoScheduledInferenceCode(ch)),
		MsgType:  int32(pid),
		DeviceID: int32(deviceID),
		Resp:     resp,
	})
}

// broadcastError sends an ERROR_REPORT to a single pid (pid != 0) or,
// when pid == 0, to every known pid (spec Sec 7's broadcast contract
// used by DeviceResponseFault handling and the watchdog).
func (f *Facade) broadcastError(pid uint32, kind int32, code int32, deviceID int32) {
	msg := uapi.IPCServerMessage{Code: uapi.RespErrorReport, Data: int64(kind), Result: code, DeviceID: deviceID}
	if pid != 0 {
		msg.MsgType = int32(pid)
		f.bc.Notify(pid, msg)
		return
	}
	for _, p := range f.bc.KnownPIDs() {
		msg.MsgType = int32(p)
		f.bc.Notify(p, msg)
	}
}

// BroadcastFault is invoked by a device's FaultCallback
// (DeviceResponseFault, spec Sec 7) and broadcasts to every known pid.
// No crash dump is written on this fault path, here or by the caller.
func (f *Facade) BroadcastFault(deviceID uint32, status int32) {
	f.broadcastError(0, int32(uapi.ErrKindDeviceResponseFault), status, int32(deviceID))
}

// BroadcastTermination sends a Termination ERROR_REPORT to the one pid
// the watchdog just force-cleaned, carrying the staged-recovery outcome
// code (spec Sec 4.H: S_ERR_SERVICE_TERMINATION/_DEV_BOUND_ERR/_UNKNOWN_ERR).
func (f *Facade) BroadcastTermination(pid uint32, code int32) {
	f.broadcastError(pid, int32(uapi.ErrKindTermination), code, -1)
}

// DevicesForProcess lists every deviceId pid currently has a table entry
// on, for the watchdog to target with RECOVERY if ClearDevice's drain
// stalls out.
func (f *Facade) DevicesForProcess(pid uint32) []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uint32
	for key := range f.table {
		if key.pid == pid {
			ids = append(ids, key.deviceID)
		}
	}
	return ids
}

// Device returns the registered device for deviceId, if any.
func (f *Facade) Device(deviceID uint32) (*device.Device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.devices[deviceID]
	if !ok {
		return nil, false
	}
	return b.dev, true
}

// TeardownProcess releases every resource pid holds across every device:
// bound-class references and table entries first, then memory. Shared by
// PROCESS_DEINIT and the watchdog's handle_process_die (spec Sec 4.G,
// Sec 4.H).
func (f *Facade) TeardownProcess(pid uint32) {
	f.sched.StopScheduler(pid)

	f.mu.Lock()
	for key, entry := range f.table {
		if key.pid != pid {
			continue
		}
		if binding, have := f.devices[key.deviceID]; have {
			for _, info := range entry.tasks {
				_ = binding.dev.Bound.Delete(info.bound)
			}
		}
		delete(f.table, key)
	}
	bindings := make([]*deviceBinding, 0, len(f.devices))
	for _, b := range f.devices {
		bindings = append(bindings, b)
	}
	f.mu.Unlock()

	for _, b := range bindings {
		b.tier.FreeAllForProcess(pid)
	}
}
