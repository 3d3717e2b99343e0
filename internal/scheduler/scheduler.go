// Package scheduler implements the pluggable inference scheduler (spec
// Sec 4.E): admission, dispatch, completion, and process-teardown over a
// shared base of per-device and per-process load counters. The dispatch
// policy (FIFO, round-robin, shortest-job-first) is injected as a
// Policy, mirroring the three-method push/pop/on_complete contract
// named in spec Sec 9.
package scheduler

import (
	"sync"

	"github.com/dxrt-project/dxrt/internal/constants"
	"github.com/dxrt-project/dxrt/internal/logging"
	"github.com/dxrt-project/dxrt/internal/uapi"
)

// DeviceHandle is the scheduler's non-owning (weak) reference to a
// device. The facade owns the real *device.Device; the scheduler only
// ever sees this narrow interface (spec Sec 9 "Cyclic ownership").
type DeviceHandle interface {
	DeviceID() uint32
	Blocked() bool
	Load() int32
	IncLoad()
	DecLoad()
	Dispatch(req uapi.RequestRecord) (int32, error)
}

// TaskValidator answers whether (pid, deviceId, taskId) is a live,
// bound task, per the facade's TASK_INIT bookkeeping (spec Sec 4.G).
type TaskValidator func(pid, deviceID, taskID uint32) bool

// ErrorCallback reports a scheduling failure for broadcast as an
// ERROR_REPORT (spec Sec 7).
type ErrorCallback func(pid uint32, deviceID uint32, kind uapi.ErrorKind, code int32)

// CompletionCallback is invoked after a request's bookkeeping has been
// cleared, once the scheduler lock has been released.
type CompletionCallback func(pid, deviceID, taskID uint32, req uapi.RequestRecord, resp uapi.ResponseRecord)

const (
	statusInvalidTask   int32 = -1
	statusDeviceBlocked int32 = -2
)

type runningKey struct {
	pid      uint32
	deviceID uint32
}

// Scheduler holds the state common to every policy: per-device and
// per-process load counters, the pending-request map, and the
// dispatched-but-not-completed set. A single mutex protects all of it,
// matching spec Sec 4.E's "called while holding the scheduler lock"
// contract for schedule() and FinishJobs().
type Scheduler struct {
	mu sync.Mutex

	policy  Policy
	devices map[uint32]DeviceHandle

	loads     map[uint32]int32            // deviceId -> dispatched count
	loadsProc map[uint32]int32            // pid -> pending+dispatched count
	pending   map[uint32]map[uint64]uapi.RequestRecord // pid -> reqId -> record
	reqDevice map[uint64]uint32           // reqId -> deviceId, for Finish/Stop lookups
	running   map[runningKey]map[uint64]struct{}

	validator TaskValidator
	onError   ErrorCallback
	onDone    CompletionCallback

	logger *logging.Logger
}

// New constructs a Scheduler around the given policy. validator,
// onError and onDone may be set after construction with their setters
// if the facade and scheduler are wired up in two passes.
func New(policy Policy) *Scheduler {
	return &Scheduler{
		policy:    policy,
		devices:   make(map[uint32]DeviceHandle),
		loads:     make(map[uint32]int32),
		loadsProc: make(map[uint32]int32),
		pending:   make(map[uint32]map[uint64]uapi.RequestRecord),
		reqDevice: make(map[uint64]uint32),
		running:   make(map[runningKey]map[uint64]struct{}),
		logger:    logging.Default(),
	}
}

// SetValidator wires the task validator (normally the facade).
func (s *Scheduler) SetValidator(v TaskValidator) { s.validator = v }

// SetErrorCallback wires the error-broadcast sink (normally the facade).
func (s *Scheduler) SetErrorCallback(cb ErrorCallback) { s.onError = cb }

// SetCompletionCallback wires the per-request completion sink (normally
// the facade, which replies to the IPC client).
func (s *Scheduler) SetCompletionCallback(cb CompletionCallback) { s.onDone = cb }

// RegisterDevice attaches a non-owning handle for deviceId. Called once
// per device at service start.
func (s *Scheduler) RegisterDevice(h DeviceHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[h.DeviceID()] = h
}

// Load returns the current dispatched count for deviceId.
func (s *Scheduler) Load(deviceID uint32) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[deviceID]
}

// LoadForProcess returns the current pending+dispatched count for pid.
func (s *Scheduler) LoadForProcess(pid uint32) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadsProc[pid]
}

// AddScheduler admits req for deviceId: insert into the pending map,
// increment the per-process load, enqueue with the policy, and dispatch
// immediately if the device is under the admission threshold.
func (s *Scheduler) AddScheduler(req uapi.RequestRecord, deviceID uint32) {
	s.mu.Lock()

	pid := req.ProcID
	if s.pending[pid] == nil {
		s.pending[pid] = make(map[uint64]uapi.RequestRecord)
	}
	s.pending[pid][req.ReqID] = req
	s.reqDevice[req.ReqID] = deviceID
	s.loadsProc[pid]++

	s.policy.Push(pendingEntry{Req: req, DeviceID: deviceID})

	if s.loads[deviceID] < constants.SchedThreshold {
		s.scheduleLocked(deviceID)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
}

// Schedule triggers one dispatch attempt for deviceId. FinishJobs does
// not re-drain the device itself; a request requeued after EBUSY or held
// back by SchedThreshold is dispatched by this call or by the next
// AddScheduler on that device.
func (s *Scheduler) Schedule(deviceID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked(deviceID)
}

func (s *Scheduler) scheduleLocked(deviceID uint32) {
	entry, ok := s.policy.Pop(deviceID)
	if !ok {
		return
	}
	req := entry.Req
	pid := req.ProcID

	if s.validator != nil && !s.validator(pid, deviceID, req.TaskID) {
		s.abortLocked(req, deviceID, statusInvalidTask)
		return
	}

	dev, ok := s.devices[deviceID]
	if !ok {
		s.abortLocked(req, deviceID, statusDeviceBlocked)
		return
	}
	if dev.Blocked() {
		s.abortLocked(req, deviceID, statusDeviceBlocked)
		return
	}

	key := runningKey{pid: pid, deviceID: deviceID}
	if s.running[key] == nil {
		s.running[key] = make(map[uint64]struct{})
	}
	s.running[key][req.ReqID] = struct{}{}
	s.loads[deviceID]++
	dev.IncLoad()

	s.mu.Unlock()
	status, err := dev.Dispatch(req)
	s.mu.Lock()

	if err == nil && status == 0 {
		return
	}

	// Undo the optimistic bookkeeping; either requeue (retryable) or
	// report a hard scheduling failure.
	delete(s.running[key], req.ReqID)
	if len(s.running[key]) == 0 {
		delete(s.running, key)
	}
	s.loads[deviceID]--
	dev.DecLoad()

	if isRetryable(err) {
		s.policy.Push(entry)
		return
	}

	if s.onError != nil {
		s.onError(pid, deviceID, uapi.ErrKindDeviceIO, status)
	}
}

// abortLocked synthesizes an error completion for a request that never
// reached the device (invalid task or blocked device), clearing it from
// every index scheduleLocked's caller already holds the lock for.
func (s *Scheduler) abortLocked(req uapi.RequestRecord, deviceID uint32, status int32) {
	pid := req.ProcID
	delete(s.pending[pid], req.ReqID)
	if len(s.pending[pid]) == 0 {
		delete(s.pending, pid)
	}
	delete(s.reqDevice, req.ReqID)
	s.loadsProc[pid] = decrementFloor(s.loadsProc[pid], s.logger, pid)

	if s.onError != nil {
		s.onError(pid, deviceID, uapi.ErrKindInvalidOperation, status)
	}
}

// FinishJobs processes one completion: clears running/pending/load
// bookkeeping, lets the policy update its own stats, then invokes the
// completion callback outside the lock.
func (s *Scheduler) FinishJobs(deviceID uint32, resp uapi.ResponseRecord) {
	s.mu.Lock()

	pid := resp.ProcID
	reqID := resp.ReqID

	key := runningKey{pid: pid, deviceID: deviceID}
	delete(s.running[key], reqID)
	if len(s.running[key]) == 0 {
		delete(s.running, key)
	}

	s.loads[deviceID] = decrementFloor(s.loads[deviceID], s.logger, deviceID)
	s.loadsProc[pid] = decrementFloor(s.loadsProc[pid], s.logger, pid)

	if dev, ok := s.devices[deviceID]; ok {
		dev.DecLoad()
	}

	var req uapi.RequestRecord
	if m := s.pending[pid]; m != nil {
		req = m[reqID]
		delete(m, reqID)
		if len(m) == 0 {
			delete(s.pending, pid)
		}
	}
	delete(s.reqDevice, reqID)

	s.policy.OnComplete(pid, req.TaskID, int32(resp.InfTime))

	cb := s.onDone
	s.mu.Unlock()

	if cb != nil {
		cb(pid, deviceID, req.TaskID, req, resp)
	}
}

// StopScheduler clears every pending request for pid and its
// per-process time table. Running requests are untouched; completion or
// a device reset must drain them.
func (s *Scheduler) StopScheduler(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, pid)
	delete(s.loadsProc, pid)
	s.policy.ClearProcess(pid)
}

// StopTaskInference removes only not-yet-running pending entries for
// (pid, deviceId, taskId).
func (s *Scheduler) StopTaskInference(pid, deviceID, taskID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.pending[pid]
	for reqID, req := range m {
		if s.reqDevice[reqID] != deviceID || req.TaskID != taskID {
			continue
		}
		key := runningKey{pid: pid, deviceID: deviceID}
		if running, ok := s.running[key]; ok {
			if _, inFlight := running[reqID]; inFlight {
				continue
			}
		}
		delete(m, reqID)
		delete(s.reqDevice, reqID)
		s.policy.Remove(deviceID, reqID)
	}
	if len(m) == 0 {
		delete(s.pending, pid)
	}
}

// StopAllInferenceForProcess removes every not-yet-running pending entry
// for pid on deviceId.
func (s *Scheduler) StopAllInferenceForProcess(pid, deviceID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.pending[pid]
	key := runningKey{pid: pid, deviceID: deviceID}
	running := s.running[key]

	for reqID, req := range m {
		if s.reqDevice[reqID] != deviceID {
			continue
		}
		if running != nil {
			if _, inFlight := running[reqID]; inFlight {
				continue
			}
		}
		delete(m, reqID)
		delete(s.reqDevice, reqID)
		s.policy.Remove(deviceID, reqID)
	}
	if len(m) == 0 {
		delete(s.pending, pid)
	}
}

// IsRunning reports whether reqId is currently dispatched (on the
// device, awaiting completion) for (pid, deviceId).
func (s *Scheduler) IsRunning(pid, deviceID uint32, reqID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.running[runningKey{pid: pid, deviceID: deviceID}]
	if !ok {
		return false
	}
	_, ok = set[reqID]
	return ok
}

// RunningCountForProcess returns the number of requests currently
// dispatched (on a device, awaiting completion) for pid across every
// device. The watchdog's ClearDevice drain polls this directly rather
// than LoadForProcess, since StopScheduler already clears loadsProc for
// a dying pid while leaving genuinely in-flight device work untouched.
func (s *Scheduler) RunningCountForProcess(pid uint32) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int32
	for key, set := range s.running {
		if key.pid == pid {
			n += int32(len(set))
		}
	}
	return n
}

// CleanDiedProcess clears the not-yet-dispatched admission state for a
// pid the watchdog has confirmed dead. It is StopScheduler under another
// name, kept distinct because the watchdog's staged cleanup calls it as
// a step separate from the scheduler stop issued earlier in the same
// sequence (spec Sec 4.H).
func (s *Scheduler) CleanDiedProcess(pid uint32) {
	s.StopScheduler(pid)
}

// ClearAllLoad forcibly clears every running record for pid across every
// device, decrementing each device's load counter to match. Used once
// ClearDevice's drain has stalled out and a RECOVERY command is about to
// be issued (spec Sec 4.H.1).
func (s *Scheduler) ClearAllLoad(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, set := range s.running {
		if key.pid != pid {
			continue
		}
		if dev, ok := s.devices[key.deviceID]; ok {
			for range set {
				dev.DecLoad()
			}
		}
		s.loads[key.deviceID] = decrementFloorBy(s.loads[key.deviceID], int32(len(set)))
		delete(s.running, key)
	}
	delete(s.loadsProc, pid)
}

func decrementFloorBy(v, by int32) int32 {
	v -= by
	if v < 0 {
		return 0
	}
	return v
}

func decrementFloor(v int32, logger *logging.Logger, id uint32) int32 {
	if v <= 0 {
		if v < 0 {
			logger.Warn("scheduler counter underflow", "id", id)
		}
		return 0
	}
	return v - 1
}

// isRetryable reports whether err represents a transient driver
// condition (EBUSY/EAGAIN) that warrants re-enqueueing rather than
// reporting a hard scheduling failure.
func isRetryable(err error) bool {
	if isEBUSYOrEAGAIN(err) {
		return true
	}
	type busyLike interface{ Temporary() bool }
	if b, ok := err.(busyLike); ok {
		return b.Temporary()
	}
	return isEBUSYOrEAGAIN(err)
}
