package scheduler

import "github.com/dxrt-project/dxrt/internal/uapi"

// pendingEntry is the unit the policy queues and pops; deviceId is
// carried alongside the request record since a policy's internal
// structures are keyed per device.
type pendingEntry struct {
	Req      uapi.RequestRecord
	DeviceID uint32
}

// Policy is the pluggable dispatch order (spec Sec 9: "push(pending,
// deviceId)", "pop(deviceId) -> pending?", "on_complete(pid, taskId,
// inf_time)"). Remove and ClearProcess support the process-teardown
// paths (StopTaskInference/StopAllInferenceForProcess/StopScheduler)
// that must also unwind a policy's own per-device queues.
type Policy interface {
	// Push enqueues one admitted or requeued request for its device.
	Push(entry pendingEntry)
	// Pop removes and returns the next request to dispatch for
	// deviceId, or ok=false if nothing is queued.
	Pop(deviceID uint32) (pendingEntry, bool)
	// OnComplete lets the policy update any per-(pid,task) statistics
	// (SJF's task-time estimator) once a request finishes.
	OnComplete(pid, taskID uint32, infTime int32)
	// Remove drops reqId from deviceId's queue without dispatching it.
	Remove(deviceID uint32, reqID uint64)
	// ClearProcess drops every queued entry for pid across all devices
	// and clears any per-process statistics.
	ClearProcess(pid uint32)
}
