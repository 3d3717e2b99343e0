package scheduler

import (
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dxrt-project/dxrt/internal/uapi"
)

type fakeDevice struct {
	id       uint32
	mu       sync.Mutex
	blocked  bool
	load     int32
	dispatch func(req uapi.RequestRecord) (int32, error)
	calls    []uapi.RequestRecord
}

func (d *fakeDevice) DeviceID() uint32 { return d.id }
func (d *fakeDevice) Blocked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocked
}
func (d *fakeDevice) Load() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load
}
func (d *fakeDevice) IncLoad() {
	d.mu.Lock()
	d.load++
	d.mu.Unlock()
}
func (d *fakeDevice) DecLoad() {
	d.mu.Lock()
	if d.load > 0 {
		d.load--
	}
	d.mu.Unlock()
}
func (d *fakeDevice) Dispatch(req uapi.RequestRecord) (int32, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	d.mu.Unlock()
	if d.dispatch != nil {
		return d.dispatch(req)
	}
	return 0, nil
}

func newFakeDevice(id uint32) *fakeDevice { return &fakeDevice{id: id} }

func TestAddSchedulerDispatchesUnderThreshold(t *testing.T) {
	s := New(NewFIFO())
	dev := newFakeDevice(1)
	s.RegisterDevice(dev)

	req := uapi.RequestRecord{ReqID: 1, ProcID: 100, TaskID: 1}
	s.AddScheduler(req, 1)

	require.Len(t, dev.calls, 1)
	assert.EqualValues(t, 1, s.Load(1))
	assert.True(t, s.IsRunning(100, 1, 1), "request should be recorded as running")
}

func TestAddSchedulerRejectsInvalidTask(t *testing.T) {
	s := New(NewFIFO())
	dev := newFakeDevice(1)
	s.RegisterDevice(dev)
	s.SetValidator(func(pid, deviceID, taskID uint32) bool { return false })

	var gotCode int32 = -99
	s.SetErrorCallback(func(pid, deviceID uint32, kind uapi.ErrorKind, code int32) {
		gotCode = code
	})

	req := uapi.RequestRecord{ReqID: 1, ProcID: 100, TaskID: 1}
	s.AddScheduler(req, 1)

	assert.Empty(t, dev.calls, "an invalid task must never reach the device")
	assert.Equal(t, statusInvalidTask, gotCode)
	assert.Zero(t, s.LoadForProcess(100), "LoadForProcess should be 0 after abort")
}

func TestAddSchedulerRejectsBlockedDevice(t *testing.T) {
	s := New(NewFIFO())
	dev := newFakeDevice(1)
	dev.blocked = true
	s.RegisterDevice(dev)

	var gotCode int32
	s.SetErrorCallback(func(pid, deviceID uint32, kind uapi.ErrorKind, code int32) { gotCode = code })

	req := uapi.RequestRecord{ReqID: 1, ProcID: 100, TaskID: 1}
	s.AddScheduler(req, 1)

	assert.Empty(t, dev.calls, "a blocked device must never receive a dispatch")
	assert.Equal(t, statusDeviceBlocked, gotCode)
}

func TestScheduleRetriesOnEBUSY(t *testing.T) {
	s := New(NewFIFO())
	dev := newFakeDevice(1)
	attempts := 0
	dev.dispatch = func(req uapi.RequestRecord) (int32, error) {
		attempts++
		if attempts == 1 {
			return -1, syscall.EBUSY
		}
		return 0, nil
	}
	s.RegisterDevice(dev)

	req := uapi.RequestRecord{ReqID: 1, ProcID: 100, TaskID: 1}
	s.AddScheduler(req, 1)

	require.Equal(t, 1, attempts, "requeue happens without retrying synchronously")
	assert.Zero(t, s.Load(1), "Load(1) should be 0 after EBUSY undo")

	s.Schedule(1)
	assert.Equal(t, 2, attempts, "attempts should be 2 after re-drain")
	assert.EqualValues(t, 1, s.Load(1), "Load(1) should be 1 after successful retry")
}

func TestScheduleReportsHardFailure(t *testing.T) {
	s := New(NewFIFO())
	dev := newFakeDevice(1)
	dev.dispatch = func(req uapi.RequestRecord) (int32, error) { return -5, syscall.EIO }
	s.RegisterDevice(dev)

	var gotKind uapi.ErrorKind = -1
	s.SetErrorCallback(func(pid, deviceID uint32, kind uapi.ErrorKind, code int32) { gotKind = kind })

	req := uapi.RequestRecord{ReqID: 1, ProcID: 100, TaskID: 1}
	s.AddScheduler(req, 1)

	assert.Equal(t, uapi.ErrKindDeviceIO, gotKind)
	assert.Zero(t, s.Load(1), "Load(1) should be 0 after hard failure undo")
}

func TestFinishJobsClearsStateAndInvokesCallback(t *testing.T) {
	s := New(NewFIFO())
	dev := newFakeDevice(1)
	s.RegisterDevice(dev)

	req := uapi.RequestRecord{ReqID: 1, ProcID: 100, TaskID: 1}
	s.AddScheduler(req, 1)

	var gotPID uint32
	var gotResp uapi.ResponseRecord
	s.SetCompletionCallback(func(pid, deviceID, taskID uint32, req uapi.RequestRecord, resp uapi.ResponseRecord) {
		gotPID = pid
		gotResp = resp
	})

	s.FinishJobs(1, uapi.ResponseRecord{ReqID: 1, ProcID: 100, InfTime: 42})

	assert.EqualValues(t, 100, gotPID)
	assert.EqualValues(t, 42, gotResp.InfTime)
	assert.Zero(t, s.Load(1), "Load(1) should be 0 after completion")
	assert.Zero(t, s.LoadForProcess(100), "LoadForProcess(100) should be 0 after completion")
	assert.False(t, s.IsRunning(100, 1, 1), "request should no longer be running after FinishJobs")
	assert.Zero(t, dev.Load())
}

func TestStopScheduler(t *testing.T) {
	s := New(NewFIFO())
	dev := newFakeDevice(1)
	dev.blocked = true // keep requests pending, not dispatched
	s.RegisterDevice(dev)
	s.SetErrorCallback(func(pid, deviceID uint32, kind uapi.ErrorKind, code int32) {})

	s.AddScheduler(uapi.RequestRecord{ReqID: 1, ProcID: 100, TaskID: 1}, 1)
	// blocked device means AddScheduler already aborted it; use a
	// threshold-exceeding load instead to actually leave it pending.
	dev.blocked = false
	s.loads[1] = 100 // force over SchedThreshold so the next add stays pending
	s.AddScheduler(uapi.RequestRecord{ReqID: 2, ProcID: 100, TaskID: 1}, 1)

	s.StopScheduler(100)
	assert.Zero(t, s.LoadForProcess(100), "LoadForProcess(100) should be 0 after StopScheduler")
}

func TestStopTaskInferenceLeavesRunningAlone(t *testing.T) {
	s := New(NewFIFO())
	dev := newFakeDevice(1)
	s.RegisterDevice(dev)
	s.loads[1] = 100 // keep AddScheduler from auto-dispatching

	s.AddScheduler(uapi.RequestRecord{ReqID: 1, ProcID: 100, TaskID: 1}, 1)
	s.Schedule(1) // now dispatch it onto the (fake) device -> running

	s.loads[1] = 0
	s.loads[1] = 100 // back over SchedThreshold so a second add also just queues, not dispatches
	s.AddScheduler(uapi.RequestRecord{ReqID: 2, ProcID: 100, TaskID: 1}, 1)

	s.StopTaskInference(100, 1, 1)

	_, stillPending := s.pending[100][2]
	assert.False(t, stillPending, "pending (not-running) request should have been removed")
	assert.True(t, s.IsRunning(100, 1, 1), "a running request must survive StopTaskInference")
}
