package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/dxrt-project/dxrt/internal/arena"
	"github.com/dxrt-project/dxrt/internal/device"
	"github.com/dxrt-project/dxrt/internal/driver"
	"github.com/dxrt-project/dxrt/internal/facade"
	"github.com/dxrt-project/dxrt/internal/scheduler"
	"github.com/dxrt-project/dxrt/internal/uapi"
)

type fakeClients struct {
	mu   sync.Mutex
	pids []uint32
	forgotten []uint32
}

func (c *fakeClients) KnownPIDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, len(c.pids))
	copy(out, c.pids)
	return out
}

func (c *fakeClients) ForgetClient(pid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, pid)
}

type notifyingBroadcaster struct {
	mu       sync.Mutex
	notified []uapi.IPCServerMessage
	ch       chan uapi.IPCServerMessage
}

func newNotifyingBroadcaster() *notifyingBroadcaster {
	return &notifyingBroadcaster{ch: make(chan uapi.IPCServerMessage, 8)}
}

func (b *notifyingBroadcaster) Notify(pid uint32, msg uapi.IPCServerMessage) bool {
	b.mu.Lock()
	b.notified = append(b.notified, msg)
	b.mu.Unlock()
	b.ch <- msg
	return true
}
func (b *notifyingBroadcaster) KnownPIDs() []uint32 { return nil }

func newTestDevice(t *testing.T, id uint32) *device.Device {
	t.Helper()
	adapter := driver.NewMockAdapter()
	info := uapi.DeviceInfo{DeviceID: id, NumDMACh: 1, MemSize: 1 << 20}
	adapter.Responses = []driver.MockResponse{{Status: 0, Reply: uapi.Marshal(&info)}}

	d := device.New(id, "/dev/dxrt0", adapter, nil, nil)
	if err := d.Identify(); err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func TestScanReapsDeadProcessAndBroadcastsTermination(t *testing.T) {
	dev := newTestDevice(t, 1)
	bc := newNotifyingBroadcaster()
	sched := scheduler.New(scheduler.NewFIFO())
	f := facade.New(sched, bc)
	tier := arena.NewMemoryTier(arena.New(0, 1<<20))
	f.RegisterDevice(dev, tier)

	f.Handle(uapi.IPCClientMessage{Code: uapi.ReqTaskInit, PID: 100, DeviceID: 1, TaskID: 1, Data: 100})
	f.Handle(uapi.IPCClientMessage{Code: uapi.ReqGetMemoryForModel, PID: 100, DeviceID: 1, TaskID: 1, ModelMemorySize: 4096})

	clients := &fakeClients{pids: []uint32{100}}
	dead := map[uint32]bool{100: true}
	w := New(f, sched, clients, func(pid uint32) bool { return !dead[pid] })

	w.scan()

	select {
	case msg := <-bc.ch:
		if msg.Code != uapi.RespErrorReport {
			t.Errorf("msg.Code = %d, want RespErrorReport", msg.Code)
		}
		if msg.Result != uapi.ErrServiceTermination {
			t.Errorf("msg.Result = %d, want ErrServiceTermination (no in-flight work to drain)", msg.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for termination broadcast")
	}

	if len(clients.forgotten) != 1 || clients.forgotten[0] != 100 {
		t.Errorf("forgotten = %v, want [100]", clients.forgotten)
	}
	if f.IsTaskValid(100, 1, 1) {
		t.Error("task should have been torn down by the dead-process cleanup")
	}
}

func TestScanLeavesLiveProcessesAlone(t *testing.T) {
	dev := newTestDevice(t, 1)
	bc := newNotifyingBroadcaster()
	sched := scheduler.New(scheduler.NewFIFO())
	f := facade.New(sched, bc)
	tier := arena.NewMemoryTier(arena.New(0, 1<<20))
	f.RegisterDevice(dev, tier)

	clients := &fakeClients{pids: []uint32{200}}
	w := New(f, sched, clients, func(pid uint32) bool { return true })

	w.scan()

	select {
	case msg := <-bc.ch:
		t.Fatalf("unexpected broadcast for a live process: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
	if len(clients.forgotten) != 0 {
		t.Errorf("forgotten = %v, want none", clients.forgotten)
	}
}

func TestClearDeviceTerminatesImmediatelyWithNoInFlightWork(t *testing.T) {
	sched := scheduler.New(scheduler.NewFIFO())
	bc := newNotifyingBroadcaster()
	f := facade.New(sched, bc)
	w := New(f, sched, &fakeClients{}, nil)

	outcome := w.clearDevice(100, nil)
	if outcome != outcomeTerminated {
		t.Errorf("outcome = %v, want outcomeTerminated", outcome)
	}
}
