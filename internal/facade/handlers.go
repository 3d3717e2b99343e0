package facade

import (
	"encoding/binary"

	"github.com/dxrt-project/dxrt/internal/constants"
	"github.com/dxrt-project/dxrt/internal/uapi"
)

func ok(pid uint32) uapi.IPCServerMessage {
	return uapi.IPCServerMessage{Code: uapi.RespOK, MsgType: int32(pid)}
}

func fail(pid uint32, result int32) uapi.IPCServerMessage {
	return uapi.IPCServerMessage{Code: uapi.RespError, MsgType: int32(pid), Result: result}
}

func (f *Facade) handleGetMemory(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	f.mu.Lock()
	binding, have := f.devices[uint32(msg.DeviceID)]
	f.mu.Unlock()
	if !have {
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}

	addr, err := binding.tier.Allocate(msg.PID, msg.Data)
	if err != nil {
		// NotEnoughMemory is returned as -1 in Data, not as an error
		// reply (spec Sec 7).
		return uapi.IPCServerMessage{Code: uapi.RespOK, MsgType: int32(msg.PID), Data: -1}
	}
	return uapi.IPCServerMessage{Code: uapi.RespOK, MsgType: int32(msg.PID), Data: int64(addr)}
}

func (f *Facade) handleGetMemoryForModel(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	f.mu.Lock()
	binding, have := f.devices[uint32(msg.DeviceID)]
	f.mu.Unlock()
	if !have {
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}

	addr, err := binding.tier.AllocateForTask(msg.PID, msg.TaskID, msg.ModelMemorySize)
	if err != nil {
		return uapi.IPCServerMessage{Code: uapi.RespOK, MsgType: int32(msg.PID), Data: -1}
	}
	return uapi.IPCServerMessage{Code: uapi.RespOK, MsgType: int32(msg.PID), Data: int64(addr)}
}

func (f *Facade) handleFreeMemory(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	f.mu.Lock()
	binding, have := f.devices[uint32(msg.DeviceID)]
	f.mu.Unlock()
	if !have {
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}

	if !binding.tier.Free(msg.PID, uint64(msg.Data)) {
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}
	return ok(msg.PID)
}

// weightInfoWire packs a weightRegion into the {address, size, checksum}
// custom-command payload a device understands.
func weightInfoWire(r weightRegion) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.addr))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.size))
	binary.LittleEndian.PutUint32(buf[8:12], r.checksum)
	return buf
}

func (f *Facade) handleDeviceInit(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	f.mu.Lock()
	binding, have := f.devices[uint32(msg.DeviceID)]
	if !have {
		f.mu.Unlock()
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}
	key := processDeviceKey{pid: msg.PID, deviceID: uint32(msg.DeviceID)}
	entry, exists := f.table[key]
	if !exists {
		entry = newProcessEntry()
		f.table[key] = entry
	}
	region := weightRegion{addr: msg.Data, size: msg.ModelMemorySize, checksum: msg.Checksum}
	isNew := entry.insertWeightRegion(region)
	f.mu.Unlock()

	// A region already tracked under this checksum is a duplicate
	// DEVICE_INIT; the device already has it installed.
	if isNew {
		_, _ = binding.dev.Execute(uapi.CmdCustom, uapi.SubcmdWeightInfoAdd, weightInfoWire(region))
	}
	return ok(msg.PID)
}

func (f *Facade) handleDeviceDeinit(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	f.mu.Lock()
	binding, have := f.devices[uint32(msg.DeviceID)]
	key := processDeviceKey{pid: msg.PID, deviceID: uint32(msg.DeviceID)}
	var removed bool
	if entry, ok := f.table[key]; ok {
		removed = entry.eraseWeightRegion(msg.Checksum)
		if entry.isEmpty() {
			delete(f.table, key)
		}
	}
	f.mu.Unlock()
	if !have {
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}

	if removed {
		region := weightRegion{addr: msg.Data, size: msg.ModelMemorySize, checksum: msg.Checksum}
		_, _ = binding.dev.Execute(uapi.CmdCustom, uapi.SubcmdWeightInfoRemove, weightInfoWire(region))
	}
	return ok(msg.PID)
}

func (f *Facade) handleTaskInit(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	deviceID := uint32(msg.DeviceID)
	f.mu.Lock()
	defer f.mu.Unlock()

	binding, have := f.devices[deviceID]
	if !have {
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}

	memsize := msg.Data
	info := binding.tier.Arena().FragmentationInfo()
	if info.TotalFree < memsize {
		binding.tier.Arena().Compact()
		info = binding.tier.Arena().FragmentationInfo()
		if info.TotalFree < memsize {
			return fail(msg.PID, int32(uapi.ErrKindNotEnoughMemory))
		}
	}

	key := processDeviceKey{pid: msg.PID, deviceID: deviceID}
	entry, exists := f.table[key]
	if !exists {
		entry = newProcessEntry()
		f.table[key] = entry
	}
	if _, already := entry.tasks[msg.TaskID]; already {
		return fail(msg.PID, int32(uapi.ErrKindInvalidOperation))
	}

	bound := constants.BoundClass(msg.Req.Bound)
	entry.tasks[msg.TaskID] = taskInfo{bound: bound, memUsage: memsize}

	if err := binding.dev.Bound.Add(bound); err != nil {
		delete(entry.tasks, msg.TaskID)
		return fail(msg.PID, int32(uapi.ErrKindInvalidOperation))
	}
	return ok(msg.PID)
}

func (f *Facade) handleTaskDeinit(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	deviceID := uint32(msg.DeviceID)
	f.mu.Lock()
	defer f.mu.Unlock()

	binding, have := f.devices[deviceID]
	if !have {
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}

	key := processDeviceKey{pid: msg.PID, deviceID: deviceID}
	entry, exists := f.table[key]
	if !exists {
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}
	info, exists := entry.tasks[msg.TaskID]
	if !exists {
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}

	delete(entry.tasks, msg.TaskID)
	_ = binding.dev.Bound.Delete(info.bound)
	if entry.isEmpty() {
		delete(f.table, key)
	}
	return ok(msg.PID)
}

func (f *Facade) handleScheduleInference(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	deviceID := uint32(msg.DeviceID)
	if !f.IsTaskValid(msg.PID, deviceID, msg.Req.TaskID) {
		return fail(msg.PID, int32(uapi.ErrKindInvalidOperation))
	}
	f.sched.AddScheduler(msg.Req, deviceID)
	return ok(msg.PID)
}

func (f *Facade) handleDeallocateTaskMemory(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	deviceID := uint32(msg.DeviceID)
	f.mu.Lock()
	binding, have := f.devices[deviceID]
	if !have {
		f.mu.Unlock()
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}
	key := processDeviceKey{pid: msg.PID, deviceID: deviceID}
	if entry, exists := f.table[key]; exists {
		if _, stillLive := entry.tasks[msg.TaskID]; stillLive {
			f.mu.Unlock()
			return fail(msg.PID, int32(uapi.ErrKindInvalidOperation))
		}
	}
	f.mu.Unlock()

	binding.tier.FreeTaskMemory(msg.PID, msg.TaskID)
	return ok(msg.PID)
}

func (f *Facade) handleProcessDeinit(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	f.TeardownProcess(msg.PID)
	return ok(msg.PID)
}

func (f *Facade) handleViewFreeMemory(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	f.mu.Lock()
	binding, have := f.devices[uint32(msg.DeviceID)]
	f.mu.Unlock()
	if !have {
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}
	info := binding.tier.Arena().FragmentationInfo()
	return uapi.IPCServerMessage{Code: uapi.RespOK, MsgType: int32(msg.PID), Data: int64(info.TotalFree)}
}

func (f *Facade) handleViewUsedMemory(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	f.mu.Lock()
	binding, have := f.devices[uint32(msg.DeviceID)]
	f.mu.Unlock()
	if !have {
		return fail(msg.PID, int32(uapi.ErrKindInvalidArgument))
	}
	return uapi.IPCServerMessage{Code: uapi.RespOK, MsgType: int32(msg.PID), Data: int64(binding.tier.Arena().UsedSize())}
}

func (f *Facade) handleViewAvailableDevice(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	var mask int64
	for id, binding := range f.devices {
		if !binding.dev.Blocked() {
			mask |= 1 << id
		}
	}
	return uapi.IPCServerMessage{Code: uapi.RespOK, MsgType: int32(msg.PID), Data: mask}
}

func (f *Facade) handleGetUsage(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	return uapi.IPCServerMessage{
		Code:    uapi.RespOK,
		MsgType: int32(msg.PID),
		Data:    int64(f.usage.Usage(uint32(msg.DeviceID))),
	}
}

func (f *Facade) handleClose(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
	pid := msg.PID
	f.mu.Lock()
	bindings := make([]*deviceBinding, 0, len(f.devices))
	for _, b := range f.devices {
		bindings = append(bindings, b)
	}
	f.mu.Unlock()

	for _, b := range bindings {
		b.tier.FreeAllForProcess(pid)
	}
	return uapi.IPCServerMessage{Code: uapi.RespClose, MsgType: int32(pid)}
}
