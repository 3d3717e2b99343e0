package uapi

import (
	"fmt"
	"unsafe"
)

// DriverMessage is the single generic ioctl message the adapter issues
// against the device file (spec Sec 6): {cmd, subcmd, data, size}. Addr
// carries a userspace buffer address; the driver treats it as opaque.
type DriverMessage struct {
	Cmd      int32
	Subcmd   int32
	Addr     uint64
	Size     uint32
	Reserved uint32
}

var _ [24]byte = [unsafe.Sizeof(DriverMessage{})]byte{}

// DeviceInfo is returned by IDENTIFY_DEVICE. ChipOffset, FWVerSuffix and
// Reserved have no consumer in this core and are carried as opaque bytes.
type DeviceInfo struct {
	DeviceID     uint32
	Type         uint8
	Variant      uint8
	NumDMACh     uint8
	Reserved0    uint8
	MemBase      uint64
	MemSize      uint64
	ChipOffset   [8]byte
	FWVerSuffix  [8]byte
	Reserved     [16]byte
}

var _ [56]byte = [unsafe.Sizeof(DeviceInfo{})]byte{}

// RequestRecord is the npu_acc payload of an inference request (spec
// Sec 3, "Request").
type RequestRecord struct {
	ReqID          uint64
	InputBase      uint64
	InputOffset    uint64
	InputSize      uint64
	OutputBase     uint64
	OutputOffset   uint64
	OutputSize     uint64
	CmdOffset      uint64
	WeightOffset   uint64
	ProcID         uint32
	TaskID         uint32
	Reserved0      uint32
	Bound          uint8
	DMACh          uint8
	Priority       uint8
	BandwidthHint  uint8
}

var _ [88]byte = [unsafe.Sizeof(RequestRecord{})]byte{}

// ResponseRecord is the npu_resp payload emitted by a reader thread (spec
// Sec 3, "Response"). Status != 0 marks a device-side fault.
type ResponseRecord struct {
	ReqID          uint64
	ProcID         uint32
	InfTime        uint32
	Status         int32
	ArgMax         int32
	PPUFilterCount uint32
	DMACh          uint8
	Reserved       [3]byte
}

var _ [32]byte = [unsafe.Sizeof(ResponseRecord{})]byte{}

// IPCClientMessage is the fixed-layout record read off the IPC transport
// (spec Sec 6): `{code, msgType, pid, deviceId, taskId, data,
// modelMemorySize, npu_acc}`.
//
// DEVICE_INIT/DEVICE_DEINIT repurpose Data/ModelMemorySize/Checksum as
// the {address, size, checksum} weight-region descriptor instead of a
// memory request.
type IPCClientMessage struct {
	Data            uint64
	ModelMemorySize uint64
	Req             RequestRecord
	Code            int32
	MsgType         int32
	PID             uint32
	DeviceID        int32
	TaskID          uint32
	Checksum        uint32
}

var _ [128]byte = [unsafe.Sizeof(IPCClientMessage{})]byte{}

// IPCServerMessage is the fixed-layout reply record (spec Sec 6):
// `{code, msgType, deviceId, data, result, npu_resp}`.
type IPCServerMessage struct {
	Data     int64
	Resp     ResponseRecord
	Code     int32
	MsgType  int32
	DeviceID int32
	Result   int32
}

var _ [56]byte = [unsafe.Sizeof(IPCServerMessage{})]byte{}

// Device file paths (Sec 6): /dev/<name><N>, N enumerating 0..k until the
// first missing file.
func DevicePath(name string, id uint32) string {
	return fmt.Sprintf("/dev/%s%d", name, id)
}

// DumpPath returns the names of a device's crash-dump file pair:
// dxrt.dump.bin.<deviceId> and its .txt companion. It only builds the
// names; no code path in the service writes these files.
func DumpPath(deviceID uint32) (bin string, txt string) {
	base := fmt.Sprintf("dxrt.dump.bin.%d", deviceID)
	return base, base + ".txt"
}
