package uapi

import (
	"encoding/binary"
	"reflect"
	"unsafe"
)

// Marshal converts a struct to its little-endian wire form.
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *DriverMessage:
		return marshalDriverMessage(val)
	case *DeviceInfo:
		return marshalDeviceInfo(val)
	case *RequestRecord:
		return marshalRequestRecord(val)
	case *ResponseRecord:
		return marshalResponseRecord(val)
	case *IPCClientMessage:
		return marshalIPCClientMessage(val)
	case *IPCServerMessage:
		return marshalIPCServerMessage(val)
	default:
		return directMarshal(v)
	}
}

// Unmarshal converts wire bytes back into a struct.
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *DriverMessage:
		return unmarshalDriverMessage(data, val)
	case *DeviceInfo:
		return unmarshalDeviceInfo(data, val)
	case *RequestRecord:
		return unmarshalRequestRecord(data, val)
	case *ResponseRecord:
		return unmarshalResponseRecord(data, val)
	case *IPCClientMessage:
		return unmarshalIPCClientMessage(data, val)
	case *IPCServerMessage:
		return unmarshalIPCServerMessage(data, val)
	default:
		return directUnmarshal(data, v)
	}
}

func marshalDriverMessage(m *DriverMessage) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Cmd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Subcmd))
	binary.LittleEndian.PutUint64(buf[8:16], m.Addr)
	binary.LittleEndian.PutUint32(buf[16:20], m.Size)
	binary.LittleEndian.PutUint32(buf[20:24], m.Reserved)
	return buf
}

func unmarshalDriverMessage(data []byte, m *DriverMessage) error {
	if len(data) < 24 {
		return ErrInsufficientData
	}
	m.Cmd = int32(binary.LittleEndian.Uint32(data[0:4]))
	m.Subcmd = int32(binary.LittleEndian.Uint32(data[4:8]))
	m.Addr = binary.LittleEndian.Uint64(data[8:16])
	m.Size = binary.LittleEndian.Uint32(data[16:20])
	m.Reserved = binary.LittleEndian.Uint32(data[20:24])
	return nil
}

func marshalDeviceInfo(d *DeviceInfo) []byte {
	buf := make([]byte, 56)
	binary.LittleEndian.PutUint32(buf[0:4], d.DeviceID)
	buf[4] = d.Type
	buf[5] = d.Variant
	buf[6] = d.NumDMACh
	buf[7] = d.Reserved0
	binary.LittleEndian.PutUint64(buf[8:16], d.MemBase)
	binary.LittleEndian.PutUint64(buf[16:24], d.MemSize)
	copy(buf[24:32], d.ChipOffset[:])
	copy(buf[32:40], d.FWVerSuffix[:])
	copy(buf[40:56], d.Reserved[:])
	return buf
}

func unmarshalDeviceInfo(data []byte, d *DeviceInfo) error {
	if len(data) < 56 {
		return ErrInsufficientData
	}
	d.DeviceID = binary.LittleEndian.Uint32(data[0:4])
	d.Type = data[4]
	d.Variant = data[5]
	d.NumDMACh = data[6]
	d.Reserved0 = data[7]
	d.MemBase = binary.LittleEndian.Uint64(data[8:16])
	d.MemSize = binary.LittleEndian.Uint64(data[16:24])
	copy(d.ChipOffset[:], data[24:32])
	copy(d.FWVerSuffix[:], data[32:40])
	copy(d.Reserved[:], data[40:56])
	return nil
}

func marshalRequestRecord(r *RequestRecord) []byte {
	buf := make([]byte, 88)
	binary.LittleEndian.PutUint64(buf[0:8], r.ReqID)
	binary.LittleEndian.PutUint64(buf[8:16], r.InputBase)
	binary.LittleEndian.PutUint64(buf[16:24], r.InputOffset)
	binary.LittleEndian.PutUint64(buf[24:32], r.InputSize)
	binary.LittleEndian.PutUint64(buf[32:40], r.OutputBase)
	binary.LittleEndian.PutUint64(buf[40:48], r.OutputOffset)
	binary.LittleEndian.PutUint64(buf[48:56], r.OutputSize)
	binary.LittleEndian.PutUint64(buf[56:64], r.CmdOffset)
	binary.LittleEndian.PutUint64(buf[64:72], r.WeightOffset)
	binary.LittleEndian.PutUint32(buf[72:76], r.ProcID)
	binary.LittleEndian.PutUint32(buf[76:80], r.TaskID)
	binary.LittleEndian.PutUint32(buf[80:84], r.Reserved0)
	buf[84] = r.Bound
	buf[85] = r.DMACh
	buf[86] = r.Priority
	buf[87] = r.BandwidthHint
	return buf
}

func unmarshalRequestRecord(data []byte, r *RequestRecord) error {
	if len(data) < 88 {
		return ErrInsufficientData
	}
	r.ReqID = binary.LittleEndian.Uint64(data[0:8])
	r.InputBase = binary.LittleEndian.Uint64(data[8:16])
	r.InputOffset = binary.LittleEndian.Uint64(data[16:24])
	r.InputSize = binary.LittleEndian.Uint64(data[24:32])
	r.OutputBase = binary.LittleEndian.Uint64(data[32:40])
	r.OutputOffset = binary.LittleEndian.Uint64(data[40:48])
	r.OutputSize = binary.LittleEndian.Uint64(data[48:56])
	r.CmdOffset = binary.LittleEndian.Uint64(data[56:64])
	r.WeightOffset = binary.LittleEndian.Uint64(data[64:72])
	r.ProcID = binary.LittleEndian.Uint32(data[72:76])
	r.TaskID = binary.LittleEndian.Uint32(data[76:80])
	r.Reserved0 = binary.LittleEndian.Uint32(data[80:84])
	r.Bound = data[84]
	r.DMACh = data[85]
	r.Priority = data[86]
	r.BandwidthHint = data[87]
	return nil
}

func marshalResponseRecord(r *ResponseRecord) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:8], r.ReqID)
	binary.LittleEndian.PutUint32(buf[8:12], r.ProcID)
	binary.LittleEndian.PutUint32(buf[12:16], r.InfTime)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(r.Status))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(r.ArgMax))
	binary.LittleEndian.PutUint32(buf[24:28], r.PPUFilterCount)
	buf[28] = r.DMACh
	copy(buf[29:32], r.Reserved[:])
	return buf
}

func unmarshalResponseRecord(data []byte, r *ResponseRecord) error {
	if len(data) < 32 {
		return ErrInsufficientData
	}
	r.ReqID = binary.LittleEndian.Uint64(data[0:8])
	r.ProcID = binary.LittleEndian.Uint32(data[8:12])
	r.InfTime = binary.LittleEndian.Uint32(data[12:16])
	r.Status = int32(binary.LittleEndian.Uint32(data[16:20]))
	r.ArgMax = int32(binary.LittleEndian.Uint32(data[20:24]))
	r.PPUFilterCount = binary.LittleEndian.Uint32(data[24:28])
	r.DMACh = data[28]
	copy(r.Reserved[:], data[29:32])
	return nil
}

func marshalIPCClientMessage(m *IPCClientMessage) []byte {
	buf := make([]byte, 128)
	binary.LittleEndian.PutUint64(buf[0:8], m.Data)
	binary.LittleEndian.PutUint64(buf[8:16], m.ModelMemorySize)
	copy(buf[16:104], marshalRequestRecord(&m.Req))
	binary.LittleEndian.PutUint32(buf[104:108], uint32(m.Code))
	binary.LittleEndian.PutUint32(buf[108:112], uint32(m.MsgType))
	binary.LittleEndian.PutUint32(buf[112:116], m.PID)
	binary.LittleEndian.PutUint32(buf[116:120], uint32(m.DeviceID))
	binary.LittleEndian.PutUint32(buf[120:124], m.TaskID)
	binary.LittleEndian.PutUint32(buf[124:128], m.Checksum)
	return buf
}

func unmarshalIPCClientMessage(data []byte, m *IPCClientMessage) error {
	if len(data) < 128 {
		return ErrInsufficientData
	}
	m.Data = binary.LittleEndian.Uint64(data[0:8])
	m.ModelMemorySize = binary.LittleEndian.Uint64(data[8:16])
	if err := unmarshalRequestRecord(data[16:104], &m.Req); err != nil {
		return err
	}
	m.Code = int32(binary.LittleEndian.Uint32(data[104:108]))
	m.MsgType = int32(binary.LittleEndian.Uint32(data[108:112]))
	m.PID = binary.LittleEndian.Uint32(data[112:116])
	m.DeviceID = int32(binary.LittleEndian.Uint32(data[116:120]))
	m.TaskID = binary.LittleEndian.Uint32(data[120:124])
	m.Checksum = binary.LittleEndian.Uint32(data[124:128])
	return nil
}

func marshalIPCServerMessage(m *IPCServerMessage) []byte {
	buf := make([]byte, 56)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Data))
	copy(buf[8:40], marshalResponseRecord(&m.Resp))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(m.Code))
	binary.LittleEndian.PutUint32(buf[44:48], uint32(m.MsgType))
	binary.LittleEndian.PutUint32(buf[48:52], uint32(m.DeviceID))
	binary.LittleEndian.PutUint32(buf[52:56], uint32(m.Result))
	return buf
}

func unmarshalIPCServerMessage(data []byte, m *IPCServerMessage) error {
	if len(data) < 56 {
		return ErrInsufficientData
	}
	m.Data = int64(binary.LittleEndian.Uint64(data[0:8]))
	if err := unmarshalResponseRecord(data[8:40], &m.Resp); err != nil {
		return err
	}
	m.Code = int32(binary.LittleEndian.Uint32(data[40:44]))
	m.MsgType = int32(binary.LittleEndian.Uint32(data[44:48]))
	m.DeviceID = int32(binary.LittleEndian.Uint32(data[48:52]))
	m.Result = int32(binary.LittleEndian.Uint32(data[52:56]))
	return nil
}

// directMarshal performs a raw memory copy for any struct without a hand
// written codec above.
func directMarshal(v interface{}) []byte {
	ptr := reflect.ValueOf(v).Pointer()
	size := int(reflect.TypeOf(v).Elem().Size())
	buf := make([]byte, size)
	src := (*[1 << 20]byte)(unsafe.Pointer(ptr))
	copy(buf, src[:size])
	return buf
}

// directUnmarshal performs a raw memory copy into any struct without a
// hand written codec above.
func directUnmarshal(data []byte, v interface{}) error {
	ptr := reflect.ValueOf(v).Pointer()
	size := int(reflect.TypeOf(v).Elem().Size())
	if len(data) < size {
		return ErrInsufficientData
	}
	dst := (*[1 << 20]byte)(unsafe.Pointer(ptr))
	copy(dst[:size], data[:size])
	return nil
}

// MarshalError is the sentinel error type for wire (un)marshaling
// failures.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "invalid type for marshaling"
)
