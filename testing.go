package dxrt

import (
	"fmt"

	"github.com/dxrt-project/dxrt/internal/driver"
	"github.com/dxrt-project/dxrt/internal/uapi"
)

// NewMockDeviceConfig builds a DeviceConfig backed by an in-memory
// driver.MockAdapter, pre-loaded with a successful IDENTIFY_DEVICE reply,
// so external tests can build a full Service without real hardware. The
// returned *driver.MockAdapter lets the caller queue further responses
// or inspect IoctlCalls.
func NewMockDeviceConfig(id uint32, memSize uint64, numDMACh uint8) (DeviceConfig, *driver.MockAdapter) {
	adapter := driver.NewMockAdapter()
	info := uapi.DeviceInfo{DeviceID: id, MemSize: memSize, NumDMACh: numDMACh}
	adapter.Responses = []driver.MockResponse{{Status: 0, Reply: uapi.Marshal(&info)}}
	return DeviceConfig{
		ID:      id,
		Path:    fmt.Sprintf("/dev/dxrt%d", id),
		Adapter: adapter,
	}, adapter
}

// NewTestService builds a Service wired entirely to mock devices, one
// per entry in memSizes, each with 3 DMA channels. Callers are
// responsible for calling Shutdown.
func NewTestService(socketPath string, memSizes ...uint64) (*Service, []*driver.MockAdapter, error) {
	devices := make([]DeviceConfig, 0, len(memSizes))
	adapters := make([]*driver.MockAdapter, 0, len(memSizes))
	for i, size := range memSizes {
		cfg, adapter := NewMockDeviceConfig(uint32(i), size, 3)
		devices = append(devices, cfg)
		adapters = append(adapters, adapter)
	}

	params := DefaultParams(devices)
	params.SocketPath = socketPath
	svc, err := NewService(params)
	if err != nil {
		return nil, nil, err
	}
	return svc, adapters, nil
}
