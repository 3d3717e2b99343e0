package dxrt

import "github.com/dxrt-project/dxrt/internal/constants"

// Re-exported for the public API surface.
const (
	DefaultIPCSocketPath  = constants.DefaultIPCSocketPath
	SchedThreshold        = constants.SchedThreshold
	DefaultNumDMAChannels = constants.DefaultNumDMAChannels
)
