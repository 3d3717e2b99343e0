// Package uapi defines the wire-level contract shared with the kernel
// driver and with IPC clients: fixed-size little-endian records and the
// command/request-code enumerations that index them. A faithful
// implementation must byte-match these layouts because the driver and the
// client libraries are unchanged.
package uapi

// Driver ioctl commands (Cmd field of DriverMessage). Read-blocking is
// exclusively NPURunResp.
const (
	CmdIdentifyDevice = 0x01
	CmdGetStatus      = 0x02
	CmdReset          = 0x03
	CmdUpdateConfig   = 0x04
	CmdUpdateFirmware = 0x05
	CmdGetLog         = 0x06
	CmdDump           = 0x07
	CmdWriteMem       = 0x08
	CmdReadMem        = 0x09
	CmdNPURunReq      = 0x0A
	CmdNPURunResp     = 0x0B
	CmdTerminate      = 0x0C
	CmdDrvInfo        = 0x0D
	CmdSchedule       = 0x0E
	CmdCustom         = 0x0F
	CmdPCIe           = 0x10
	CmdRecovery       = 0x11
	CmdStart          = 0x12
)

// Sub-commands recognized only to size the ioctl buffer correctly; the
// driver adapter never interprets their payload.
const (
	SubcmdWeightInfoAdd    = 0x01
	SubcmdWeightInfoRemove = 0x02
	SubcmdBoundAdd         = 0x03
	SubcmdBoundRemove      = 0x04
	SubcmdFirmwareUpdate   = 0x05
	SubcmdLED              = 0x06
	SubcmdOTP              = 0x07
	SubcmdResetOpt         = 0x08
	SubcmdStart            = 0x09
	SubcmdDump             = 0x0A
	SubcmdConfigJSON       = 0x0B
)

// Device type.
const (
	DeviceTypeACC = iota
	DeviceTypeSTD
)

// IPC request codes (REQUEST_CODE). Values above SanityMaxRequestCode are
// dropped outright; unknown values at or below it reply
// RespInvalidRequestCode.
const (
	ReqGetMemory            = 1
	ReqGetMemoryForModel    = 2
	ReqFreeMemory           = 3
	ReqDeviceInit           = 4
	ReqDeviceDeinit         = 5
	ReqTaskInit             = 6
	ReqTaskDeinit           = 7
	ReqScheduleInference    = 8
	ReqDeallocateTaskMemory = 9
	ReqProcessDeinit        = 10
	ReqViewFreeMemory       = 11
	ReqViewUsedMemory       = 12
	ReqViewAvailableDevice  = 13
	ReqGetUsage             = 14
	ReqDeviceReset          = 15
	ReqInferenceCompleted   = 16
	ReqClose                = 17

	// SanityMaxRequestCode bounds the values the IPC server will even
	// consider; anything beyond it is dropped rather than answered.
	SanityMaxRequestCode = 10000
)

// IPC server reply codes (msgType-addressed).
const (
	RespOK                   = 0
	RespError                = -1
	RespInvalidRequestCode   = -2
	RespErrorReport          = -3
	RespClose                = -4
	RespDoScheduledInference = 0x1000 // + channel index -> DO_SCHEDULED_INFERENCE_CHn
)

// DoScheduledInferenceCode returns the reply code for a completed inference
// delivered on the given DMA channel (DO_SCHEDULED_INFERENCE_CHn).
func DoScheduledInferenceCode(dmaChannel int) int {
	return RespDoScheduledInference + dmaChannel
}

// AuxReplyBase is the offset for an auxiliary msgType (pid + AuxReplyBase)
// set apart from the pid's completion-notification channel. Replies do not
// apply it: synchronous replies and notifications alike carry msgType = pid.
const AuxReplyBase = 10_000_000

// ErrorKind mirrors the high-level error kinds broadcast in an
// ERROR_REPORT reply (spec Sec 7).
type ErrorKind int32

const (
	ErrKindInvalidArgument ErrorKind = iota
	ErrKindFileNotFound
	ErrKindDeviceIO
	ErrKindServiceIO
	ErrKindNotEnoughMemory
	ErrKindInvalidOperation
	ErrKindDeviceResponseFault
	ErrKindTermination
)

// Service-termination broadcast codes used by the watchdog's ClearDevice
// staged recovery (spec Sec 4.H).
const (
	ErrServiceTermination = 1
	ErrServiceDevBoundErr = 2
	ErrServiceUnknownErr  = 3
)
