// Package device implements one NPU device core: identify/execute/reset
// command dispatch (spec Sec 4.C), its per-DMA-channel response readers
// (Sec 4.D), and its bound-class registry (Sec 4.I).
package device

import (
	"sync"
	"sync/atomic"

	"github.com/dxrt-project/dxrt/internal/constants"
	"github.com/dxrt-project/dxrt/internal/driver"
	"github.com/dxrt-project/dxrt/internal/logging"
	"github.com/dxrt-project/dxrt/internal/uapi"
)

// Type is the device family reported by IDENTIFY_DEVICE.
type Type uint8

const (
	TypeACC Type = iota
	TypeSTD
)

// CompletionCallback is invoked by a response reader on a successful
// completion (status == 0).
type CompletionCallback func(deviceID uint32, resp uapi.ResponseRecord)

// FaultCallback is invoked when a response arrives with a non-zero
// status, or when the device otherwise needs to report a fault.
type FaultCallback func(deviceID uint32, status int32)

// Device wraps one adapter and its reader threads. Immutable fields are
// set at Identify and never change; mutable fields are accessed from the
// scheduler, the facade, and the device's own reader goroutines.
type Device struct {
	ID       uint32
	Path     string
	Type     Type
	Variant  uint8
	MemBase  uint64
	MemSize  uint64
	NumDMACh uint32

	Bound *BoundRegistry

	adapter driver.Adapter
	logger  *logging.Logger

	load    int32 // atomic: requests currently dispatched on this device
	blocked int32 // atomic bool

	readCh  uint32 // atomic, rotates mod NumDMACh
	writeCh uint32 // atomic, rotates mod NumDMACh

	onComplete CompletionCallback
	onFault    FaultCallback

	readers   []*ResponseReader
	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Device around an already-open adapter. Identify must
// be called before the device is usable.
func New(id uint32, path string, adapter driver.Adapter, onComplete CompletionCallback, onFault FaultCallback) *Device {
	return &Device{
		ID:         id,
		Path:       path,
		adapter:    adapter,
		logger:     logging.Default(),
		onComplete: onComplete,
		onFault:    onFault,
	}
}

// Identify issues IDENTIFY_DEVICE, learns memory size and DMA-channel
// count, and spawns one response reader per channel (spec Sec 4.C).
// Ties reported channel counts other than 3 are honored as-is: the
// rotation modulus follows whatever the device reports.
func (d *Device) Identify() error {
	buf := make([]byte, 56)
	if _, err := d.adapter.Ioctl(uapi.CmdIdentifyDevice, 0, buf); err != nil {
		return err
	}

	var info uapi.DeviceInfo
	if err := uapi.Unmarshal(buf, &info); err != nil {
		return err
	}

	d.MemBase = info.MemBase
	d.MemSize = info.MemSize
	d.Type = Type(info.Type)
	d.Variant = info.Variant

	numCh := uint32(info.NumDMACh)
	if numCh == 0 {
		numCh = constants.DefaultNumDMAChannels
	}
	d.NumDMACh = numCh

	d.Bound = NewBoundRegistry(d.schedAdd, d.schedDelete)

	d.startOnce.Do(func() {
		d.readers = make([]*ResponseReader, numCh)
		for ch := uint32(0); ch < numCh; ch++ {
			r := NewResponseReader(d, ch)
			d.readers[ch] = r
			go r.Run()
		}
	})

	return nil
}

// Execute serializes one {cmd, subcmd, buf} tuple through the adapter.
// Sub-command recognition exists only to size buffers correctly upstream
// of this call; Execute performs no semantic interpretation itself.
func (d *Device) Execute(cmd, subcmd int32, buf []byte) (int32, error) {
	return d.adapter.Ioctl(cmd, subcmd, buf)
}

// DeviceID identifies the device to its non-owning callers (the
// scheduler holds a weak handle, never the Device itself, per spec
// Sec 9 "Cyclic ownership").
func (d *Device) DeviceID() uint32 {
	return d.ID
}

// Dispatch submits one request record for execution and reports the
// adapter's raw status alongside any transport error, so the caller can
// distinguish EBUSY/EAGAIN (retryable) from other failures.
func (d *Device) Dispatch(req uapi.RequestRecord) (int32, error) {
	buf := uapi.Marshal(&req)
	return d.adapter.Ioctl(uapi.CmdNPURunReq, 0, buf)
}

// Reset sends RESET with the given option, then clears blocked state.
func (d *Device) Reset(opt int32) error {
	if _, err := d.adapter.Ioctl(uapi.CmdReset, opt, nil); err != nil {
		return err
	}
	atomic.StoreInt32(&d.blocked, 0)
	return nil
}

// Recover sends a RECOVERY command without clearing blocked state; the
// caller decides whether recovery succeeded before unblocking.
func (d *Device) Recover() error {
	_, err := d.adapter.Ioctl(uapi.CmdRecovery, 0, nil)
	return err
}

// NextReadChannel rotates the read channel counter mod NumDMACh.
func (d *Device) NextReadChannel() uint32 {
	return atomic.AddUint32(&d.readCh, 1) % d.NumDMACh
}

// NextWriteChannel rotates the write channel counter mod NumDMACh.
func (d *Device) NextWriteChannel() uint32 {
	return atomic.AddUint32(&d.writeCh, 1) % d.NumDMACh
}

// Write transfers buf to the device through the adapter. ch is accepted
// for the caller's bookkeeping only: Adapter.Write takes no channel, so
// ch is not forwarded.
func (d *Device) Write(ch uint32, buf []byte) (int, error) {
	return d.adapter.Write(buf)
}

// Load returns the number of requests currently dispatched on this
// device.
func (d *Device) Load() int32 {
	return atomic.LoadInt32(&d.load)
}

// IncLoad/DecLoad are used by the scheduler under its own lock (spec
// Sec 4.E); DecLoad floors at zero and logs on underflow.
func (d *Device) IncLoad() {
	atomic.AddInt32(&d.load, 1)
}

func (d *Device) DecLoad() {
	if atomic.AddInt32(&d.load, -1) < 0 {
		atomic.StoreInt32(&d.load, 0)
		d.logger.Warn("device load underflow", "device", d.ID)
	}
}

// Busy reports whether the device currently has any dispatched request
// in flight. The response-reader loop does not distinguish which
// channel a given request landed on beyond rotation, so duty-cycle
// tracking treats every channel as equally busy when the device as a
// whole is busy (spec Sec 4.H's "per-channel usage tick").
func (d *Device) Busy() bool {
	return d.Load() > 0
}

// Blocked reports whether the device is currently marked blocked
// (typically after a DeviceResponseFault).
func (d *Device) Blocked() bool {
	return atomic.LoadInt32(&d.blocked) != 0
}

// Block marks the device blocked, typically after a response-reader
// fault.
func (d *Device) Block() {
	atomic.StoreInt32(&d.blocked, 1)
}

// Unblock clears the blocked flag, typically after a successful Reset.
func (d *Device) Unblock() {
	atomic.StoreInt32(&d.blocked, 0)
}

// Stop submits one synthetic TERMINATE per channel to unblock the
// response readers, then waits for them to exit (spec Sec 4.D.2, Sec 9
// "Thread lifecycle").
func (d *Device) Stop() {
	d.stopOnce.Do(func() {
		for _, r := range d.readers {
			r.stop()
		}
		for _, r := range d.readers {
			<-r.done
		}
		_ = d.adapter.Close()
	})
}

func (d *Device) schedAdd(b BoundClass) error {
	buf := []byte{byte(b)}
	_, err := d.adapter.Ioctl(uapi.CmdSchedule, uapi.SubcmdBoundAdd, buf)
	return err
}

func (d *Device) schedDelete(b BoundClass) error {
	buf := []byte{byte(b)}
	_, err := d.adapter.Ioctl(uapi.CmdSchedule, uapi.SubcmdBoundRemove, buf)
	return err
}

// PollTimeout is the fixed adapter poll timeout (spec Sec 4.A).
var PollTimeout = constants.DriverPollTimeout
