package device

import (
	"runtime"
	"sync/atomic"

	"github.com/dxrt-project/dxrt/internal/uapi"
)

// ResponseReader is one thread per DMA channel (spec Sec 4.D). Its loop
// blocks on the adapter's Ioctl(NPU_RUN_RESP) until a completion or the
// stop flag unblocks it via a synthetic TERMINATE.
type ResponseReader struct {
	device  *Device
	channel uint32

	stopped int32 // atomic bool
	done    chan struct{}
}

// NewResponseReader constructs a reader bound to one device/channel pair.
// Run must be started in its own goroutine.
func NewResponseReader(d *Device, channel uint32) *ResponseReader {
	return &ResponseReader{
		device:  d,
		channel: channel,
		done:    make(chan struct{}),
	}
}

// Run is the reader's blocking loop. Completions on a single channel are
// observed in FIFO order; across channels they are not (spec Sec 4.D).
func (r *ResponseReader) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	buf := make([]byte, 32)
	for {
		if atomic.LoadInt32(&r.stopped) != 0 {
			return
		}

		status, err := r.device.adapter.Ioctl(uapi.CmdNPURunResp, int32(r.channel), buf)
		if err != nil {
			if atomic.LoadInt32(&r.stopped) != 0 {
				return
			}
			r.device.logger.Warn("response reader ioctl failed", "device", r.device.ID, "channel", r.channel, "error", err)
			continue
		}

		var resp uapi.ResponseRecord
		if uerr := uapi.Unmarshal(buf, &resp); uerr != nil {
			r.device.logger.Error("response reader: malformed completion", "device", r.device.ID, "channel", r.channel)
			continue
		}

		if status != 0 || resp.Status != 0 {
			r.handleFault(resp)
			continue
		}
		if r.device.onComplete != nil {
			r.device.onComplete(r.device.ID, resp)
		}
	}
}

func (r *ResponseReader) handleFault(resp uapi.ResponseRecord) {
	r.device.logger.Error("device response fault", "device", r.device.ID, "channel", r.channel, "status", resp.Status)
	r.device.Block()
	if r.device.onFault != nil {
		r.device.onFault(r.device.ID, resp.Status)
	}
}

// stop marks the loop stopped, so it exits on the next iteration instead
// of looping forever on further completions, then sends one synthetic
// TERMINATE on this channel to unblock the pending read.
func (r *ResponseReader) stop() {
	atomic.StoreInt32(&r.stopped, 1)
	_, _ = r.device.adapter.Ioctl(uapi.CmdTerminate, int32(r.channel), nil)
}
