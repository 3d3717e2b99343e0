// Package driver implements the device-file capability trait of spec
// Sec 4.A: a uniform, blocking {ioctl, write, read, poll, mmap} surface
// over one device file, with concrete variants for a local character
// device (Linux only) and a TCP tunnel. There is no overlapped-I/O
// (Windows) character device variant.
package driver

import (
	"time"

	"github.com/dxrt-project/dxrt/internal/constants"
)

// PollOutcome is the three-way result of Adapter.Poll.
type PollOutcome int

const (
	PollReady PollOutcome = iota
	PollTimeout
	PollError
)

// Adapter is the capability trait every concrete driver transport
// implements. All methods are blocking at the call site; concurrency is
// provided by the caller through one thread per DMA channel (spec
// Sec 4.D), never by the adapter.
type Adapter interface {
	// Ioctl issues the generic {cmd, subcmd, data, size} message and
	// returns the driver's status code. A negative status indicates
	// failure; EBUSY is reported through err so the scheduler can
	// distinguish it from other I/O failures.
	Ioctl(cmd, subcmd int32, buf []byte) (status int32, err error)

	// Write transfers buf to the device on the caller-selected channel
	// embedded in buf's framing, or the adapter's default channel.
	Write(buf []byte) (n int, err error)

	// Read blocks until a response is available, filling buf. It has no
	// timeout of its own.
	Read(buf []byte) (n int, err error)

	// Poll blocks up to timeout for the next device event.
	Poll(timeout time.Duration) (PollOutcome, error)

	// Mmap maps size bytes of device memory into the process; adapters
	// that do not support memory mapping return (nil, nil).
	Mmap(size int) ([]byte, error)

	Close() error
}

// DefaultPollTimeout is the adapter's fixed poll timeout (spec Sec 4.A):
// effectively an unbounded wait for the next device event.
const DefaultPollTimeout = constants.DriverPollTimeout
