//go:build linux

package driver

import (
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dxrt-project/dxrt/internal/logging"
	"github.com/dxrt-project/dxrt/internal/uapi"
)

// ioctl direction bits and shifts, matching Linux's asm-generic/ioctl.h.
const (
	iocWrite     = 1
	iocRead      = 2
	iocNrBits    = 8
	iocTypeBits  = 8
	iocSizeBits  = 14
	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	// ioctlMagic is the driver's reserved ioctl type byte.
	ioctlMagic = 'x'
)

// encodeIoctl builds an ioctl request number for the generic driver
// message (spec Sec 6): one command type carrying an arbitrary nr and a
// fixed payload size.
func encodeIoctl(dir, nr, size uint32) uintptr {
	return uintptr((dir << iocDirShift) | (size << iocSizeShift) | (uint32(ioctlMagic) << iocTypeShift) | (nr << iocNrShift))
}

// CharDevice is the local character-device Adapter: real ioctl/read/
// write/poll against an opened /dev/<name><N> file via golang.org/x/sys/unix.
type CharDevice struct {
	fd     int
	path   string
	logger *logging.Logger
}

// OpenCharDevice opens the device file at path in blocking read/write mode.
func OpenCharDevice(path string) (*CharDevice, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &CharDevice{fd: fd, path: path, logger: logging.Default()}, nil
}

func (c *CharDevice) Ioctl(cmd, subcmd int32, buf []byte) (int32, error) {
	msg := uapi.DriverMessage{
		Cmd:    cmd,
		Subcmd: subcmd,
		Size:   uint32(len(buf)),
	}
	if len(buf) > 0 {
		msg.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	raw := uapi.Marshal(&msg)

	req := encodeIoctl(iocRead|iocWrite, uint32(cmd), uint32(len(raw)))
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), req, uintptr(unsafe.Pointer(&raw[0])))
	if errno != 0 {
		if errno == syscall.EBUSY {
			return -1, errno
		}
		c.logger.Warn("ioctl failed", "path", c.path, "cmd", cmd, "errno", errno)
		return -1, errno
	}

	var reply uapi.DriverMessage
	_ = uapi.Unmarshal(raw, &reply)
	return reply.Cmd, nil
}

func (c *CharDevice) Write(buf []byte) (int, error) {
	return syscall.Write(c.fd, buf)
}

func (c *CharDevice) Read(buf []byte) (int, error) {
	return syscall.Read(c.fd, buf)
}

func (c *CharDevice) Poll(timeout time.Duration) (PollOutcome, error) {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return PollError, err
	}
	if n == 0 {
		return PollTimeout, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
		return PollError, nil
	}
	return PollReady, nil
}

func (c *CharDevice) Mmap(size int) ([]byte, error) {
	return unix.Mmap(c.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (c *CharDevice) Close() error {
	return syscall.Close(c.fd)
}
