package scheduler

import (
	"errors"
	"syscall"
)

// isEBUSYOrEAGAIN matches the driver adapter's EBUSY/EAGAIN distinction
// (spec Sec 4.A): the scheduler retries these rather than surfacing a
// hard dispatch failure.
func isEBUSYOrEAGAIN(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.EBUSY || errno == syscall.EAGAIN
}
