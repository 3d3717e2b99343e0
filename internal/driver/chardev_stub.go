//go:build !linux

package driver

import "fmt"

// OpenCharDevice is only available on Linux; on other platforms it
// returns an error and only the TCP tunnel variant is available.
func OpenCharDevice(path string) (Adapter, error) {
	return nil, fmt.Errorf("driver: character device adapter not supported on this platform")
}
