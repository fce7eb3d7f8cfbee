//go:build !linux

package pipeline

import (
	"fmt"
	"runtime"
)

// UnixRebooter is unavailable off Linux.
type UnixRebooter struct{}

func (UnixRebooter) Reboot() error {
	return fmt.Errorf("reboot not supported on %s", runtime.GOOS)
}
