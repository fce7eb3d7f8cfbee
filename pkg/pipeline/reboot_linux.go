//go:build linux

package pipeline

import (
	"golang.org/x/sys/unix"

	"github.com/aeg-devices/loki-update/pkg/errors"
)

// UnixRebooter flushes filesystems and restarts the kernel.
type UnixRebooter struct{}

func (UnixRebooter) Reboot() error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return errors.Wrap(err, "reboot syscall")
	}
	return nil
}
