package pipeline

import (
	"log/slog"

	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/model"
)

// Rebooter restarts the board.
type Rebooter interface {
	Reboot() error
}

// RequestReboot sets the rebooting flag. The board is restarted once per
// transition from false to true; writing false only clears the flag.
func (p *Pipeline) RequestReboot(on bool) error {
	p.reboots.Lock()
	defer p.reboots.Unlock()

	if !on {
		p.state.update(func(s *Snapshot) { s.Rebooting = false })
		return nil
	}
	if !p.cfg.Policy.AllowReboot {
		slog.Warn("reboot_rejected", "reason", "policy")
		return &errors.PolicyViolationError{Operation: "reboot", Policy: "allow-reboot"}
	}
	if p.state.Snapshot().Rebooting {
		slog.Info("reboot_already_requested")
		return nil
	}

	p.state.update(func(s *Snapshot) { s.Rebooting = true })
	if p.rebooter == nil {
		return nil
	}

	if js := p.state.Copy(); js.InProgress {
		slog.Warn("reboot_during_copy", "file", js.CurrentFile)
	}
	if fs := p.state.Flash(); fs.InProgress {
		slog.Warn("reboot_during_flash", "file", fs.CurrentFile, "target", model.TargetFlash)
	}

	slog.Info("reboot_issued")
	if err := p.rebooter.Reboot(); err != nil {
		slog.Error("reboot_failed", "error", err)
		p.state.update(func(s *Snapshot) { s.Rebooting = false })
		return errors.Wrap(err, "reboot")
	}
	return nil
}
