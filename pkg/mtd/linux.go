//go:build linux

package mtd

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/toolexec"
)

// LinuxManager programs MTD partitions through the flash tool.
type LinuxManager struct {
	runner toolexec.Runner
	opts   Options
}

// NewManager creates a Linux MTD manager
func NewManager(runner toolexec.Runner, opts Options) (Manager, error) {
	slog.Info("mtd_init", "partition_table", opts.PartitionTable, "platform", "linux")

	if opts.DevDir == "" {
		opts.DevDir = "/dev"
	}
	if opts.FlashTool == "" {
		opts.FlashTool = "flashcp"
	}

	return &LinuxManager{runner: runner, opts: opts}, nil
}

func (m *LinuxManager) Resolve(ctx context.Context, label string) (string, error) {
	listing, err := os.ReadFile(m.opts.PartitionTable)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("partition_table_missing", "path", m.opts.PartitionTable)
			return "", &errors.NotFoundError{What: "partition table " + m.opts.PartitionTable}
		}
		return "", errors.Wrap(err, "failed to read partition table")
	}

	device, err := FindDevice(string(listing), m.opts.DevDir, label)
	if err != nil {
		slog.Error("partition_not_found", "label", label)
		return "", err
	}

	slog.Info("partition_resolved", "label", label, "device", device)
	return device, nil
}

func (m *LinuxManager) ReadPartition(ctx context.Context, label string, dst io.Writer) error {
	device, err := m.Resolve(ctx, label)
	if err != nil {
		return err
	}

	f, err := os.Open(device)
	if err != nil {
		if os.IsNotExist(err) {
			return &errors.NotFoundError{What: "device " + device}
		}
		return errors.Wrap(err, "failed to open partition")
	}
	defer f.Close()

	n, err := io.Copy(dst, f)
	if err != nil {
		slog.Error("partition_read_failed", "device", device, "error", err)
		return errors.Wrap(err, "failed to read partition")
	}

	slog.Info("partition_read_complete", "device", device, "bytes", n)
	return nil
}

func (m *LinuxManager) Flash(ctx context.Context, src, label string, onProgress func(Progress)) error {
	device, err := m.Resolve(ctx, label)
	if err != nil {
		return err
	}

	slog.Info("flash_start", "src", src, "device", device, "tool", m.opts.FlashTool)

	err = m.runner.Stream(ctx, m.opts.FlashTool, []string{"-v", src, device}, func(line string) {
		p, ok := ParseProgressLine(line)
		if !ok {
			slog.Debug("flash_output", "line", line)
			return
		}
		if onProgress != nil {
			onProgress(p)
		}
	})
	if err != nil {
		slog.Error("flash_failed", "src", src, "device", device, "error", err)
		return err
	}

	slog.Info("flash_complete", "src", src, "device", device)
	return nil
}

func (m *LinuxManager) Close() error {
	return nil
}
