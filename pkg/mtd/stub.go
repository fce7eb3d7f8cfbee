//go:build !linux

package mtd

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/aeg-devices/loki-update/pkg/toolexec"
)

// StubManager is a no-op MTD manager for non-Linux systems
type StubManager struct{}

// NewManager creates a stub manager on non-Linux systems
func NewManager(runner toolexec.Runner, opts Options) (Manager, error) {
	return &StubManager{}, nil
}

func (m *StubManager) Resolve(ctx context.Context, label string) (string, error) {
	return "", fmt.Errorf("mtd not supported on %s", runtime.GOOS)
}

func (m *StubManager) ReadPartition(ctx context.Context, label string, dst io.Writer) error {
	return fmt.Errorf("mtd not supported on %s", runtime.GOOS)
}

func (m *StubManager) Flash(ctx context.Context, src, label string, onProgress func(Progress)) error {
	return fmt.Errorf("mtd not supported on %s", runtime.GOOS)
}

func (m *StubManager) Close() error {
	return nil
}
