//go:build linux

package mtd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/aeg-devices/loki-update/pkg/errors"
)

type fakeRunner struct {
	lines []string
	err   error
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return nil, f.err
}

func (f *fakeRunner) Stream(ctx context.Context, name string, args []string, onLine func(string)) error {
	f.calls = append(f.calls, append([]string{name}, args...))
	for _, l := range f.lines {
		onLine(l)
	}
	return f.err
}

func newTestManager(t *testing.T, runner *fakeRunner) (Manager, string) {
	t.Helper()
	dir := t.TempDir()
	table := filepath.Join(dir, "mtd")
	if err := os.WriteFile(table, []byte(sampleListing), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(runner, Options{PartitionTable: table, DevDir: dir, FlashTool: "flashcp"})
	if err != nil {
		t.Fatal(err)
	}
	return m, dir
}

func TestManagerInterface(t *testing.T) {
	var _ Manager = (*LinuxManager)(nil)
}

func TestLinuxManager_Flash(t *testing.T) {
	runner := &fakeRunner{lines: []string{
		"Erasing blocks: 1/2 (50%)",
		"garbage",
		"Writing data: 2k/2k (100%)",
	}}
	m, dir := newTestManager(t, runner)

	var got []Progress
	if err := m.Flash(context.Background(), "/staging/image.ub", `"kernel"`, func(p Progress) { got = append(got, p) }); err != nil {
		t.Fatalf("Flash: %v", err)
	}

	want := []Progress{{"Erasing blocks", 50}, {"Writing data", 100}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("progress = %+v, want %+v", got, want)
	}

	wantCall := []string{"flashcp", "-v", "/staging/image.ub", filepath.Join(dir, "mtd3")}
	if len(runner.calls) != 1 || !reflect.DeepEqual(runner.calls[0], wantCall) {
		t.Errorf("calls = %v, want %v", runner.calls, wantCall)
	}
}

func TestLinuxManager_FlashToolFailure(t *testing.T) {
	runner := &fakeRunner{err: &errors.ToolInvocationError{Tool: "flashcp", ExitCode: 1}}
	m, _ := newTestManager(t, runner)

	err := m.Flash(context.Background(), "BOOT.BIN", `"boot"`, nil)
	var tie *errors.ToolInvocationError
	if !errors.As(err, &tie) {
		t.Fatalf("expected ToolInvocationError, got %v", err)
	}
}

func TestLinuxManager_ReadPartition(t *testing.T) {
	m, dir := newTestManager(t, &fakeRunner{})
	if err := os.WriteFile(filepath.Join(dir, "mtd3"), []byte("raw kernel"), 0644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := m.ReadPartition(context.Background(), `"kernel"`, &buf); err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if buf.String() != "raw kernel" {
		t.Errorf("read %q", buf.String())
	}

	err := m.ReadPartition(context.Background(), `"bootscr"`, &buf)
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError for missing device node, got %v", err)
	}
}

func TestLinuxManager_MissingTable(t *testing.T) {
	m, err := NewManager(&fakeRunner{}, Options{PartitionTable: filepath.Join(t.TempDir(), "none")})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Resolve(context.Background(), "kernel")
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}
