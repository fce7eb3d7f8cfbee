package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aeg-devices/loki-update/pkg/lock/flock"
	"github.com/aeg-devices/loki-update/pkg/security"
)

func TestPrepareUploads(t *testing.T) {
	dir := t.TempDir()
	paths := []string{filepath.Join(dir, "BOOT.BIN"), filepath.Join(dir, "image.ub")}
	for _, p := range paths {
		if err := os.WriteFile(p, []byte(filepath.Base(p)), 0644); err != nil {
			t.Fatal(err)
		}
	}

	sums, uploads, closeAll, err := prepareUploads(paths)
	if err != nil {
		t.Fatalf("prepareUploads: %v", err)
	}
	if len(sums) != 2 || len(uploads) != 2 {
		t.Fatalf("sums=%v uploads=%d", sums, len(uploads))
	}
	want, _ := security.FileSHA256(paths[1])
	if sums[1].FileName != "image.ub" || sums[1].Checksum != want || uploads[1].FieldName != "file" {
		t.Errorf("unexpected entry: %+v %+v", sums[1], uploads[1])
	}

	closeAll()
	buf := make([]byte, 1)
	for _, u := range uploads {
		if _, err := u.File.Read(buf); err == nil {
			t.Errorf("%s still open after closeAll", u.FileName)
		}
	}

	if _, _, closeAll, err := prepareUploads([]string{paths[0], filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for a missing file")
	} else {
		closeAll()
	}
}

func TestHoldAllTargets(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	locks, err := flock.NewDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	writer, err := flock.NewDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	busy := writer.For("emmc")
	if err := busy.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	if _, idle, err := holdAllTargets(ctx, locks); err != nil || idle {
		t.Fatalf("busy device: idle=%v err=%v", idle, err)
	}
	if ok, err := writer.For("sd").TryLock(ctx); err != nil || !ok {
		t.Fatalf("locks taken before the busy one must be released: ok=%v err=%v", ok, err)
	}
	writer.For("sd").Unlock(ctx)
	busy.Unlock(ctx)

	release, idle, err := holdAllTargets(ctx, locks)
	if err != nil || !idle {
		t.Fatalf("idle devices: idle=%v err=%v", idle, err)
	}
	if ok, _ := writer.For("emmc").TryLock(ctx); ok {
		t.Error("emmc should be held while cleaning")
	}
	release()
	if ok, err := writer.For("emmc").TryLock(ctx); err != nil || !ok {
		t.Errorf("emmc should be free after release: ok=%v err=%v", ok, err)
	}
}
