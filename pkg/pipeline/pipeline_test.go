package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/fsm"
	"github.com/aeg-devices/loki-update/pkg/model"
	"github.com/aeg-devices/loki-update/pkg/mtd"
	"github.com/aeg-devices/loki-update/pkg/security"
)

var testChain = model.BootChain{Loader: "BOOT.BIN", Script: "boot.scr", Image: "image.ub"}

type fakeExtractor struct {
	mu    sync.Mutex
	calls []model.Target
}

func (f *fakeExtractor) Refresh(ctx context.Context, target model.Target) model.ImageMetadata {
	f.mu.Lock()
	f.calls = append(f.calls, target)
	f.mu.Unlock()
	return model.ImageMetadata{Target: target, AppName: "loki", AppVersion: "1.2.3", PlatformVersion: "1.0", Platform: "zynq", LastRefresh: 42}
}

func (f *fakeExtractor) refreshed(t model.Target) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == t {
			n++
		}
	}
	return n
}

type fakeFlasher struct {
	fail   map[string]bool
	labels []string
}

func (f *fakeFlasher) Flash(ctx context.Context, src, label string, onProgress func(mtd.Progress)) error {
	f.labels = append(f.labels, label)
	if f.fail[filepath.Base(src)] {
		return fmt.Errorf("flashcp: write error")
	}
	onProgress(mtd.Progress{Stage: "Writing data", Percent: 50})
	onProgress(mtd.Progress{Stage: "Verifying data", Percent: 100})
	return nil
}

type countingRebooter struct{ n int }

func (r *countingRebooter) Reboot() error { r.n++; return nil }

type testEnv struct {
	p       *Pipeline
	ext     *fakeExtractor
	emmc    string
	backup  string
	staging string
}

func newEnv(t *testing.T, policy model.Policy, opts Options) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		ext:     &fakeExtractor{},
		emmc:    filepath.Join(root, "emmc"),
		backup:  filepath.Join(root, "emmc", "backup"),
		staging: filepath.Join(root, "staging"),
	}
	os.MkdirAll(env.emmc, 0755)

	opts.Extractor = env.ext
	if opts.Validator == nil {
		opts.Validator = security.NewValidator(1<<20, 1<<22)
	}
	env.p = New(Config{
		BasePaths: map[model.Target]string{
			model.TargetEMMC:   env.emmc,
			model.TargetSD:     filepath.Join(root, "sd"),
			model.TargetBackup: env.backup,
		},
		StagingDir:  env.staging,
		Chain:       testChain,
		FlashLabels: map[string]string{model.RoleImage: "kernel", model.RoleLoader: "boot", model.RoleScript: "bootscr"},
		Policy:      policy,
		MemInfoPath: filepath.Join(root, "meminfo"),
	}, opts)
	return env
}

func sha(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func (e *testEnv) upload(t *testing.T, files map[string][]byte, sums map[string]string) (string, error) {
	t.Helper()
	var reg []model.FileChecksum
	for name, sum := range sums {
		reg = append(reg, model.FileChecksum{FileName: name, Checksum: sum})
	}
	if err := e.p.RegisterChecksums(reg); err != nil {
		t.Fatalf("RegisterChecksums: %v", err)
	}
	for _, name := range testChain.Names() {
		body, ok := files[name]
		if !ok {
			continue
		}
		if err := e.p.Stage(name, bytes.NewReader(body)); err != nil {
			t.Fatalf("Stage(%s): %v", name, err)
		}
	}
	return e.p.CommitUpload()
}

func chainFiles() map[string][]byte {
	return map[string][]byte{
		"BOOT.BIN": bytes.Repeat([]byte{0xaa}, 70*1024),
		"boot.scr": []byte("bootm 0x10000000"),
		"image.ub": bytes.Repeat([]byte("kernel"), 30000),
	}
}

func TestUpload_CopiesAndRefreshes(t *testing.T) {
	env := newEnv(t, model.Policy{}, Options{})
	env.p.Start(context.Background())

	files := chainFiles()
	sums := map[string]string{}
	for n, b := range files {
		sums[n] = strings.ToUpper(sha(b))
	}
	if _, err := env.upload(t, files, sums); err != nil {
		t.Fatalf("CommitUpload: %v", err)
	}
	env.p.Stop()

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(env.emmc, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s differs after copy", name)
		}
	}

	js := env.p.State().Copy()
	if !js.Succeeded || js.Failed || js.InProgress || js.Percent != 100 {
		t.Errorf("copy status = %+v", js)
	}
	if env.ext.refreshed(model.TargetEMMC) != 1 {
		t.Errorf("expected one emmc refresh")
	}
	if img := env.p.State().Image(model.TargetEMMC); img.AppName != "loki" {
		t.Errorf("image not refreshed: %+v", img)
	}
	entries, _ := os.ReadDir(env.staging)
	if len(entries) != 0 {
		t.Errorf("staging not cleaned: %v", entries)
	}
}

func TestUpload_ChecksumMismatchWritesNothing(t *testing.T) {
	env := newEnv(t, model.Policy{}, Options{})
	env.p.Start(context.Background())

	files := chainFiles()
	sums := map[string]string{}
	for n, b := range files {
		sums[n] = sha(b)
	}
	sums["image.ub"] = sha([]byte("something else"))

	if _, err := env.upload(t, files, sums); err != nil {
		t.Fatalf("CommitUpload: %v", err)
	}
	env.p.Stop()

	for name := range files {
		if _, err := os.Stat(filepath.Join(env.emmc, name)); !os.IsNotExist(err) {
			t.Errorf("%s must not be written, stat err = %v", name, err)
		}
	}
	js := env.p.State().Copy()
	if !js.Failed || js.ErrorMessage == nil || !strings.Contains(*js.ErrorMessage, "checksum mismatch") {
		t.Errorf("copy status = %+v", js)
	}
}

func TestCommitUpload_RequestShapeErrors(t *testing.T) {
	env := newEnv(t, model.Policy{}, Options{})

	if _, err := env.p.CommitUpload(); err == nil {
		t.Error("expected error with nothing staged")
	}

	env.p.RegisterChecksums(nil)
	env.p.Stage("boot.scr", strings.NewReader("x"))
	_, err := env.p.CommitUpload()
	var missing *errors.MissingChecksumError
	if !errors.As(err, &missing) || missing.File != "boot.scr" {
		t.Errorf("expected MissingChecksumError, got %v", err)
	}

	if err := env.p.Stage("../evil", strings.NewReader("x")); err == nil {
		t.Error("expected traversal name to be rejected")
	}
}

func TestStage_RetryAfterFailedCommit(t *testing.T) {
	env := newEnv(t, model.Policy{}, Options{Validator: security.NewValidator(100, 300)})
	env.p.Start(context.Background())

	files := map[string][]byte{}
	sums := map[string]string{}
	for _, name := range testChain.Names() {
		files[name] = bytes.Repeat([]byte(name[:1]), 80)
		sums[name] = sha(files[name])
	}

	partial := map[string]string{"boot.scr": sums["boot.scr"], "image.ub": sums["image.ub"]}
	_, err := env.upload(t, files, partial)
	var missing *errors.MissingChecksumError
	if !errors.As(err, &missing) || missing.File != "BOOT.BIN" {
		t.Fatalf("first commit: expected MissingChecksumError for BOOT.BIN, got %v", err)
	}

	// Same set again: replaced files must not count twice.
	if _, err := env.upload(t, files, sums); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	env.p.Stop()

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(env.emmc, name))
		if err != nil || !bytes.Equal(got, want) {
			t.Errorf("%s not copied: %v", name, err)
		}
	}
}

func TestStage_RejectedFileLeavesBatch(t *testing.T) {
	env := newEnv(t, model.Policy{}, Options{Validator: security.NewValidator(100, 300)})
	env.p.Start(context.Background())

	env.p.RegisterChecksums([]model.FileChecksum{
		{FileName: "BOOT.BIN", Checksum: sha([]byte("loader"))},
		{FileName: "image.ub", Checksum: sha([]byte("kernel"))},
	})
	if err := env.p.Stage("BOOT.BIN", strings.NewReader("loader")); err != nil {
		t.Fatalf("Stage(BOOT.BIN): %v", err)
	}
	if err := env.p.Stage("image.ub", strings.NewReader("kernel")); err != nil {
		t.Fatalf("Stage(image.ub): %v", err)
	}
	if err := env.p.Stage("image.ub", bytes.NewReader(make([]byte, 150))); err == nil {
		t.Fatal("expected oversized file to be rejected")
	}
	for i := 0; i < 3; i++ {
		if err := env.p.Stage("BOOT.BIN", strings.NewReader("loader")); err != nil {
			t.Fatalf("restage %d: %v", i, err)
		}
	}

	if _, err := env.p.CommitUpload(); err != nil {
		t.Fatalf("CommitUpload: %v", err)
	}
	env.p.Stop()

	if _, err := os.Stat(filepath.Join(env.emmc, "BOOT.BIN")); err != nil {
		t.Errorf("BOOT.BIN not copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.emmc, "image.ub")); !os.IsNotExist(err) {
		t.Errorf("rejected image.ub must not be part of the job, stat err = %v", err)
	}
	if js := env.p.State().Copy(); !js.Succeeded {
		t.Errorf("copy status = %+v", js)
	}
}

func TestCommitUpload_SubmitFailureRemovesJobDir(t *testing.T) {
	env := newEnv(t, model.Policy{}, Options{})
	env.p.Stop()

	env.p.RegisterChecksums([]model.FileChecksum{{FileName: "boot.scr", Checksum: sha([]byte("x"))}})
	if err := env.p.Stage("boot.scr", strings.NewReader("x")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := env.p.CommitUpload(); err == nil {
		t.Fatal("expected commit to fail on a stopped worker")
	}

	entries, _ := os.ReadDir(env.staging)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "job-") {
			t.Errorf("job directory left behind: %s", e.Name())
		}
	}
}

func TestSetCopyTarget(t *testing.T) {
	tests := []struct {
		name    string
		policy  model.Policy
		target  string
		wantErr bool
	}{
		{"emmc", model.Policy{}, "emmc", false},
		{"sd", model.Policy{}, "sd", false},
		{"flash", model.Policy{}, "flash", false},
		{"backup never", model.Policy{}, "backup", true},
		{"runtime never", model.Policy{}, "runtime", true},
		{"unknown", model.Policy{}, "usb", true},
		{"primary only blocks sd", model.Policy{AllowOnlyPrimaryUpload: true}, "sd", true},
		{"primary only allows emmc", model.Policy{AllowOnlyPrimaryUpload: true}, "emmc", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, tt.policy, Options{})
			err := env.p.SetCopyTarget(tt.target)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetCopyTarget(%s) error = %v, wantErr %v", tt.target, err, tt.wantErr)
			}
		})
	}
}

func TestFlash_ContinuesAfterFailure(t *testing.T) {
	flasher := &fakeFlasher{fail: map[string]bool{"BOOT.BIN": true}}
	env := newEnv(t, model.Policy{}, Options{Flasher: flasher})
	env.p.Start(context.Background())

	if err := env.p.SetCopyTarget("flash"); err != nil {
		t.Fatalf("SetCopyTarget: %v", err)
	}
	files := chainFiles()
	sums := map[string]string{}
	for n, b := range files {
		sums[n] = sha(b)
	}
	if _, err := env.upload(t, files, sums); err != nil {
		t.Fatalf("CommitUpload: %v", err)
	}
	env.p.Stop()

	if strings.Join(flasher.labels, ",") != "boot,bootscr,kernel" {
		t.Errorf("flashed labels = %v", flasher.labels)
	}
	fs := env.p.State().Flash()
	if !fs.Failed || fs.Succeeded || fs.FilesCompleted != 2 {
		t.Errorf("flash status = %+v", fs)
	}
	if fs.ErrorMessage == nil || !strings.Contains(*fs.ErrorMessage, "BOOT.BIN") {
		t.Errorf("error message should name the failed file: %+v", fs.ErrorMessage)
	}
	if env.ext.refreshed(model.TargetFlash) != 1 {
		t.Errorf("flash metadata should be refreshed once after the loop")
	}
}

func TestRefreshMetadata(t *testing.T) {
	env := newEnv(t, model.Policy{}, Options{})

	if err := env.p.RefreshMetadata(context.Background(), model.TargetSD); err != nil {
		t.Fatalf("refresh sd: %v", err)
	}
	if env.ext.refreshed(model.TargetSD) != 1 {
		t.Error("sd refresh should run on the caller")
	}

	if err := env.p.RefreshMetadata(context.Background(), model.TargetFlash); err != nil {
		t.Fatalf("refresh flash: %v", err)
	}
	if env.ext.refreshed(model.TargetFlash) != 0 {
		t.Error("flash refresh should wait for the worker")
	}
	env.p.Start(context.Background())
	env.p.Stop()
	if env.ext.refreshed(model.TargetFlash) != 1 {
		t.Error("flash refresh should run on the worker")
	}
}

func TestRequestReboot(t *testing.T) {
	r := &countingRebooter{}
	env := newEnv(t, model.Policy{AllowReboot: true}, Options{Rebooter: r})

	env.p.RequestReboot(true)
	env.p.RequestReboot(true)
	if r.n != 1 {
		t.Fatalf("two requests issued %d reboots, want 1", r.n)
	}

	env.p.RequestReboot(false)
	if r.n != 1 {
		t.Errorf("reset must not reboot")
	}
	env.p.RequestReboot(true)
	if r.n != 2 {
		t.Errorf("new transition should reboot again, got %d", r.n)
	}

	denied := &countingRebooter{}
	env = newEnv(t, model.Policy{}, Options{Rebooter: denied})
	err := env.p.RequestReboot(true)
	var pv *errors.PolicyViolationError
	if !errors.As(err, &pv) || denied.n != 0 {
		t.Errorf("disabled policy: err=%v reboots=%d", err, denied.n)
	}
	if env.p.State().Snapshot().Rebooting {
		t.Error("rebooting flag must stay false when denied")
	}
}

func TestBackupAndRestore(t *testing.T) {
	env := newEnv(t, model.Policy{}, Options{})
	for name, b := range chainFiles() {
		os.WriteFile(filepath.Join(env.emmc, name), b, 0644)
	}
	env.p.Start(context.Background())

	if err := env.p.RequestBackup(true); err != nil {
		t.Fatalf("RequestBackup: %v", err)
	}
	env.p.Stop()

	snap := env.p.State().Snapshot()
	if !snap.BackupSuccess || snap.BackupRequested {
		t.Errorf("backup flags: success=%v requested=%v", snap.BackupSuccess, snap.BackupRequested)
	}
	for name, want := range chainFiles() {
		got, _ := os.ReadFile(filepath.Join(env.backup, name))
		if !bytes.Equal(got, want) {
			t.Errorf("backup of %s differs", name)
		}
	}
	if env.ext.refreshed(model.TargetBackup) != 1 {
		t.Error("backup target should be refreshed")
	}
}

func TestRestore_MissingFileFails(t *testing.T) {
	env := newEnv(t, model.Policy{}, Options{})
	os.MkdirAll(env.backup, 0755)
	os.WriteFile(filepath.Join(env.backup, "BOOT.BIN"), []byte("loader"), 0644)
	env.p.Start(context.Background())

	if err := env.p.RequestRestore(true); err != nil {
		t.Fatalf("RequestRestore: %v", err)
	}
	env.p.Stop()

	snap := env.p.State().Snapshot()
	if snap.RestoreSuccess {
		t.Error("restore should not succeed with missing files")
	}
	if !snap.Copy.Failed || snap.Copy.CurrentFile != "boot.scr" {
		t.Errorf("copy status = %+v", snap.Copy)
	}
	if _, err := os.Stat(filepath.Join(env.emmc, "image.ub")); !os.IsNotExist(err) {
		t.Error("copy must stop at the first failure")
	}
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	reqs    []fsm.ReleaseRequest
}

func (b *blockingRunner) Run(ctx context.Context, req fsm.ReleaseRequest) error {
	b.reqs = append(b.reqs, req)
	close(b.started)
	<-b.release
	return nil
}

func TestSelectRelease(t *testing.T) {
	catalog := []model.ReleaseCatalogEntry{{Repository: "loki", Owner: "aeg", AvailableTags: []string{"v1.0.0"}}}

	env := newEnv(t, model.Policy{AllowRemoteReleases: false}, Options{})
	env.p.SetReleaseRunner(&blockingRunner{})
	if _, err := env.p.SelectRelease("aeg", "loki", "v1.0.0", "emmc"); err == nil {
		t.Error("expected policy violation")
	}

	env = newEnv(t, model.Policy{AllowRemoteReleases: true}, Options{})
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	env.p.SetReleaseRunner(runner)
	env.p.State().SetCatalog(catalog)

	_, err := env.p.SelectRelease("aeg", "loki", "v9.9.9", "emmc")
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("unknown tag: expected NotFoundError, got %v", err)
	}

	env.p.Start(context.Background())
	id, err := env.p.SelectRelease("aeg", "loki", "v1.0.0", "sd")
	if err != nil {
		t.Fatalf("SelectRelease: %v", err)
	}
	<-runner.started

	env.p.Stage("boot.scr", strings.NewReader("x"))
	env.p.RegisterChecksums([]model.FileChecksum{{FileName: "boot.scr", Checksum: sha([]byte("x"))}})
	_, err = env.p.CommitUpload()
	var busy *errors.BusyError
	if !errors.As(err, &busy) {
		t.Errorf("expected BusyError while a release deploys, got %v", err)
	}

	close(runner.release)
	env.p.Stop()

	if len(runner.reqs) != 1 || runner.reqs[0].JobID != id || runner.reqs[0].Target != model.TargetSD {
		t.Errorf("runner requests = %+v", runner.reqs)
	}
	if sel := env.p.State().Snapshot().Selected; sel == nil || sel.Tag != "v1.0.0" {
		t.Errorf("selection = %+v", sel)
	}
}

type funcRunner func(ctx context.Context, req fsm.ReleaseRequest) error

func (f funcRunner) Run(ctx context.Context, req fsm.ReleaseRequest) error { return f(ctx, req) }

func TestSelectRelease_FailureSurfacesInStatus(t *testing.T) {
	catalog := []model.ReleaseCatalogEntry{{Repository: "loki", Owner: "aeg", AvailableTags: []string{"v1.0.0"}}}
	stale := "old failure"

	for _, target := range []string{"emmc", "flash"} {
		t.Run(target, func(t *testing.T) {
			env := newEnv(t, model.Policy{AllowRemoteReleases: true}, Options{Flasher: &fakeFlasher{}})
			env.p.State().SetCatalog(catalog)
			env.p.State().SetCopy(model.JobStatus{CurrentFile: "BOOT.BIN", Percent: 100, Succeeded: true})
			env.p.State().SetFlash(model.FlashStatus{CurrentFile: "BOOT.BIN", FilesCompleted: 3, Succeeded: true, ErrorMessage: &stale})

			var runningSeen bool
			env.p.SetReleaseRunner(funcRunner(func(ctx context.Context, req fsm.ReleaseRequest) error {
				if req.Target == model.TargetFlash {
					runningSeen = env.p.State().Flash().InProgress
				} else {
					runningSeen = env.p.State().Copy().InProgress
				}
				return &errors.RemoteServiceError{Step: errors.StepDownloadAsset, Status: 404, URL: "https://example.invalid/image.ub"}
			}))

			env.p.Start(context.Background())
			if _, err := env.p.SelectRelease("aeg", "loki", "v1.0.0", target); err != nil {
				t.Fatalf("SelectRelease: %v", err)
			}
			env.p.Stop()

			if !runningSeen {
				t.Error("status should be in progress while the release job runs")
			}
			if target == "flash" {
				fs := env.p.State().Flash()
				if !fs.Failed || fs.Succeeded || fs.InProgress || fs.CurrentFile != "" || fs.FilesCompleted != 0 {
					t.Errorf("flash status = %+v", fs)
				}
				if fs.ErrorMessage == nil || !strings.Contains(*fs.ErrorMessage, errors.StepDownloadAsset) {
					t.Errorf("flash error message = %v", fs.ErrorMessage)
				}
				return
			}
			js := env.p.State().Copy()
			if !js.Failed || js.Succeeded || js.InProgress || js.CurrentFile != "" || js.Percent != 0 {
				t.Errorf("copy status = %+v", js)
			}
			if js.ErrorMessage == nil || !strings.Contains(*js.ErrorMessage, errors.StepDownloadAsset) {
				t.Errorf("copy error message = %v", js.ErrorMessage)
			}
		})
	}
}

func TestStateSnapshotIsolated(t *testing.T) {
	st := NewState(model.Policy{}, testTime)
	snap := st.Snapshot()
	snap.Images[model.TargetEMMC] = model.ImageMetadata{AppName: "mutated"}

	if st.Image(model.TargetEMMC).AppName == "mutated" {
		t.Error("snapshot must not alias state")
	}
	if st.Image(model.TargetSD).AppName != model.Unavailable {
		t.Error("targets start unavailable")
	}
}
