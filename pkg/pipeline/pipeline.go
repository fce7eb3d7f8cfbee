// Package pipeline coordinates metadata refresh, uploads, remote releases,
// backup, restore and reboot around a single serialized job worker.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/aeg-devices/loki-update/pkg/db"
	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/fsm"
	"github.com/aeg-devices/loki-update/pkg/lock"
	"github.com/aeg-devices/loki-update/pkg/model"
	"github.com/aeg-devices/loki-update/pkg/mtd"
	"github.com/aeg-devices/loki-update/pkg/scheduler"
	"github.com/aeg-devices/loki-update/pkg/security"
	"github.com/aeg-devices/loki-update/pkg/transfer"
)

// Refresher produces the metadata of one target.
type Refresher interface {
	Refresh(ctx context.Context, target model.Target) model.ImageMetadata
}

// Flasher writes a file to a raw partition selected by label.
type Flasher interface {
	Flash(ctx context.Context, src, label string, onProgress func(mtd.Progress)) error
}

// ReleaseRunner deploys a remote release.
type ReleaseRunner interface {
	Run(ctx context.Context, req fsm.ReleaseRequest) error
}

// Config holds the pipeline settings.
type Config struct {
	// BasePaths maps container backed targets to their mount points.
	BasePaths  map[model.Target]string
	StagingDir string
	Chain      model.BootChain
	// FlashLabels maps a file role to its partition label.
	FlashLabels map[string]string
	Policy      model.Policy

	MemInfoPath  string
	SyncInterval time.Duration
	QueueSize    int
}

// Options are the collaborators of a Pipeline. Locks, History, Flasher and
// Rebooter are optional.
type Options struct {
	Extractor Refresher
	Flasher   Flasher
	Validator *security.Validator
	Locks     lock.Provider
	History   *db.Repository
	Rebooter  Rebooter
}

// Pipeline owns the state and the job worker.
type Pipeline struct {
	cfg   Config
	state *State
	sched *scheduler.Scheduler

	extractor Refresher
	flasher   Flasher
	validator *security.Validator
	locks     lock.Provider
	history   *db.Repository
	rebooter  Rebooter
	releases  ReleaseRunner

	mu      sync.Mutex
	staged  []stagedUpload
	active  int
	reboots sync.Mutex
	cancel  context.CancelFunc
}

// New creates a pipeline. Call Start before submitting work.
func New(cfg Config, opts Options) *Pipeline {
	if cfg.MemInfoPath == "" {
		cfg.MemInfoPath = "/proc/meminfo"
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Pipeline{
		cfg:       cfg,
		state:     NewState(cfg.Policy, time.Now()),
		sched:     scheduler.New(cfg.QueueSize),
		extractor: opts.Extractor,
		flasher:   opts.Flasher,
		validator: opts.Validator,
		locks:     opts.Locks,
		history:   opts.History,
		rebooter:  opts.Rebooter,
	}
}

// SetReleaseRunner enables remote release deployment.
func (p *Pipeline) SetReleaseRunner(r ReleaseRunner) {
	p.releases = r
}

// QueuedJobs returns the number of jobs waiting for the worker.
func (p *Pipeline) QueuedJobs() int { return p.sched.Pending() }

// State returns the pipeline state.
func (p *Pipeline) State() *State { return p.state }

// Start launches the job worker and the writeback monitor.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.sched.Start(ctx)
	go p.monitorSync(ctx)
}

// Stop drains queued jobs and stops the worker.
func (p *Pipeline) Stop() {
	p.sched.Stop()
	if p.cancel != nil {
		p.cancel()
	}
}

// RefreshMetadata re-reads the metadata of target. Flash reads go through the
// job worker so they never overlap a flash write; other targets are read on
// the caller.
func (p *Pipeline) RefreshMetadata(ctx context.Context, target model.Target) error {
	if target == model.TargetFlash {
		return p.sched.Submit("refresh-flash", func(ctx context.Context) {
			p.refresh(ctx, target)
		})
	}
	p.refresh(ctx, target)
	return nil
}

// RefreshAll refreshes every target.
func (p *Pipeline) RefreshAll(ctx context.Context) error {
	for _, t := range model.AllTargets() {
		if err := p.RefreshMetadata(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) refresh(ctx context.Context, target model.Target) {
	meta := p.extractor.Refresh(ctx, target)
	meta.Target = target
	p.state.SetImage(meta)
}

// RegisterChecksums replaces the expected checksums of the next upload.
func (p *Pipeline) RegisterChecksums(sums []model.FileChecksum) error {
	for _, s := range sums {
		if err := p.validator.ValidateFileName(s.FileName); err != nil {
			return err
		}
		if strings.TrimSpace(s.Checksum) == "" {
			return &errors.MissingChecksumError{File: s.FileName}
		}
	}
	p.state.SetChecksums(sums)
	slog.Info("checksums_registered", "count", len(sums))
	return nil
}

// SetCopyTarget selects the target of the next upload. Files already staged
// for another target are discarded.
func (p *Pipeline) SetCopyTarget(name string) error {
	target, err := model.ParseTarget(name)
	if err != nil {
		return err
	}
	if !target.Uploadable() {
		return fmt.Errorf("target %s cannot receive uploads", target)
	}
	if p.cfg.Policy.AllowOnlyPrimaryUpload && target != model.TargetEMMC {
		return &errors.PolicyViolationError{Operation: "upload to " + string(target), Policy: "allow-only-primary-upload"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if target != p.state.CopyTarget() {
		p.discardStagedLocked()
	}
	p.state.SetCopyTarget(target)
	slog.Info("copy_target_set", "target", target)
	return nil
}

func (p *Pipeline) uploadDir() string {
	return filepath.Join(p.cfg.StagingDir, "upload")
}

func (p *Pipeline) discardStagedLocked() {
	if len(p.staged) > 0 {
		slog.Info("staged_files_discarded", "count", len(p.staged))
	}
	p.staged = nil
	os.RemoveAll(p.uploadDir())
}

// stagedUpload is one file waiting in the upload staging directory.
type stagedUpload struct {
	name string
	size int64
}

// dropStagedLocked removes name from the staging set and returns the bytes
// staged under every other name.
func (p *Pipeline) dropStagedLocked(name string) int64 {
	var rest int64
	kept := p.staged[:0]
	for _, s := range p.staged {
		if s.name == name {
			continue
		}
		kept = append(kept, s)
		rest += s.size
	}
	p.staged = kept
	return rest
}

// Stage writes one uploaded file into the staging area.
func (p *Pipeline) Stage(name string, r io.Reader) error {
	if err := p.validator.ValidateFileName(name); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dir := p.uploadDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create staging dir")
	}

	// A re-staged name replaces its previous content, accepted or not.
	others := p.dropStagedLocked(name)

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create staged file")
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = p.validator.ValidateFileSize(n)
	}
	if err == nil {
		err = p.validator.ValidateBatchSize(others + n)
	}
	if err != nil {
		os.Remove(path)
		slog.Warn("file_stage_rejected", "file", name, "error", err)
		return errors.Wrap(err, "stage "+name)
	}

	p.staged = append(p.staged, stagedUpload{name: name, size: n})
	slog.Info("file_staged", "file", name, "size", units.HumanSize(float64(n)))
	return nil
}

// CommitUpload turns the staged files into a transfer request and submits the
// deploy job. It returns the job id.
func (p *Pipeline) CommitUpload() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active > 0 {
		return "", &errors.BusyError{Job: "deploy"}
	}
	if len(p.staged) == 0 {
		return "", fmt.Errorf("no files staged")
	}

	target := p.state.CopyTarget()
	files := make([]model.StagedFile, 0, len(p.staged))
	for _, s := range p.staged {
		sum, ok := p.state.Checksum(s.name)
		if !ok {
			return "", &errors.MissingChecksumError{File: s.name}
		}
		files = append(files, model.StagedFile{Name: s.name, ExpectedChecksum: sum})
	}

	id := uuid.NewString()
	dir := filepath.Join(p.cfg.StagingDir, "job-"+id)
	if err := os.Rename(p.uploadDir(), dir); err != nil {
		return "", errors.Wrap(err, "claim staged files")
	}
	p.staged = nil

	tr := model.TransferRequest{Target: target, Dir: dir, Files: files, Source: "upload"}
	p.record(id, db.KindUpload, tr)

	p.active++
	err := p.sched.Submit("upload-"+id, func(ctx context.Context) {
		defer p.finishActive()
		p.start(id)
		err := p.Deploy(ctx, tr)
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("staging_dir_remove_failed", "path", dir, "error", err)
		}
		p.finish(id, err)
	})
	if err != nil {
		p.active--
		if rerr := os.RemoveAll(dir); rerr != nil {
			slog.Warn("staging_dir_remove_failed", "path", dir, "error", rerr)
		}
		p.finish(id, err)
		return "", err
	}
	slog.Info("upload_committed", "job_id", id, "target", target, "files", len(files))
	return id, nil
}

func (p *Pipeline) finishActive() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

// Deploy validates and writes a transfer request to its target, then
// refreshes the target metadata. It runs on the job worker.
func (p *Pipeline) Deploy(ctx context.Context, tr model.TransferRequest) error {
	if p.locks != nil {
		l := p.locks.For(string(tr.Target))
		if err := l.Lock(ctx); err != nil {
			p.failStatus(tr.Target, "", err)
			return errors.Wrap(err, "lock target")
		}
		defer l.Unlock(ctx)
	}

	p.setRunning(tr.Target)

	if err := p.validator.ValidateChecksums(tr.Dir, tr.Files); err != nil {
		slog.Error("deploy_checksum_failed", "target", tr.Target, "error", err)
		p.failStatus(tr.Target, "", err)
		return err
	}

	var err error
	if tr.Target == model.TargetFlash {
		err = p.flashFiles(ctx, tr)
	} else {
		err = p.copyFiles(ctx, tr)
	}
	p.refresh(ctx, tr.Target)
	return err
}

// setRunning starts a fresh status record for a job writing to target.
func (p *Pipeline) setRunning(target model.Target) {
	if target == model.TargetFlash {
		p.state.SetFlash(model.FlashStatus{InProgress: true})
		return
	}
	p.state.SetCopy(model.JobStatus{InProgress: true})
}

// failStatus replaces the status record of target with a failed one. file
// names the file being written when the job failed, if any.
func (p *Pipeline) failStatus(target model.Target, file string, err error) {
	msg := err.Error()
	if target == model.TargetFlash {
		p.state.SetFlash(model.FlashStatus{Failed: true, CurrentFile: file, ErrorMessage: &msg})
		return
	}
	p.state.SetCopy(model.JobStatus{Failed: true, CurrentFile: file, ErrorMessage: &msg})
}

// copyFiles aborts on the first failed file.
func (p *Pipeline) copyFiles(ctx context.Context, tr model.TransferRequest) error {
	base, ok := p.cfg.BasePaths[tr.Target]
	if !ok {
		err := fmt.Errorf("no base path for target %s", tr.Target)
		p.failStatus(tr.Target, "", err)
		return err
	}
	return p.copySet(ctx, tr.Target, tr.Dir, base, names(tr.Files))
}

func (p *Pipeline) copySet(ctx context.Context, target model.Target, srcDir, dstDir string, files []string) error {
	p.state.SetCopy(model.JobStatus{InProgress: true})

	for _, name := range files {
		js := model.JobStatus{InProgress: true, CurrentFile: name}
		p.state.SetCopy(js)

		src := filepath.Join(srcDir, name)
		err := transfer.CopyFile(ctx, src, filepath.Join(dstDir, name), func(pct float64) {
			p.state.SetCopy(model.JobStatus{InProgress: true, CurrentFile: name, Percent: pct})
		})
		if err != nil {
			slog.Error("copy_file_failed", "target", target, "file", name, "error", err)
			p.failStatus(target, name, err)
			return err
		}
	}

	last := ""
	if len(files) > 0 {
		last = files[len(files)-1]
	}
	p.state.SetCopy(model.JobStatus{CurrentFile: last, Percent: 100, Succeeded: true})
	return nil
}

// flashFiles attempts every file even when an earlier one fails.
func (p *Pipeline) flashFiles(ctx context.Context, tr model.TransferRequest) error {
	if p.flasher == nil {
		err := fmt.Errorf("raw flash not available")
		p.failStatus(tr.Target, "", err)
		return err
	}

	var errs []error
	done := 0
	for _, f := range tr.Files {
		fs := model.FlashStatus{InProgress: true, CurrentFile: f.Name, FilesCompleted: done}
		p.state.SetFlash(fs)

		role, ok := p.cfg.Chain.Role(f.Name)
		label := p.cfg.FlashLabels[role]
		if !ok || label == "" {
			err := fmt.Errorf("no flash partition for %s", f.Name)
			slog.Error("flash_file_skipped", "file", f.Name, "error", err)
			errs = append(errs, err)
			continue
		}

		err := p.flasher.Flash(ctx, filepath.Join(tr.Dir, f.Name), label, func(pr mtd.Progress) {
			p.state.SetFlash(model.FlashStatus{
				InProgress:     true,
				CurrentFile:    f.Name,
				CurrentStage:   pr.Stage,
				Percent:        pr.Percent,
				FilesCompleted: done,
			})
		})
		if err != nil {
			slog.Error("flash_file_failed", "file", f.Name, "label", label, "error", err)
			errs = append(errs, errors.Wrap(err, f.Name))
			continue
		}
		done++
		slog.Info("flash_file_complete", "file", f.Name, "label", label)
	}

	final := p.state.Flash()
	final.InProgress = false
	final.FilesCompleted = done
	if err := errors.Join(errs...); err != nil {
		msg := err.Error()
		final.Failed = true
		final.ErrorMessage = &msg
		p.state.SetFlash(final)
		return err
	}
	final.Succeeded = true
	final.Percent = 100
	p.state.SetFlash(final)
	return nil
}

func names(files []model.StagedFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out
}

// SelectRelease queues the deployment of a tagged release to target.
func (p *Pipeline) SelectRelease(owner, repo, tag, targetName string) (string, error) {
	if !p.cfg.Policy.AllowRemoteReleases || p.releases == nil {
		return "", &errors.PolicyViolationError{Operation: "release deployment", Policy: "allow-remote-releases"}
	}
	target, err := model.ParseTarget(targetName)
	if err != nil {
		return "", err
	}
	if !target.Uploadable() {
		return "", fmt.Errorf("target %s cannot receive releases", target)
	}
	if p.cfg.Policy.AllowOnlyPrimaryUpload && target != model.TargetEMMC {
		return "", &errors.PolicyViolationError{Operation: "release to " + string(target), Policy: "allow-only-primary-upload"}
	}
	if !p.inCatalog(owner, repo, tag) {
		return "", &errors.NotFoundError{What: fmt.Sprintf("release %s/%s@%s", owner, repo, tag)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active > 0 {
		return "", &errors.BusyError{Job: "deploy"}
	}

	id := uuid.NewString()
	req := fsm.ReleaseRequest{JobID: id, Owner: owner, Repo: repo, Tag: tag, Target: target}
	p.state.SetSelected(Selection{Owner: owner, Repo: repo, Tag: tag, Target: target, JobID: id})
	p.record(id, db.KindRelease, model.TransferRequest{Target: target, Source: fmt.Sprintf("%s/%s@%s", owner, repo, tag)})

	p.active++
	err = p.sched.Submit("release-"+id, func(ctx context.Context) {
		defer p.finishActive()
		p.setRunning(target)
		if err := p.releases.Run(ctx, req); err != nil {
			slog.Error("release_job_failed", "job_id", id, "target", target, "error", err)
			p.failStatus(target, "", err)
		}
	})
	if err != nil {
		p.active--
		p.finish(id, err)
		return "", err
	}
	slog.Info("release_selected", "job_id", id, "owner", owner, "repo", repo, "tag", tag, "target", target)
	return id, nil
}

func (p *Pipeline) inCatalog(owner, repo, tag string) bool {
	for _, e := range p.state.Snapshot().Catalog {
		if e.Owner != owner || e.Repository != repo {
			continue
		}
		for _, t := range e.AvailableTags {
			if t == tag {
				return true
			}
		}
	}
	return false
}

// Jobs returns the most recent job history records.
func (p *Pipeline) Jobs(limit int) ([]*db.Job, error) {
	if p.history == nil {
		return []*db.Job{}, nil
	}
	return p.history.List(limit)
}

func (p *Pipeline) record(id, kind string, tr model.TransferRequest) {
	if p.history == nil {
		return
	}
	job := &db.Job{
		ID:     id,
		Kind:   kind,
		Target: string(tr.Target),
		Source: tr.Source,
		Files:  strings.Join(names(tr.Files), ","),
		Status: db.StatusPending,
	}
	if err := p.history.Create(job); err != nil {
		slog.Error("job_record_failed", "job_id", id, "error", err)
	}
}

func (p *Pipeline) start(id string) {
	if p.history == nil {
		return
	}
	if err := p.history.UpdateStatus(id, db.StatusRunning, ""); err != nil {
		slog.Error("job_record_failed", "job_id", id, "error", err)
	}
}

func (p *Pipeline) finish(id string, jobErr error) {
	if p.history == nil {
		return
	}
	status, msg := db.StatusSucceeded, ""
	if jobErr != nil {
		status, msg = db.StatusFailed, jobErr.Error()
	}
	if err := p.history.UpdateStatus(id, status, msg); err != nil {
		slog.Error("job_record_failed", "job_id", id, "error", err)
	}
}
