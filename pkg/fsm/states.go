package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aeg-devices/loki-update/pkg/db"
	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/model"
	"github.com/aeg-devices/loki-update/pkg/release"
	"github.com/aeg-devices/loki-update/pkg/security"
	"github.com/superfly/fsm"
)

// Deployer writes a verified file set to its target.
type Deployer interface {
	Deploy(ctx context.Context, tr model.TransferRequest) error
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo       *db.Repository
	source     release.Source
	validator  *security.Validator
	deployer   Deployer
	chain      model.BootChain
	stagingDir string

	manager *fsm.Manager
	start   fsm.Start[ReleaseRequest, ReleaseResponse]
}

// NewMachine creates a new FSM machine with dependencies. repo may be nil, in
// which case no job history is written.
func NewMachine(
	repo *db.Repository,
	source release.Source,
	validator *security.Validator,
	deployer Deployer,
	chain model.BootChain,
	stagingDir string,
) *Machine {
	return &Machine{
		repo:       repo,
		source:     source,
		validator:  validator,
		deployer:   deployer,
		chain:      chain,
		stagingDir: stagingDir,
	}
}

func (m *Machine) updateStatus(jobID, status, message string) {
	if m.repo == nil || jobID == "" {
		return
	}
	if err := m.repo.UpdateStatus(jobID, status, message); err != nil {
		slog.Error("status_update_failed", "job_id", jobID, "status", status, "error", err)
	}
}

// handleResolve checks the request and prepares the staging directory
func (m *Machine) handleResolve(ctx context.Context, req *fsm.Request[ReleaseRequest, ReleaseResponse]) (*fsm.Response[ReleaseResponse], error) {
	slog.Info("fsm_state_resolve", "job_id", req.Msg.JobID, "owner", req.Msg.Owner, "repo", req.Msg.Repo, "tag", req.Msg.Tag)

	if m.source == nil {
		return nil, fsm.Abort(&errors.PolicyViolationError{Operation: "release deployment", Policy: "allow-remote-releases"})
	}
	if !req.Msg.Target.Uploadable() {
		return nil, fsm.Abort(fmt.Errorf("target %q cannot receive releases", req.Msg.Target))
	}
	if req.Msg.Owner == "" || req.Msg.Repo == "" || req.Msg.Tag == "" {
		return nil, fsm.Abort(fmt.Errorf("owner, repo and tag are required"))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &ReleaseResponse{}
	}

	dir := filepath.Join(m.stagingDir, "release-"+req.Msg.JobID)
	if err := os.RemoveAll(dir); err != nil {
		slog.Error("staging_dir_cleanup_failed", "path", dir, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to clean staging dir"))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("staging_dir_creation_failed", "path", dir, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to create staging dir"))
	}

	resp.Dir = dir
	m.updateStatus(req.Msg.JobID, db.StatusRunning, "")

	return fsm.NewResponse(resp), nil
}

// handleDownload retrieves the boot chain assets of the tag
func (m *Machine) handleDownload(ctx context.Context, req *fsm.Request[ReleaseRequest, ReleaseResponse]) (*fsm.Response[ReleaseResponse], error) {
	slog.Info("fsm_state_download", "job_id", req.Msg.JobID, "tag", req.Msg.Tag)

	resp := req.W.Msg
	if resp == nil || resp.Dir == "" {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	repo := release.Repository{Owner: req.Msg.Owner, Name: req.Msg.Repo}
	files, err := release.Fetch(ctx, m.source, repo, req.Msg.Tag, m.chain, resp.Dir)
	if err != nil {
		slog.Error("release_download_failed", "job_id", req.Msg.JobID, "repository", repo.String(), "tag", req.Msg.Tag, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "release download failed"))
	}

	resp.Files = files
	return fsm.NewResponse(resp), nil
}

// handleVerify checks every downloaded file against its expected checksum
func (m *Machine) handleVerify(ctx context.Context, req *fsm.Request[ReleaseRequest, ReleaseResponse]) (*fsm.Response[ReleaseResponse], error) {
	slog.Info("fsm_state_verify", "job_id", req.Msg.JobID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if len(resp.Files) == 0 {
		return nil, fsm.Abort(fmt.Errorf("no files downloaded"))
	}

	for _, f := range resp.Files {
		if err := m.validator.ValidateFileName(f.Name); err != nil {
			return nil, fsm.Abort(err)
		}
	}
	if err := m.validator.ValidateChecksums(resp.Dir, resp.Files); err != nil {
		slog.Error("release_verification_failed", "job_id", req.Msg.JobID, "error", err)
		return nil, fsm.Abort(err)
	}

	return fsm.NewResponse(resp), nil
}

// handleDeploy hands the verified set to the copy or flash path
func (m *Machine) handleDeploy(ctx context.Context, req *fsm.Request[ReleaseRequest, ReleaseResponse]) (*fsm.Response[ReleaseResponse], error) {
	slog.Info("fsm_state_deploy", "job_id", req.Msg.JobID, "target", req.Msg.Target)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	tr := model.TransferRequest{
		Target: req.Msg.Target,
		Dir:    resp.Dir,
		Files:  resp.Files,
		Source: fmt.Sprintf("%s/%s@%s", req.Msg.Owner, req.Msg.Repo, req.Msg.Tag),
	}
	if err := m.deployer.Deploy(ctx, tr); err != nil {
		slog.Error("release_deploy_failed", "job_id", req.Msg.JobID, "target", req.Msg.Target, "error", err)
		return nil, fsm.Abort(err)
	}

	return fsm.NewResponse(resp), nil
}

// handleComplete removes the staging directory and marks the job succeeded
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[ReleaseRequest, ReleaseResponse]) (*fsm.Response[ReleaseResponse], error) {
	slog.Info("fsm_state_complete", "job_id", req.Msg.JobID)

	resp := req.W.Msg
	if resp == nil {
		resp = &ReleaseResponse{}
	}

	if resp.Dir != "" {
		if err := os.RemoveAll(resp.Dir); err != nil {
			slog.Warn("staging_dir_remove_failed", "path", resp.Dir, "error", err)
		}
	}

	resp.Status = db.StatusSucceeded
	m.updateStatus(req.Msg.JobID, db.StatusSucceeded, "")

	slog.Info("fsm_complete", "job_id", req.Msg.JobID, "status", resp.Status)
	return fsm.NewResponse(resp), nil
}
