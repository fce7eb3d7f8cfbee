// Package fsm implements the release deployment finite state machine workflow.
// It orchestrates the resolution, download, verification and deployment of a
// tagged remote release using the superfly/fsm library.
package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aeg-devices/loki-update/pkg/db"
	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the release deployment FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[ReleaseRequest, ReleaseResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ReleaseRequest, ReleaseResponse](manager, "release-deploy").
		Start(StateResolve, m.handleResolve).
		To(StateDownload, m.handleDownload).
		To(StateVerify, m.handleVerify).
		To(StateDeploy, m.handleDeploy).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	m.manager = manager
	m.start = start
	return start, resume, nil
}

// Run executes one deployment and blocks until the machine reaches a terminal
// state. A failed run is recorded in the job history and its staging
// directory is removed.
func (m *Machine) Run(ctx context.Context, req ReleaseRequest) error {
	if m.start == nil {
		return fmt.Errorf("release machine not registered")
	}

	version, err := m.start(ctx, req.JobID, fsm.NewRequest(&req, &ReleaseResponse{}))
	if err != nil {
		m.fail(req, err)
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "job_id", req.JobID, "version", version)

	if err := m.manager.Wait(ctx, version); err != nil {
		m.fail(req, err)
		return errors.Wrap(err, "FSM execution failed")
	}
	return nil
}

func (m *Machine) fail(req ReleaseRequest, err error) {
	slog.Error("fsm_failed", "job_id", req.JobID, "error", err)
	m.updateStatus(req.JobID, db.StatusFailed, err.Error())
	os.RemoveAll(filepath.Join(m.stagingDir, "release-"+req.JobID))
}
