package fsm

import "github.com/aeg-devices/loki-update/pkg/model"

// ReleaseRequest is the FSM input
type ReleaseRequest struct {
	JobID  string
	Owner  string
	Repo   string
	Tag    string
	Target model.Target
}

// ReleaseResponse is the FSM output (accumulated across transitions)
type ReleaseResponse struct {
	// From Resolve
	Dir string

	// From Download
	Files []model.StagedFile

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateResolve  = "resolve"
	StateDownload = "download"
	StateVerify   = "verify"
	StateDeploy   = "deploy"
	StateComplete = "complete"
	StateFailed   = "failed"
)
