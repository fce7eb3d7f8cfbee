package pipeline

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/aeg-devices/loki-update/pkg/model"
)

// Selection is the remote release chosen by a client.
type Selection struct {
	Owner  string       `json:"owner"`
	Repo   string       `json:"repo"`
	Tag    string       `json:"tag"`
	Target model.Target `json:"target"`
	JobID  string       `json:"job_id"`
}

// Snapshot is a consistent copy of the pipeline state.
type Snapshot struct {
	Images           map[model.Target]model.ImageMetadata
	Copy             model.JobStatus
	Flash            model.FlashStatus
	Checksums        []model.FileChecksum
	CopyTarget       model.Target
	Catalog          []model.ReleaseCatalogEntry
	Selected         *Selection
	Policy           model.Policy
	Rebooting        bool
	BackupRequested  bool
	RestoreRequested bool
	BackupSuccess    bool
	RestoreSuccess   bool
	Synced           bool
	Started          time.Time
}

// State is the single owned pipeline state. Sub-records are only ever
// replaced as a whole so readers never observe a half-written record.
type State struct {
	mu sync.RWMutex
	s  Snapshot
}

// NewState creates the state for a process started at started.
func NewState(policy model.Policy, started time.Time) *State {
	images := make(map[model.Target]model.ImageMetadata, len(model.AllTargets()))
	for _, t := range model.AllTargets() {
		images[t] = model.UnavailableMetadata(t, "Not refreshed", 0)
	}
	return &State{s: Snapshot{
		Images:     images,
		CopyTarget: model.TargetEMMC,
		Catalog:    []model.ReleaseCatalogEntry{},
		Policy:     policy,
		Synced:     true,
		Started:    started,
	}}
}

// Snapshot returns a deep copy of the current state.
func (st *State) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := st.s
	out.Images = maps.Clone(st.s.Images)
	out.Checksums = slices.Clone(st.s.Checksums)
	out.Catalog = slices.Clone(st.s.Catalog)
	if st.s.Selected != nil {
		sel := *st.s.Selected
		out.Selected = &sel
	}
	return out
}

func (st *State) update(fn func(s *Snapshot)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.s)
}

// SetImage replaces the cached metadata of one target.
func (st *State) SetImage(m model.ImageMetadata) {
	st.update(func(s *Snapshot) {
		images := maps.Clone(s.Images)
		images[m.Target] = m
		s.Images = images
	})
}

// Image returns the cached metadata of target.
func (st *State) Image(t model.Target) model.ImageMetadata {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Images[t]
}

// Copy returns the copy job status.
func (st *State) Copy() model.JobStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Copy
}

// SetCopy replaces the copy job status.
func (st *State) SetCopy(js model.JobStatus) {
	st.update(func(s *Snapshot) { s.Copy = js })
}

// Flash returns the flash job status.
func (st *State) Flash() model.FlashStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Flash
}

// SetFlash replaces the flash job status.
func (st *State) SetFlash(fs model.FlashStatus) {
	st.update(func(s *Snapshot) { s.Flash = fs })
}

// SetChecksums replaces the registered checksums.
func (st *State) SetChecksums(sums []model.FileChecksum) {
	sums = slices.Clone(sums)
	st.update(func(s *Snapshot) { s.Checksums = sums })
}

// Checksum returns the registered checksum for name.
func (st *State) Checksum(name string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, c := range st.s.Checksums {
		if c.FileName == name {
			return c.Checksum, true
		}
	}
	return "", false
}

// SetCopyTarget replaces the upload target.
func (st *State) SetCopyTarget(t model.Target) {
	st.update(func(s *Snapshot) { s.CopyTarget = t })
}

// CopyTarget returns the upload target.
func (st *State) CopyTarget() model.Target {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.CopyTarget
}

// SetCatalog replaces the release catalog.
func (st *State) SetCatalog(c []model.ReleaseCatalogEntry) {
	c = slices.Clone(c)
	st.update(func(s *Snapshot) { s.Catalog = c })
}

// SetSelected records the selected release.
func (st *State) SetSelected(sel Selection) {
	st.update(func(s *Snapshot) { s.Selected = &sel })
}

// SetSynced records whether dirty pages have been written back.
func (st *State) SetSynced(v bool) {
	st.update(func(s *Snapshot) { s.Synced = v })
}
