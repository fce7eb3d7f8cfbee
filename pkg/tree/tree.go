// Package tree exposes the pipeline state as a path addressed JSON document.
// Reads return the sub-document at a path; writes to a fixed set of leaves
// trigger pipeline operations.
package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/model"
	"github.com/aeg-devices/loki-update/pkg/pipeline"
)

// jobsShown is the number of history records included in the document.
const jobsShown = 20

// Tree maps paths onto a pipeline.
type Tree struct {
	p       *pipeline.Pipeline
	version string
	now     func() time.Time
}

// New creates a tree over p reporting version.
func New(p *pipeline.Pipeline, version string) *Tree {
	return &Tree{p: p, version: version, now: time.Now}
}

func (t *Tree) document() map[string]any {
	snap := t.p.State().Snapshot()

	images := map[string]any{"refresh_all_image_info": false}
	for _, target := range model.AllTargets() {
		node := map[string]any{
			"info":    snap.Images[target],
			"refresh": false,
		}
		if target == model.TargetEMMC {
			node["backup"] = snap.BackupRequested
			node["restore"] = snap.RestoreRequested
		}
		images[string(target)] = node
	}

	checksums := snap.Checksums
	if checksums == nil {
		checksums = []model.FileChecksum{}
	}

	copyProgress := map[string]any{
		"checksums":              checksums,
		"target":                 snap.CopyTarget,
		"copying":                snap.Copy.InProgress,
		"file_name":              snap.Copy.CurrentFile,
		"progress":               snap.Copy.Percent,
		"failed":                 snap.Copy.Failed,
		"copy_error":             snap.Copy.ErrorMessage,
		"succeeded":              snap.Copy.Succeeded,
		"flash_copying":          snap.Flash.InProgress,
		"flash_copy_stage":       snap.Flash.CurrentStage,
		"flash_copying_file_num": snap.Flash.FilesCompleted,
		"flash":                  snap.Flash,
		"backup_success":         snap.BackupSuccess,
		"restore_success":        snap.RestoreSuccess,
		"mmc_synced":             snap.Synced,
		"queued_jobs":            t.p.QueuedJobs(),
	}

	jobs, err := t.p.Jobs(jobsShown)
	if err != nil {
		slog.Error("tree_jobs_failed", "error", err)
	}

	return map[string]any{
		"loki_update_version": t.version,
		"server_uptime":       int64(t.now().Sub(snap.Started).Seconds()),
		"installed_images":    images,
		"copy_progress":       copyProgress,
		"remote_releases": map[string]any{
			"enabled":  snap.Policy.AllowRemoteReleases,
			"catalog":  snap.Catalog,
			"selected": snap.Selected,
		},
		"reboot_board": map[string]any{
			"reboot":       snap.Rebooting,
			"is_rebooting": snap.Rebooting,
		},
		"restrictions": snap.Policy,
		"jobs":         jobs,
	}
}

// Get returns the sub-document at path wrapped in an object keyed by the
// last path segment. The empty path returns the whole document.
func (t *Tree) Get(path string) (json.RawMessage, error) {
	doc, err := json.Marshal(t.document())
	if err != nil {
		return nil, errors.Wrap(err, "marshal state")
	}

	segments := split(path)
	if len(segments) == 0 {
		return doc, nil
	}

	res := gjson.GetBytes(doc, gjsonPath(segments))
	if !res.Exists() {
		return nil, fmt.Errorf("invalid path: %s", path)
	}

	key, err := json.Marshal(segments[len(segments)-1])
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{` + string(key) + `:` + res.Raw + `}`), nil
}

// Set writes value to a writable leaf.
func (t *Tree) Set(ctx context.Context, path string, value []byte) error {
	if !gjson.ValidBytes(value) {
		return fmt.Errorf("invalid JSON value for %s", path)
	}
	v := gjson.ParseBytes(value)
	segments := split(path)
	slog.Info("tree_set", "path", strings.Join(segments, "/"))

	switch strings.Join(segments, "/") {
	case "installed_images/refresh_all_image_info":
		if on, err := boolean(v); err != nil || !on {
			return err
		}
		return t.p.RefreshAll(ctx)

	case "installed_images/emmc/backup":
		on, err := boolean(v)
		if err != nil {
			return err
		}
		return t.p.RequestBackup(on)

	case "installed_images/emmc/restore":
		on, err := boolean(v)
		if err != nil {
			return err
		}
		return t.p.RequestRestore(on)

	case "copy_progress/checksums":
		if !v.IsArray() {
			return fmt.Errorf("checksums must be a list of {fileName, checksum}")
		}
		var sums []model.FileChecksum
		for _, item := range v.Array() {
			sums = append(sums, model.FileChecksum{
				FileName: item.Get("fileName").String(),
				Checksum: item.Get("checksum").String(),
			})
		}
		return t.p.RegisterChecksums(sums)

	case "copy_progress/target":
		if v.Type != gjson.String {
			return fmt.Errorf("target must be a string")
		}
		return t.p.SetCopyTarget(v.String())

	case "remote_releases/select":
		if !v.IsObject() {
			return fmt.Errorf("select must be an object {owner, repo, tag, target}")
		}
		_, err := t.p.SelectRelease(v.Get("owner").String(), v.Get("repo").String(),
			v.Get("tag").String(), v.Get("target").String())
		return err

	case "reboot_board/reboot":
		on, err := boolean(v)
		if err != nil {
			return err
		}
		return t.p.RequestReboot(on)
	}

	if len(segments) == 3 && segments[0] == "installed_images" && segments[2] == "refresh" {
		target, err := model.ParseTarget(segments[1])
		if err != nil {
			return err
		}
		if on, err := boolean(v); err != nil || !on {
			return err
		}
		return t.p.RefreshMetadata(ctx, target)
	}

	return fmt.Errorf("path is not writable: %s", path)
}

func boolean(v gjson.Result) (bool, error) {
	switch v.Type {
	case gjson.True:
		return true, nil
	case gjson.False:
		return false, nil
	}
	return false, fmt.Errorf("expected a boolean, got %s", v.Raw)
}

func split(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

var gjsonEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`)

func gjsonPath(segments []string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = gjsonEscaper.Replace(s)
	}
	return strings.Join(escaped, ".")
}
