// Package model holds the data types shared across the update pipeline.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Target is a storage location an image can be installed on or read from.
type Target string

const (
	TargetEMMC    Target = "emmc"
	TargetSD      Target = "sd"
	TargetBackup  Target = "backup"
	TargetFlash   Target = "flash"
	TargetRuntime Target = "runtime"
)

// AllTargets returns every target in display order.
func AllTargets() []Target {
	return []Target{TargetEMMC, TargetSD, TargetBackup, TargetFlash, TargetRuntime}
}

// ParseTarget converts a client supplied name into a Target.
func ParseTarget(s string) (Target, error) {
	t := Target(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTargets() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown target %q", s)
}

// Kind returns the storage class of the target.
func (t Target) Kind() string {
	switch t {
	case TargetEMMC:
		return "primary-storage"
	case TargetSD:
		return "removable-storage"
	case TargetBackup:
		return "backup-storage"
	case TargetFlash:
		return "raw-flash"
	case TargetRuntime:
		return "running-system"
	}
	return "unknown"
}

// Uploadable reports whether files can be uploaded to the target.
func (t Target) Uploadable() bool {
	return t == TargetEMMC || t == TargetSD || t == TargetFlash
}

// Unavailable is the value of descriptive metadata fields that could not be read.
const Unavailable = "Not Found"

// ImageMetadata describes the image installed on one target.
type ImageMetadata struct {
	Target          Target  `json:"-"`
	AppName         string  `json:"app_name"`
	AppVersion      string  `json:"app_version"`
	PlatformVersion string  `json:"loki_version"`
	Platform        string  `json:"platform"`
	BuildTimestamp  int64   `json:"time"`
	ErrorOccurred   bool    `json:"error_occurred"`
	ErrorMessage    *string `json:"error_message"`
	LastRefresh     int64   `json:"last_refresh"`
}

// UnavailableMetadata returns a failed record for target carrying message.
func UnavailableMetadata(target Target, message string, refreshed int64) ImageMetadata {
	return ImageMetadata{
		Target:          target,
		AppName:         Unavailable,
		AppVersion:      Unavailable,
		PlatformVersion: Unavailable,
		Platform:        Unavailable,
		ErrorOccurred:   true,
		ErrorMessage:    &message,
		LastRefresh:     refreshed,
	}
}

// FillUnavailable replaces empty descriptive fields with the sentinel.
func (m *ImageMetadata) FillUnavailable() {
	for _, f := range []*string{&m.AppName, &m.AppVersion, &m.PlatformVersion, &m.Platform} {
		if strings.TrimSpace(*f) == "" {
			*f = Unavailable
		}
	}
}

// JobStatus tracks the single copy, backup or restore job in flight.
type JobStatus struct {
	InProgress   bool    `json:"copying"`
	CurrentFile  string  `json:"file_name"`
	Percent      float64 `json:"progress"`
	Failed       bool    `json:"failed"`
	ErrorMessage *string `json:"copy_error"`
	Succeeded    bool    `json:"succeeded"`
}

// FlashStatus tracks a raw flash job. Percent is reported by the programming tool.
type FlashStatus struct {
	InProgress     bool    `json:"flash_copying"`
	CurrentFile    string  `json:"file_name"`
	CurrentStage   string  `json:"flash_copy_stage"`
	Percent        int     `json:"progress"`
	FilesCompleted int     `json:"flash_copying_file_num"`
	Failed         bool    `json:"failed"`
	ErrorMessage   *string `json:"error_message"`
	Succeeded      bool    `json:"succeeded"`
}

// FileChecksum is a client registered checksum for one upload.
type FileChecksum struct {
	FileName string `json:"fileName"`
	Checksum string `json:"checksum"`
}

// StagedFile is a file waiting in the staging area.
type StagedFile struct {
	Name             string `json:"name"`
	ExpectedChecksum string `json:"expected_checksum"`
}

// TransferRequest is consumed once by a deploy job.
type TransferRequest struct {
	Target Target       `json:"target"`
	Dir    string       `json:"dir"`
	Files  []StagedFile `json:"staged_files"`
	Source string       `json:"source"`
}

// ReleaseCatalogEntry lists the deployable tags of one repository.
type ReleaseCatalogEntry struct {
	Repository    string   `json:"repository_name"`
	Owner         string   `json:"owner"`
	AvailableTags []string `json:"available_tags"`
}

// Policy flags are fixed for the process lifetime.
type Policy struct {
	AllowReboot            bool `json:"allow_reboot"`
	AllowOnlyPrimaryUpload bool `json:"allow_only_emmc_upload"`
	AllowRemoteReleases    bool `json:"allow_remote_releases"`
}

// File roles inside a boot chain.
const (
	RoleLoader = "loader"
	RoleScript = "script"
	RoleImage  = "image"
)

// BootChain is the minimal file set needed to boot a target.
type BootChain struct {
	Loader string
	Script string
	Image  string
}

// Names returns the chain in copy order: loader, script, image.
func (b BootChain) Names() []string {
	return []string{b.Loader, b.Script, b.Image}
}

// Role infers the role of a file from its extension.
func (b BootChain) Role(name string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case strings.ToLower(filepath.Ext(b.Image)):
		return RoleImage, true
	case strings.ToLower(filepath.Ext(b.Loader)):
		return RoleLoader, true
	case strings.ToLower(filepath.Ext(b.Script)):
		return RoleScript, true
	}
	return "", false
}
