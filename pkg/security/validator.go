package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"

	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/model"
)

// Validator checks uploaded files before anything is written to a target.
type Validator struct {
	maxFileSize  int64
	maxTotalSize int64
}

// NewValidator creates a validator with per-file and per-batch size limits.
func NewValidator(maxFileSize, maxTotalSize int64) *Validator {
	slog.Info("security_validator_init",
		"max_file_size", units.HumanSize(float64(maxFileSize)),
		"max_total_size", units.HumanSize(float64(maxTotalSize)))

	return &Validator{
		maxFileSize:  maxFileSize,
		maxTotalSize: maxTotalSize,
	}
}

// ValidateFileName rejects upload names that could escape the staging directory.
func (v *Validator) ValidateFileName(name string) error {
	if strings.TrimSpace(name) == "" {
		slog.Error("security_file_name_rejected", "name", name, "reason", "empty")
		return fmt.Errorf("security: empty file name")
	}
	if filepath.IsAbs(name) {
		slog.Error("security_file_name_rejected", "name", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		slog.Error("security_file_name_rejected", "name", name, "reason", "path_separator")
		return fmt.Errorf("security: file name must not contain a path: %s", name)
	}
	return nil
}

// ValidateFileSize checks if a file exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size", units.HumanSize(float64(size)),
			"max_file_size", units.HumanSize(float64(v.maxFileSize)))
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// ValidateBatchSize checks the combined size of every file staged for one
// upload.
func (v *Validator) ValidateBatchSize(total int64) error {
	if total > v.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"staged", units.HumanSize(float64(total)),
			"max_total", units.HumanSize(float64(v.maxTotalSize)))
		return fmt.Errorf("security: staged size %d exceeds max %d", total, v.maxTotalSize)
	}
	return nil
}

// ValidateChecksums hashes every staged file in dir and compares it with its
// expected checksum. All files are hashed before a result is returned; the
// first mismatch in batch order is reported.
func (v *Validator) ValidateChecksums(dir string, files []model.StagedFile) error {
	var first error
	for _, f := range files {
		if strings.TrimSpace(f.ExpectedChecksum) == "" {
			slog.Error("security_checksum_missing", "file", f.Name)
			if first == nil {
				first = &errors.MissingChecksumError{File: f.Name}
			}
			continue
		}

		actual, err := FileSHA256(filepath.Join(dir, f.Name))
		if err != nil {
			slog.Error("security_checksum_read_failed", "file", f.Name, "error", err)
			if first == nil {
				first = err
			}
			continue
		}

		if !strings.EqualFold(actual, strings.TrimSpace(f.ExpectedChecksum)) {
			slog.Error("security_checksum_mismatch", "file", f.Name, "expected", f.ExpectedChecksum, "actual", actual)
			if first == nil {
				first = &errors.ChecksumMismatchError{File: f.Name, Expected: f.ExpectedChecksum, Actual: actual}
			}
			continue
		}

		slog.Info("security_checksum_validated", "file", f.Name)
	}
	return first
}

// FileSHA256 returns the hex encoded SHA-256 of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &errors.NotFoundError{What: filepath.Base(path)}
		}
		return "", errors.Wrap(err, "open staged file")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hash staged file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
