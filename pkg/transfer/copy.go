// Package transfer copies staged files onto storage targets with progress
// reporting.
package transfer

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/docker/go-units"

	"github.com/aeg-devices/loki-update/pkg/errors"
)

// ChunkSize is the number of bytes copied between progress callbacks.
const ChunkSize = 64 * 1024

// ProgressFunc receives the completed percentage, rounded to one decimal.
type ProgressFunc func(percent float64)

// Percent returns copied/total as a percentage rounded to one decimal place.
// An empty source is reported as complete.
func Percent(copied, total int64) float64 {
	if total <= 0 {
		return 100.0
	}
	return math.Round(float64(copied)/float64(total)*1000) / 10
}

// CopyFile copies src to dst in fixed chunks, preserving the permission bits
// of src. The data is written to a sibling temporary file and renamed onto
// dst once complete, so a failed copy leaves an existing dst untouched.
func CopyFile(ctx context.Context, src, dst string, onProgress ProgressFunc) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return &errors.NotFoundError{What: src}
		}
		return errors.Wrap(err, "open source")
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.Wrap(err, "stat source")
	}
	total := info.Size()
	mode := info.Mode().Perm()

	slog.Info("copy_file_start", "src", src, "dst", dst, "size", units.HumanSize(float64(total)))

	part := dst + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrap(err, "create destination")
	}
	defer os.Remove(part)

	if err := copyChunks(ctx, in, out, total, onProgress); err != nil {
		out.Close()
		return err
	}

	// OpenFile honours umask, so set the mode explicitly.
	if err := out.Chmod(mode); err != nil {
		out.Close()
		return errors.Wrap(err, "set destination mode")
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errors.Wrap(err, "sync destination")
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "close destination")
	}
	if err := os.Rename(part, dst); err != nil {
		return errors.Wrap(err, "rename destination")
	}

	slog.Info("copy_file_complete", "src", src, "dst", dst, "size", units.HumanSize(float64(total)))
	return nil
}

func copyChunks(ctx context.Context, in io.Reader, out io.Writer, total int64, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	if total == 0 {
		onProgress(100.0)
		return nil
	}

	buf := make([]byte, ChunkSize)
	var copied int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return errors.Wrap(err, "write chunk")
			}
			copied += int64(n)
			onProgress(Percent(copied, total))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return errors.Wrap(readErr, "read chunk")
		}
	}
}
