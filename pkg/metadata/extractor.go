// Package metadata reads the application metadata embedded in the boot image
// installed on each storage target.
//
// Container images carry a flattened hardware description blob with a
// loki-metadata node. The blob is pulled out with the image inspection tool
// and parsed in-process; the build timestamp lives outside the blob and is
// queried from the container separately. The running system exposes the same
// node through the live device tree.
package metadata

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/model"
	"github.com/aeg-devices/loki-update/pkg/mtd"
	"github.com/aeg-devices/loki-update/pkg/toolexec"
)

// Node is the device tree node holding the application metadata.
const Node = "loki-metadata"

// Property names inside the metadata node.
const (
	PropAppName         = "application-name"
	PropAppVersion      = "application-version"
	PropPlatformVersion = "loki-version"
	PropPlatform        = "platform"
	PropTimestamp       = "timestamp"
)

// GenericFailure is reported for failures that are neither tool errors nor
// missing files.
const GenericFailure = "Failed to read image metadata"

// Config locates the images and tools used for extraction.
type Config struct {
	// BasePaths maps container backed targets to their mount points.
	BasePaths map[model.Target]string
	// ImageFile is the boot image container file name.
	ImageFile string
	// KernelLabel selects the flash partition holding the container.
	KernelLabel string
	// RuntimeDir exposes the metadata node of the running system.
	RuntimeDir string
	// TempDir receives extracted blobs and partition read-outs.
	TempDir string

	DumpImageTool string
	FdtGetTool    string
}

// Extractor produces ImageMetadata for every target.
type Extractor struct {
	runner toolexec.Runner
	mtd    mtd.Manager
	cfg    Config
	now    func() time.Time
}

// NewExtractor creates an extractor.
func NewExtractor(runner toolexec.Runner, mtdManager mtd.Manager, cfg Config) *Extractor {
	if cfg.DumpImageTool == "" {
		cfg.DumpImageTool = "dumpimage"
	}
	if cfg.FdtGetTool == "" {
		cfg.FdtGetTool = "fdtget"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Extractor{runner: runner, mtd: mtdManager, cfg: cfg, now: time.Now}
}

// Refresh reads the metadata of target. Failures are reported through the
// error fields of the returned record, never as an error.
func (e *Extractor) Refresh(ctx context.Context, target model.Target) model.ImageMetadata {
	slog.Info("metadata_refresh_start", "target", target)

	var (
		meta model.ImageMetadata
		err  error
	)
	switch target {
	case model.TargetRuntime:
		meta, err = e.readRuntime()
	case model.TargetFlash:
		meta, err = e.readFlash(ctx)
	default:
		base, ok := e.cfg.BasePaths[target]
		if !ok {
			err = &errors.NotFoundError{What: "storage for " + string(target)}
			break
		}
		meta, err = e.readContainer(ctx, filepath.Join(base, e.cfg.ImageFile))
	}

	refreshed := e.now().Unix()
	if err != nil {
		msg := FailureMessage(err)
		slog.Error("metadata_refresh_failed", "target", target, "error", err, "message", msg)
		return model.UnavailableMetadata(target, msg, refreshed)
	}

	meta.Target = target
	meta.LastRefresh = refreshed
	meta.FillUnavailable()

	slog.Info("metadata_refresh_complete",
		"target", target,
		"app_name", meta.AppName,
		"app_version", meta.AppVersion,
		"platform", meta.Platform)
	return meta
}

// FailureMessage maps an extraction error onto the message shown to clients.
func FailureMessage(err error) string {
	var tie *errors.ToolInvocationError
	if errors.As(err, &tie) {
		return tie.Diagnostic()
	}
	var nf *errors.NotFoundError
	if errors.As(err, &nf) {
		return nf.Error()
	}
	return GenericFailure
}

func (e *Extractor) readContainer(ctx context.Context, image string) (model.ImageMetadata, error) {
	if _, err := os.Stat(image); err != nil {
		if os.IsNotExist(err) {
			return model.ImageMetadata{}, &errors.NotFoundError{What: "image file " + filepath.Base(image)}
		}
		return model.ImageMetadata{}, errors.Wrap(err, "stat image")
	}

	blob, err := os.CreateTemp(e.cfg.TempDir, "metadata-*.dtb")
	if err != nil {
		return model.ImageMetadata{}, errors.Wrap(err, "create blob file")
	}
	blobPath := blob.Name()
	blob.Close()
	defer os.Remove(blobPath)

	if _, err := e.runner.Run(ctx, e.cfg.DumpImageTool, "-T", "flat_dt", "-p", "1", "-o", blobPath, image); err != nil {
		return model.ImageMetadata{}, err
	}

	f, err := os.Open(blobPath)
	if err != nil {
		return model.ImageMetadata{}, errors.Wrap(err, "open blob")
	}
	defer f.Close()

	tree, err := ParseBlob(f)
	if err != nil {
		return model.ImageMetadata{}, err
	}

	meta, err := fromTree(tree)
	if err != nil {
		return model.ImageMetadata{}, err
	}

	out, err := e.runner.Run(ctx, e.cfg.FdtGetTool, image, "/", PropTimestamp)
	if err != nil {
		return model.ImageMetadata{}, err
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return model.ImageMetadata{}, &errors.ParseError{What: "timestamp", Err: err}
	}
	meta.BuildTimestamp = ts

	return meta, nil
}

func fromTree(tree Tree) (model.ImageMetadata, error) {
	if _, ok := tree[Node]; !ok {
		return model.ImageMetadata{}, &errors.ParseError{What: "metadata node " + Node}
	}
	var meta model.ImageMetadata
	meta.AppName, _ = tree.String(Node, PropAppName)
	meta.AppVersion, _ = tree.String(Node, PropAppVersion)
	meta.PlatformVersion, _ = tree.String(Node, PropPlatformVersion)
	meta.Platform, _ = tree.String(Node, PropPlatform)
	return meta, nil
}

func (e *Extractor) readFlash(ctx context.Context) (model.ImageMetadata, error) {
	tmp, err := os.CreateTemp(e.cfg.TempDir, "flash-*.ub")
	if err != nil {
		return model.ImageMetadata{}, errors.Wrap(err, "create partition copy")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := e.mtd.ReadPartition(ctx, e.cfg.KernelLabel, tmp); err != nil {
		tmp.Close()
		return model.ImageMetadata{}, err
	}
	if err := tmp.Close(); err != nil {
		return model.ImageMetadata{}, errors.Wrap(err, "close partition copy")
	}

	return e.readContainer(ctx, tmpPath)
}

func (e *Extractor) readRuntime() (model.ImageMetadata, error) {
	if _, err := os.Stat(e.cfg.RuntimeDir); err != nil {
		return model.ImageMetadata{}, &errors.NotFoundError{What: "runtime metadata " + e.cfg.RuntimeDir}
	}

	read := func(name string) (string, error) {
		raw, err := os.ReadFile(filepath.Join(e.cfg.RuntimeDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return "", nil
			}
			return "", errors.Wrap(err, "read "+name)
		}
		return strings.TrimSpace(strings.Trim(string(raw), "\x00")), nil
	}

	var (
		meta model.ImageMetadata
		err  error
	)
	fields := []struct {
		name string
		dst  *string
	}{
		{PropAppName, &meta.AppName},
		{PropAppVersion, &meta.AppVersion},
		{PropPlatformVersion, &meta.PlatformVersion},
		{PropPlatform, &meta.Platform},
	}
	for _, f := range fields {
		if *f.dst, err = read(f.name); err != nil {
			return model.ImageMetadata{}, err
		}
	}

	if raw, err := os.ReadFile(filepath.Join(e.cfg.RuntimeDir, PropTimestamp)); err == nil {
		meta.BuildTimestamp = decodeTimestamp(raw)
	}
	return meta, nil
}

// decodeTimestamp accepts a raw big-endian cell or decimal text.
func decodeTimestamp(raw []byte) int64 {
	if (len(raw) == 4 || len(raw) == 8) && !printable(raw) {
		if len(raw) == 4 {
			return int64(binary.BigEndian.Uint32(raw))
		}
		return int64(binary.BigEndian.Uint64(raw))
	}
	ts, err := strconv.ParseInt(string(bytes.TrimSpace(bytes.Trim(raw, "\x00"))), 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

func printable(raw []byte) bool {
	for _, c := range bytes.TrimRight(raw, "\x00\n") {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
