package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aeg-devices/loki-update/internal/config"
	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/metadata"
	"github.com/aeg-devices/loki-update/pkg/mtd"
	"github.com/aeg-devices/loki-update/pkg/release"
	"github.com/aeg-devices/loki-update/pkg/storage"
	"github.com/aeg-devices/loki-update/pkg/toolexec"
)

// loadConfig loads and validates the configuration and installs the logger
// it describes.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func setupLogging(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath string, dirs ...string) error {
	// Create database directory
	if sqlitePath != "" {
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
			return errors.Wrap(err, "failed to create database directory")
		}
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create directory "+dir)
		}
	}

	return nil
}

func newExtractor(cfg *config.Config, runner toolexec.Runner, mtdManager mtd.Manager) *metadata.Extractor {
	return metadata.NewExtractor(runner, mtdManager, metadata.Config{
		BasePaths:     cfg.BasePaths(),
		ImageFile:     cfg.ImageFile,
		KernelLabel:   cfg.FlashKernelLabel,
		RuntimeDir:    cfg.RuntimeMetadataDir,
		DumpImageTool: cfg.DumpImageTool,
		FdtGetTool:    cfg.FdtGetTool,
	})
}

func newMTDManager(cfg *config.Config, runner toolexec.Runner) (mtd.Manager, error) {
	return mtd.NewManager(runner, mtd.Options{
		PartitionTable: cfg.PartitionTable,
		FlashTool:      cfg.FlashcpTool,
	})
}

func newReleaseSource(ctx context.Context, cfg *config.Config) (release.Source, error) {
	switch cfg.ReleaseSource {
	case config.SourceS3:
		client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return nil, errors.Wrap(err, "S3 client failed")
		}
		return release.NewMirror(client), nil
	default:
		return release.NewGitHub(cfg.GitHubAPIURL, cfg.GitHubToken, cfg.HTTPTimeout), nil
	}
}
