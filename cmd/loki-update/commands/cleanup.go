package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeg-devices/loki-update/internal/config"
	"github.com/aeg-devices/loki-update/pkg/db"
	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/lock"
	"github.com/aeg-devices/loki-update/pkg/lock/flock"
	"github.com/aeg-devices/loki-update/pkg/model"
)

var (
	cleanupOlderThan   time.Duration
	cleanupInterrupted bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale staging files and old job history",
	Long: `Clean up resources left behind by earlier jobs:
  --older-than <d>   Remove staging entries and finished jobs older than d
  --interrupted      Mark jobs left pending or running as failed`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "Age of entries to remove")
	cleanupCmd.Flags().BoolVar(&cleanupInterrupted, "interrupted", false, "Fail jobs interrupted by a crash")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cleanupOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	if err := ensureDirectories(cfg.SQLitePath); err != nil {
		return err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	cutoff := time.Now().Add(-cleanupOlderThan)

	if cleanupInterrupted {
		n, err := repo.FailRunning("interrupted")
		if err != nil {
			return err
		}
		fmt.Printf("✅ Marked %d interrupted jobs as failed\n", n)
	}

	locks, err := flock.NewDir(cfg.LockDir)
	if err != nil {
		return err
	}
	removed := 0
	release, idle, err := holdAllTargets(cmd.Context(), locks)
	if err != nil {
		return err
	}
	if idle {
		removed = cleanupStaging(cfg, cutoff)
		release()
	} else {
		fmt.Println("⚠️  A device write is in progress, staging left untouched")
	}

	pruned, err := repo.DeleteBefore(cutoff)
	if err != nil {
		return errors.Wrap(err, "prune failed")
	}

	fmt.Printf("✅ Removed %d staging entries and %d jobs\n", removed, pruned)
	return nil
}

func cleanupStaging(cfg *config.Config, cutoff time.Time) int {
	fmt.Println("🔍 Scanning staging directory...")

	entries, err := os.ReadDir(cfg.StagingDir)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Printf("⚠️  Failed to read %s: %v\n", cfg.StagingDir, err)
		}
		return 0
	}

	count := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(cfg.StagingDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			fmt.Printf("⚠️  Failed to remove %s: %v\n", entry.Name(), err)
			continue
		}
		fmt.Printf("🗑️  Removed stale staging entry: %s\n", entry.Name())
		count++
	}
	return count
}

// holdAllTargets takes every target lock without waiting. idle is false when
// another process holds one of them; in that case nothing stays locked.
func holdAllTargets(ctx context.Context, locks lock.Provider) (release func(), idle bool, err error) {
	var held []lock.Locker
	release = func() {
		for _, l := range held {
			l.Unlock(ctx)
		}
	}
	for _, t := range model.AllTargets() {
		l := locks.For(string(t))
		ok, err := l.TryLock(ctx)
		if err != nil || !ok {
			release()
			return nil, false, err
		}
		held = append(held, l)
	}
	return release, true, nil
}
