package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// syncThresholdKB is the dirty plus writeback volume below which storage is
// considered synced.
const syncThresholdKB = 1024

// ParseMemInfo returns the Dirty and Writeback values, in kB, of a
// /proc/meminfo listing.
func ParseMemInfo(r io.Reader) (dirty, writeback int64, err error) {
	found := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || (key != "Dirty" && key != "Writeback") {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, 0, fmt.Errorf("meminfo: empty %s value", key)
		}
		v, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("meminfo: %s: %w", key, err)
		}
		if key == "Dirty" {
			dirty = v
		} else {
			writeback = v
		}
		found++
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	if found < 2 {
		return 0, 0, fmt.Errorf("meminfo: Dirty or Writeback missing")
	}
	return dirty, writeback, nil
}

func (p *Pipeline) checkSync() {
	f, err := os.Open(p.cfg.MemInfoPath)
	if err != nil {
		slog.Debug("meminfo_unavailable", "path", p.cfg.MemInfoPath, "error", err)
		return
	}
	defer f.Close()

	dirty, writeback, err := ParseMemInfo(f)
	if err != nil {
		slog.Debug("meminfo_parse_failed", "error", err)
		return
	}
	synced := dirty < syncThresholdKB && writeback < syncThresholdKB
	if synced != p.state.Snapshot().Synced {
		slog.Info("storage_sync_changed", "synced", synced, "dirty_kb", dirty, "writeback_kb", writeback)
	}
	p.state.SetSynced(synced)
}

func (p *Pipeline) monitorSync(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SyncInterval)
	defer ticker.Stop()

	p.checkSync()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkSync()
		}
	}
}
