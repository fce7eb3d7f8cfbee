package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeg-devices/loki-update/pkg/model"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const sampleMemInfo = `MemTotal:         999580 kB
MemFree:          712044 kB
Buffers:            6920 kB
Cached:            80312 kB
Dirty:              %s kB
Writeback:          %s kB
AnonPages:         14236 kB
`

func meminfo(dirty, writeback string) string {
	s := strings.Replace(sampleMemInfo, "%s", dirty, 1)
	return strings.Replace(s, "%s", writeback, 1)
}

func TestParseMemInfo(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		dirty     int64
		writeback int64
		wantErr   bool
	}{
		{"idle", meminfo("12", "0"), 12, 0, false},
		{"busy", meminfo("204800", "5120"), 204800, 5120, false},
		{"missing", "MemTotal: 1 kB\n", 0, 0, true},
		{"garbage", meminfo("lots", "0"), 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, w, err := ParseMemInfo(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != tt.dirty || w != tt.writeback {
				t.Errorf("got %d/%d, want %d/%d", d, w, tt.dirty, tt.writeback)
			}
		})
	}
}

func TestCheckSync(t *testing.T) {
	env := newEnv(t, model.Policy{}, Options{})
	path := filepath.Join(t.TempDir(), "meminfo")
	env.p.cfg.MemInfoPath = path

	os.WriteFile(path, []byte(meminfo("4096", "0")), 0644)
	env.p.checkSync()
	if env.p.State().Snapshot().Synced {
		t.Error("4 MiB dirty should not be synced")
	}

	os.WriteFile(path, []byte(meminfo("8", "0")), 0644)
	env.p.checkSync()
	if !env.p.State().Snapshot().Synced {
		t.Error("8 kB dirty should be synced")
	}
}
