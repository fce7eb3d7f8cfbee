package mtd

import (
	"testing"

	"github.com/aeg-devices/loki-update/pkg/errors"
)

const sampleListing = `dev:    size   erasesize  name
mtd0: 01e00000 00020000 "boot"
mtd1: 00040000 00020000 "bootenv"
mtd2: 00080000 00020000 "bootscr"
mtd3: 02000000 00020000 "kernel"
`

func TestFindDevice(t *testing.T) {
	tests := []struct {
		label   string
		want    string
		wantErr bool
	}{
		{`"kernel"`, "/dev/mtd3", false},
		{`"boot"`, "/dev/mtd0", false},
		{`"bootscr"`, "/dev/mtd2", false},
		{"bootenv", "/dev/mtd1", false},
		{"boot", "/dev/mtd0", false},
		{`"rootfs"`, "", true},
		{"name", "", true},
		{"size", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := FindDevice(sampleListing, "/dev", tt.label)
			if tt.wantErr {
				var nf *errors.NotFoundError
				if !errors.As(err, &nf) {
					t.Fatalf("expected NotFoundError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("FindDevice(%s) = %s, want %s", tt.label, got, tt.want)
			}
		})
	}
}

func TestParsePartitions_SkipsBlankLines(t *testing.T) {
	parts := ParsePartitions("\nmtd0: 1 2 \"a\"\n\n", "/dev")
	if len(parts) != 1 || parts[0].Device != "/dev/mtd0" {
		t.Errorf("ParsePartitions = %+v", parts)
	}
}

func TestParsePartitions_SkipsHeader(t *testing.T) {
	parts := ParsePartitions(sampleListing, "/dev")
	if len(parts) != 4 {
		t.Fatalf("ParsePartitions = %+v, want 4 partitions", parts)
	}
	for _, p := range parts {
		if p.Device == "/dev/dev" {
			t.Errorf("header parsed as partition: %+v", p)
		}
	}
}

// Lines captured from flashcp -v on the board.
func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		line    string
		stage   string
		percent int
		ok      bool
	}{
		{"Erasing blocks: 12/256 (4%)", "Erasing blocks", 4, true},
		{"Writing data: 4096k/4096k (100%)", "Writing data", 100, true},
		{"Verifying data: 0k/4096k (0%)", "Verifying data", 0, true},
		{"Erasing block (v2): 3/9 (33%)", "Erasing block (v2)", 33, true},
		{"flashcp: /dev/mtd3: unable to open", "", 0, false},
		{"no colon here (50%)", "", 0, false},
		{"", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := ParseProgressLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Stage != tt.stage || got.Percent != tt.percent {
				t.Errorf("got %+v, want stage=%q percent=%d", got, tt.stage, tt.percent)
			}
		})
	}
}
