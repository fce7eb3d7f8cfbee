package mtd

import (
	"bufio"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/aeg-devices/loki-update/pkg/errors"
)

// ParsePartitions parses a partition listing. Each partition line starts with
// its device name followed by a colon; the column header and any other line
// are skipped.
func ParsePartitions(listing, devDir string) []Partition {
	var parts []Partition
	scanner := bufio.NewScanner(strings.NewReader(listing))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name, ok := strings.CutSuffix(fields[0], ":")
		if !ok || name == "" || name == "dev" {
			continue
		}
		parts = append(parts, Partition{
			Device: filepath.Join(devDir, name),
			Line:   line,
		})
	}
	return parts
}

// FindDevice returns the device of the first partition whose line contains label.
func FindDevice(listing, devDir, label string) (string, error) {
	for _, p := range ParsePartitions(listing, devDir) {
		if strings.Contains(p.Line, label) {
			return p.Device, nil
		}
	}
	return "", &errors.NotFoundError{What: "partition " + label}
}

var percentPattern = regexp.MustCompile(`\((\d+)%\)`)

// ParseProgressLine extracts the stage and percentage from a programming tool
// line such as "Writing data: 128k/4096k (3%)". Lines without both parts are
// rejected.
func ParseProgressLine(line string) (Progress, bool) {
	stage, rest, ok := strings.Cut(line, ":")
	if !ok {
		return Progress{}, false
	}

	matches := percentPattern.FindAllStringSubmatch(rest, -1)
	if len(matches) == 0 {
		return Progress{}, false
	}
	percent, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return Progress{}, false
	}

	return Progress{Stage: strings.TrimSpace(stage), Percent: percent}, true
}
