// Package mtd locates and programs the raw flash partitions of the board.
package mtd

import (
	"context"
	"io"
)

// Partition is one entry of the partition listing.
type Partition struct {
	Device string
	Line   string
}

// Progress is one parsed line of programming tool output.
type Progress struct {
	Stage   string
	Percent int
}

// Manager reads and programs raw flash partitions. Partitions are addressed
// by a label substring and resolved against the listing on every call.
type Manager interface {
	// Resolve returns the device node of the first partition matching label.
	Resolve(ctx context.Context, label string) (string, error)

	// ReadPartition copies the raw contents of the partition to dst.
	ReadPartition(ctx context.Context, label string, dst io.Writer) error

	// Flash programs src onto the partition, reporting tool progress.
	Flash(ctx context.Context, src, label string, onProgress func(Progress)) error

	// Close cleans up resources
	Close() error
}

// Options configures a Manager.
type Options struct {
	// PartitionTable is the listing file, normally /proc/mtd.
	PartitionTable string
	// DevDir holds the device nodes, normally /dev.
	DevDir string
	// FlashTool is the programming tool, normally flashcp.
	FlashTool string
}
