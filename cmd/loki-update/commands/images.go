package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/aeg-devices/loki-update/pkg/model"
	"github.com/aeg-devices/loki-update/pkg/toolexec"
)

var imagesTarget string

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Read the image metadata of every target",
	RunE:  runImages,
}

func init() {
	rootCmd.AddCommand(imagesCmd)
	imagesCmd.Flags().StringVar(&imagesTarget, "target", "", "Only read this target")
}

func runImages(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	targets := model.AllTargets()
	if imagesTarget != "" {
		t, err := model.ParseTarget(imagesTarget)
		if err != nil {
			return err
		}
		targets = []model.Target{t}
	}

	runner := toolexec.NewExec(cfg.ToolTimeout)
	mtdManager, err := newMTDManager(cfg, runner)
	if err != nil {
		return err
	}
	defer mtdManager.Close()
	extractor := newExtractor(cfg, runner, mtdManager)

	ctx := context.Background()
	basePaths := cfg.BasePaths()

	fmt.Printf("%-8s %-18s %-20s %-12s %-10s %-10s %-20s %-10s\n",
		"TARGET", "KIND", "APP", "VERSION", "LOKI", "PLATFORM", "BUILT", "SIZE")
	fmt.Println("--------------------------------------------------------------------------------------------------------------")

	for _, t := range targets {
		meta := extractor.Refresh(ctx, t)

		built := "-"
		if meta.BuildTimestamp > 0 {
			built = time.Unix(meta.BuildTimestamp, 0).UTC().Format(time.DateTime)
		}
		size := "-"
		if base, ok := basePaths[t]; ok {
			if fi, err := os.Stat(filepath.Join(base, cfg.ImageFile)); err == nil {
				size = units.HumanSize(float64(fi.Size()))
			}
		}

		fmt.Printf("%-8s %-18s %-20s %-12s %-10s %-10s %-20s %-10s\n",
			t, t.Kind(), meta.AppName, meta.AppVersion, meta.PlatformVersion, meta.Platform, built, size)
		if meta.ErrorOccurred && meta.ErrorMessage != nil {
			fmt.Printf("         ⚠️  %s\n", *meta.ErrorMessage)
		}
	}

	return nil
}
