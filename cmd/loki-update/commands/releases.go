package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aeg-devices/loki-update/pkg/release"
)

var releasesCmd = &cobra.Command{
	Use:   "releases [owner/repo...]",
	Short: "List deployable releases of the configured repositories",
	RunE:  runReleases,
}

func init() {
	rootCmd.AddCommand(releasesCmd)
}

func runReleases(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repos, err := cfg.Repositories()
	if err != nil {
		return err
	}
	if len(args) > 0 {
		repos = repos[:0]
		for _, a := range args {
			r, err := release.ParseRepository(a)
			if err != nil {
				return err
			}
			repos = append(repos, r)
		}
	}
	if len(repos) == 0 {
		return fmt.Errorf("no repositories configured, set release-repositories or pass owner/repo")
	}

	ctx := context.Background()
	source, err := newReleaseSource(ctx, cfg)
	if err != nil {
		return err
	}

	for _, entry := range release.Catalog(ctx, source, repos, cfg.BootChain()) {
		fmt.Printf("📦 %s/%s\n", entry.Owner, entry.Repository)
		if len(entry.AvailableTags) == 0 {
			fmt.Println("   (no deployable releases)")
			continue
		}
		fmt.Printf("   %s\n", strings.Join(entry.AvailableTags, ", "))
	}
	return nil
}
