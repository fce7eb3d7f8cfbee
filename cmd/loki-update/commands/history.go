package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aeg-devices/loki-update/pkg/db"
	"github.com/aeg-devices/loki-update/pkg/errors"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded upload, release, backup and restore jobs",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of jobs to show (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	jobs, err := repo.List(historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-8s %-7s %-10s %-20s %s\n", "ID", "KIND", "TARGET", "STATUS", "CREATED", "DETAIL")
	fmt.Println("------------------------------------------------------------------------------------------------------------")

	for _, job := range jobs {
		detail := job.Source
		if job.Files != "" {
			detail += " [" + job.Files + "]"
		}
		if job.ErrorMessage != "" {
			detail += " error: " + job.ErrorMessage
		}
		fmt.Printf("%-36s %-8s %-7s %-10s %-20s %s\n",
			job.ID, job.Kind, job.Target, job.Status, job.CreatedAt, detail)
	}

	return nil
}
