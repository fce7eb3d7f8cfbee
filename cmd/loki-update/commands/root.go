package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "loki-update",
	Short: "LOKI image update service",
	Long: `Reports the images installed on every LOKI storage target, accepts uploads
and remote releases, verifies them and deploys them by copy or raw flash.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("listen-addr", ":8888", "HTTP listen address")
	flags.String("api-prefix", "/api/0.1/loki-update", "HTTP API path prefix")
	flags.String("sqlite-path", "/var/lib/loki-update/jobs.db", "SQLite job history path")
	flags.String("fsm-db-path", "/var/lib/loki-update/fsm", "FSM BoltDB directory")
	flags.String("staging-dir", "/tmp/loki-update/staging", "Staging directory for uploads and releases")
	flags.String("emmc-base-path", "/mnt/emmc", "eMMC mount point")
	flags.String("sd-base-path", "/mnt/sd", "SD card mount point")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")

	for _, name := range []string{
		"listen-addr", "api-prefix", "sqlite-path", "fsm-db-path", "staging-dir",
		"emmc-base-path", "sd-base-path", "log-level", "log-format",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}
