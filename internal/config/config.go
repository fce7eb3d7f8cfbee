package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aeg-devices/loki-update/pkg/model"
	"github.com/aeg-devices/loki-update/pkg/release"
)

// Release sources
const (
	SourceGitHub = "github"
	SourceS3     = "s3"
)

// Config holds all application configuration
type Config struct {
	// HTTP surface
	ListenAddr string `mapstructure:"listen-addr"`
	APIPrefix  string `mapstructure:"api-prefix"`

	// Storage locations
	EMMCBasePath   string `mapstructure:"emmc-base-path"`
	SDBasePath     string `mapstructure:"sd-base-path"`
	BackupBasePath string `mapstructure:"backup-base-path"`
	StagingDir     string `mapstructure:"staging-dir"`
	LockDir        string `mapstructure:"lock-dir"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	RuntimeMetadataDir string `mapstructure:"runtime-metadata-dir"`

	// Boot chain file names
	LoaderFile string `mapstructure:"loader-file"`
	ScriptFile string `mapstructure:"script-file"`
	ImageFile  string `mapstructure:"image-file"`

	// Flash partition labels
	FlashKernelLabel string `mapstructure:"flash-kernel-label"`
	FlashBootLabel   string `mapstructure:"flash-boot-label"`
	FlashScriptLabel string `mapstructure:"flash-script-label"`

	// External tools
	DumpImageTool  string        `mapstructure:"dumpimage-tool"`
	FdtGetTool     string        `mapstructure:"fdtget-tool"`
	FlashcpTool    string        `mapstructure:"flashcp-tool"`
	PartitionTable string        `mapstructure:"partition-table"`
	ToolTimeout    time.Duration `mapstructure:"tool-timeout"`

	// Policy flags
	AllowReboot            bool `mapstructure:"allow-reboot"`
	AllowOnlyPrimaryUpload bool `mapstructure:"allow-only-primary-upload"`
	AllowRemoteReleases    bool `mapstructure:"allow-remote-releases"`

	// Remote releases
	ReleaseRepositories []string      `mapstructure:"release-repositories"`
	ReleaseSource       string        `mapstructure:"release-source"`
	GitHubAPIURL        string        `mapstructure:"github-api-url"`
	GitHubToken         string        `mapstructure:"github-token"`
	S3Bucket            string        `mapstructure:"s3-bucket"`
	S3Region            string        `mapstructure:"s3-region"`
	HTTPTimeout         time.Duration `mapstructure:"http-timeout"`

	// Security limits
	MaxUploadSize int64 `mapstructure:"max-upload-size"`

	// Logging
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen-addr", ":8888")
	v.SetDefault("api-prefix", "/api/0.1/loki-update")
	v.SetDefault("emmc-base-path", "/mnt/emmc")
	v.SetDefault("sd-base-path", "/mnt/sd")
	v.SetDefault("backup-base-path", "/mnt/emmc/backup")
	v.SetDefault("staging-dir", "/tmp/loki-update/staging")
	v.SetDefault("lock-dir", "/run/loki-update")
	v.SetDefault("sqlite-path", "/var/lib/loki-update/jobs.db")
	v.SetDefault("fsm-db-path", "/var/lib/loki-update/fsm")
	v.SetDefault("runtime-metadata-dir", "/proc/device-tree/loki-metadata")
	v.SetDefault("loader-file", "BOOT.BIN")
	v.SetDefault("script-file", "boot.scr")
	v.SetDefault("image-file", "image.ub")
	v.SetDefault("flash-kernel-label", `"kernel"`)
	v.SetDefault("flash-boot-label", `"boot"`)
	v.SetDefault("flash-script-label", `"bootscr"`)
	v.SetDefault("dumpimage-tool", "dumpimage")
	v.SetDefault("fdtget-tool", "fdtget")
	v.SetDefault("flashcp-tool", "flashcp")
	v.SetDefault("partition-table", "/proc/mtd")
	v.SetDefault("tool-timeout", 10*time.Minute)
	v.SetDefault("allow-reboot", false)
	v.SetDefault("allow-only-primary-upload", false)
	v.SetDefault("allow-remote-releases", true)
	v.SetDefault("release-repositories", []string{})
	v.SetDefault("release-source", SourceGitHub)
	v.SetDefault("github-api-url", "https://api.github.com")
	v.SetDefault("github-token", "")
	v.SetDefault("s3-bucket", "")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("http-timeout", 60*time.Second)
	v.SetDefault("max-upload-size", 512*1024*1024)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration through v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (will be LOKI_UPDATE_LISTEN_ADDR, etc.)
	v.SetEnvPrefix("LOKI_UPDATE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.loki-update")
	v.AddConfigPath("/etc/loki-update")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	paths := map[string]string{
		"emmc-base-path":   c.EMMCBasePath,
		"sd-base-path":     c.SDBasePath,
		"backup-base-path": c.BackupBasePath,
		"staging-dir":      c.StagingDir,
		"lock-dir":         c.LockDir,
		"sqlite-path":      c.SQLitePath,
		"fsm-db-path":      c.FSMDBPath,
	}
	for key, p := range paths {
		if p == "" {
			return fmt.Errorf("%s cannot be empty", key)
		}
	}
	if c.LoaderFile == "" || c.ScriptFile == "" || c.ImageFile == "" {
		return fmt.Errorf("boot chain file names cannot be empty")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("max-upload-size must be positive")
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("tool-timeout must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http-timeout must be positive")
	}
	switch c.ReleaseSource {
	case SourceGitHub:
	case SourceS3:
		if c.AllowRemoteReleases && c.S3Bucket == "" {
			return fmt.Errorf("s3-bucket cannot be empty when release-source is s3")
		}
	default:
		return fmt.Errorf("unknown release-source %q", c.ReleaseSource)
	}
	if _, err := c.Repositories(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log-format %q", c.LogFormat)
	}
	return nil
}

// Policy returns the policy flags.
func (c *Config) Policy() model.Policy {
	return model.Policy{
		AllowReboot:            c.AllowReboot,
		AllowOnlyPrimaryUpload: c.AllowOnlyPrimaryUpload,
		AllowRemoteReleases:    c.AllowRemoteReleases,
	}
}

// BootChain returns the boot chain file names.
func (c *Config) BootChain() model.BootChain {
	return model.BootChain{Loader: c.LoaderFile, Script: c.ScriptFile, Image: c.ImageFile}
}

// BasePaths maps container backed targets to their mount points.
func (c *Config) BasePaths() map[model.Target]string {
	return map[model.Target]string{
		model.TargetEMMC:   c.EMMCBasePath,
		model.TargetSD:     c.SDBasePath,
		model.TargetBackup: c.BackupBasePath,
	}
}

// FlashLabels maps file roles to flash partition labels.
func (c *Config) FlashLabels() map[string]string {
	return map[string]string{
		model.RoleImage:  c.FlashKernelLabel,
		model.RoleLoader: c.FlashBootLabel,
		model.RoleScript: c.FlashScriptLabel,
	}
}

// Repositories parses release-repositories.
func (c *Config) Repositories() ([]release.Repository, error) {
	var repos []release.Repository
	for _, s := range c.ReleaseRepositories {
		if strings.TrimSpace(s) == "" {
			continue
		}
		r, err := release.ParseRepository(s)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, nil
}
