package commands

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/aeg-devices/loki-update/internal/config"
	"github.com/aeg-devices/loki-update/pkg/api"
	"github.com/aeg-devices/loki-update/pkg/db"
	"github.com/aeg-devices/loki-update/pkg/errors"
	appfsm "github.com/aeg-devices/loki-update/pkg/fsm"
	"github.com/aeg-devices/loki-update/pkg/lock/flock"
	"github.com/aeg-devices/loki-update/pkg/pipeline"
	"github.com/aeg-devices/loki-update/pkg/release"
	"github.com/aeg-devices/loki-update/pkg/security"
	"github.com/aeg-devices/loki-update/pkg/toolexec"
	"github.com/aeg-devices/loki-update/pkg/tree"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the update service and its HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.StagingDir, cfg.LockDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if _, err := repo.FailRunning("interrupted by service restart"); err != nil {
		return err
	}

	locks, err := flock.NewDir(cfg.LockDir)
	if err != nil {
		return errors.Wrap(err, "lock dir init failed")
	}

	runner := toolexec.NewExec(cfg.ToolTimeout)
	mtdManager, err := newMTDManager(cfg, runner)
	if err != nil {
		return errors.Wrap(err, "mtd init failed")
	}
	defer mtdManager.Close()

	chain := cfg.BootChain()
	validator := security.NewValidator(cfg.MaxUploadSize, cfg.MaxUploadSize*int64(len(chain.Names())))

	p := pipeline.New(pipeline.Config{
		BasePaths:   cfg.BasePaths(),
		StagingDir:  cfg.StagingDir,
		Chain:       chain,
		FlashLabels: cfg.FlashLabels(),
		Policy:      cfg.Policy(),
	}, pipeline.Options{
		Extractor: newExtractor(cfg, runner, mtdManager),
		Flasher:   mtdManager,
		Validator: validator,
		Locks:     locks,
		History:   repo,
		Rebooter:  pipeline.UnixRebooter{},
	})

	if cfg.AllowRemoteReleases {
		manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
		if err != nil {
			return errors.Wrap(err, "FSM manager failed")
		}
		defer manager.Shutdown(10 * time.Second)

		if err := setupReleases(ctx, cfg, manager, repo, validator, p); err != nil {
			return err
		}
	}

	p.Start(ctx)
	defer p.Stop()

	if err := p.RefreshAll(ctx); err != nil {
		slog.Warn("initial_refresh_failed", "error", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(cfg.APIPrefix, tree.New(p, version), p),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http_server_started", "addr", cfg.ListenAddr, "prefix", cfg.APIPrefix)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server failed")
		}
	case <-ctx.Done():
		slog.Info("shutdown_requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http_shutdown_failed", "error", err)
	}
	return nil
}

// setupReleases queries the release catalog once and registers the release
// deployment machine.
func setupReleases(ctx context.Context, cfg *config.Config, manager *fsm.Manager, repo *db.Repository, validator *security.Validator, p *pipeline.Pipeline) error {
	source, err := newReleaseSource(ctx, cfg)
	if err != nil {
		return err
	}

	machine := appfsm.NewMachine(repo, source, validator, p, cfg.BootChain(), cfg.StagingDir)
	if _, _, err := machine.Register(ctx, manager); err != nil {
		return errors.Wrap(err, "FSM register failed")
	}
	p.SetReleaseRunner(machine)

	repos, err := cfg.Repositories()
	if err != nil {
		return err
	}
	catalog := release.Catalog(ctx, source, repos, cfg.BootChain())
	p.State().SetCatalog(catalog)
	slog.Info("release_catalog_loaded", "repositories", len(catalog))
	return nil
}
