package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/dropsync/internal/blobstore"
	"github.com/fruitsalade/dropsync/internal/config"
	"github.com/fruitsalade/dropsync/internal/daemon"
	"github.com/fruitsalade/dropsync/internal/dispatch"
	"github.com/fruitsalade/dropsync/internal/events"
	"github.com/fruitsalade/dropsync/internal/ledger"
	"github.com/fruitsalade/dropsync/internal/logging"
	"github.com/fruitsalade/dropsync/internal/patterns"
	"github.com/fruitsalade/dropsync/internal/stability"
	"github.com/fruitsalade/dropsync/internal/watcher"
)

func newRunCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the directory and upload settled files (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
}

func runDaemon(parent context.Context, opts *globalOptions) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()

	logging.Info("dropsync starting",
		zap.String("version", version),
		zap.String("watch_dir", cfg.WatchDir),
		zap.String("ledger", cfg.LedgerFile),
		zap.String("backend", cfg.BlobBackend),
		zap.String("container", cfg.ContainerName),
		zap.String("identity_mode", cfg.IdentityMode))

	matcher, err := patterns.NewMatcher(cfg.IgnorePatterns)
	if err != nil {
		return fmt.Errorf("ignore patterns: %w", err)
	}
	logging.Info("ignoring files", zap.Strings("patterns", matcher.Patterns()))

	led, err := ledger.Open(cfg.LedgerFile)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()

	store, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	defer store.Close()

	containerID, err := ensureContainer(ctx, store, cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.WatchDir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	fw, err := watcher.New(cfg.WatchDir)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	fw.Start()
	defer fw.Stop()

	tracker := stability.NewTracker(matcher)
	broadcaster := events.NewBroadcaster()
	dispatcher := dispatch.New(store, led, dispatch.Config{
		IdentityMode: cfg.IdentityMode,
		ContainerID:  containerID,
		Timeout:      cfg.UploadTimeout,
		Attempts:     cfg.UploadRetryAttempts,
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newStatusHandler(tracker, led, broadcaster),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			logging.Info("status server listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("status server error", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	loop := daemon.New(fw, tracker, dispatcher, broadcaster, daemon.Config{
		QuietWindow:   cfg.QuietWindow,
		SweepInterval: cfg.SweepInterval,
		Workers:       cfg.UploadWorkers,
		ScanExisting:  cfg.ScanExisting,
		Root:          fw.Root(),
	})
	if err := loop.Run(ctx); err != nil {
		return err
	}

	logging.Info("dropsync stopped", zap.Int("uploaded", led.Len()))
	return nil
}

// ensureContainer resolves the upload container once. Any failure,
// including rejected credentials, keeps the loop from starting.
func ensureContainer(ctx context.Context, store blobstore.BlobStore, cfg *config.Config) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.UploadTimeout)
	defer cancel()

	id, err := store.EnsureContainer(ctx, cfg.ContainerName)
	if err != nil {
		if blobstore.IsAuth(err) {
			logging.Error("blob store rejected credentials, refusing to start",
				zap.String("backend", store.Type()), zap.Error(err))
		}
		return "", fmt.Errorf("ensure container %q: %w", cfg.ContainerName, err)
	}
	logging.Info("upload container ready",
		zap.String("backend", store.Type()),
		zap.String("container", cfg.ContainerName),
		zap.String("container_id", id))
	return id, nil
}
