package main

import (
	"github.com/spf13/cobra"

	"github.com/fruitsalade/dropsync/internal/config"
)

// globalOptions holds flags that override environment settings.
type globalOptions struct {
	watchDir   string
	ledgerFile string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "dropsync",
		Short:         "Upload finished files from a watched directory to a blob store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.watchDir, "watch-dir", "", "Directory to watch (overrides WATCH_DIR)")
	rootCmd.PersistentFlags().StringVar(&opts.ledgerFile, "ledger", "", "Ledger file path (overrides LEDGER_FILE)")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newLedgerCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.watchDir != "" {
		cfg.WatchDir = opts.watchDir
	}
	if opts.ledgerFile != "" {
		cfg.LedgerFile = opts.ledgerFile
	}
	return cfg, nil
}
