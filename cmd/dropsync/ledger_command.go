package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/dropsync/internal/ledger"
)

func newLedgerCommand(opts *globalOptions) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the upload ledger",
	}
	ledgerCmd.AddCommand(newLedgerListCommand(opts))
	ledgerCmd.AddCommand(newLedgerHasCommand(opts))
	return ledgerCmd
}

func newLedgerListCommand(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List uploaded files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readLedger(opts)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, records)
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No uploads recorded")
				return nil
			}
			fmt.Fprintln(out, renderRecords(records, time.Now()))
			fmt.Fprintf(out, "%d uploaded\n", len(records))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newLedgerHasCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "has <identity>",
		Short: "Report whether an identity was uploaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readLedger(opts)
			if err != nil {
				return err
			}
			for _, r := range records {
				if r.Identity == args[0] {
					remote := r.RemoteID
					if remote == "" {
						remote = "-"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s uploaded as %s\n", r.Identity, remote)
					return nil
				}
			}
			return fmt.Errorf("%s has not been uploaded", args[0])
		},
	}
}

// readLedger loads the ledger without taking its lock, so it works while
// the daemon is running. A missing file is an empty ledger.
func readLedger(opts *globalOptions) ([]ledger.Record, error) {
	path := opts.ledgerFile
	if path == "" {
		cfg, err := loadConfig(opts)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		path = cfg.LedgerFile
	}
	records, err := ledger.ReadRecords(path)
	if errors.Is(err, os.ErrNotExist) {
		return []ledger.Record{}, nil
	}
	return records, err
}

func renderRecords(records []ledger.Record, now time.Time) string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		size, uploaded, remote := "-", "-", r.RemoteID
		if r.Size > 0 {
			size = humanize.Bytes(uint64(r.Size))
		}
		if !r.UploadedAt.IsZero() {
			uploaded = humanize.RelTime(r.UploadedAt, now, "ago", "from now")
		}
		if remote == "" {
			remote = "-"
		}
		rows = append(rows, []string{r.Identity, remote, size, uploaded})
	}
	return renderTable(
		[]string{"Identity", "Remote ID", "Size", "Uploaded"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	)
}
