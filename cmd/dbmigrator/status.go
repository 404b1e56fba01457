package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ksred/dbmigrator/internal/cli"
	"github.com/ksred/dbmigrator/internal/migrator"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Example: `  # Human readable
  dbmigrator status

  # Machine readable
  dbmigrator status --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, db, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDatabase(db)

		status, err := engine.Status(cmd.Context())
		if err != nil {
			return cli.EngineError("reading status", err)
		}

		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		}
		return printStatus(cmd.OutOrStdout(), status)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
}

func printStatus(w io.Writer, s *migrator.Status) error {
	if !s.LedgerExists {
		fmt.Fprintln(w, "Ledger table: missing (created by the first script)")
	} else {
		fmt.Fprintln(w, "Ledger table: present")
	}

	fmt.Fprintf(w, "\nApplied (%d):\n", len(s.Applied))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, a := range s.Applied {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", a.MigrationName, a.ScriptName, a.AppliedOn.UTC().Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nPending (%d):\n", len(s.Pending))
	for _, p := range s.Pending {
		fmt.Fprintf(w, "  %s\n", p.Name)
	}
	return nil
}
