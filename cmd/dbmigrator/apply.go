package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ksred/dbmigrator/internal/cli"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply pending scripts",
	Long: `Run every forward script that is not in the ledger, in file name order,
inside one transaction. Nothing is applied if any script fails.`,
	Example: `  # Apply pending scripts
  dbmigrator apply --config dbmigrator.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, db, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeDatabase(db)

		if err := engine.ApplyPendingScripts(ctx); err != nil {
			return cli.EngineError("applying scripts", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Pending scripts applied.")
		return nil
	},
}
