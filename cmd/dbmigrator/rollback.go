package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ksred/dbmigrator/internal/cli"
	"github.com/ksred/dbmigrator/internal/migrator"
	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <target>",
	Short: "Roll back migrations applied after target",
	Long: `Undo every migration applied after target, most recent first, using the
<name>_Rollback.sql scripts. Pass "all" to undo the whole history.

Configured tables are exported and a backup is taken first; the rollback is
refused when no backup can be taken.`,
	Example: `  # Undo everything applied after 20240101_0001_create_users
  dbmigrator rollback 20240101_0001_create_users

  # Undo every migration
  dbmigrator rollback all`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, db, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeDatabase(db)

		if err := engine.RollbackToMigration(ctx, target); err != nil {
			return cli.EngineError("rolling back", err)
		}

		if target == migrator.AllMigrations {
			fmt.Fprintln(cmd.OutOrStdout(), "All migrations rolled back.")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back to %s.\n", target)
		}
		return nil
	},
}
