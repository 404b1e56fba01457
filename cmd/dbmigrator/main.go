// Command dbmigrator applies and rolls back ordered SQL scripts against a
// database, taking a backup before every change.
//
// Usage:
//
//	dbmigrator [--config file] <command>
//
// Commands:
//   - apply: run every pending forward script in one transaction
//   - rollback <target>: undo migrations applied after target ("all" for everything)
//   - status: show applied and pending migrations
//   - serve: run the HTTP endpoints, applying pending scripts on startup
//   - token: mint an operator JWT for the HTTP endpoints
//   - hash-key: print the bcrypt hash of an operator API key
package main

import (
	"os"

	"github.com/ksred/dbmigrator/internal/cli"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(cli.Report(os.Stderr, err))
	}
}
