package main

import (
	"context"
	"os"
	"time"

	"github.com/ksred/dbmigrator/internal/cli"
	"github.com/ksred/dbmigrator/internal/config"
	"github.com/ksred/dbmigrator/internal/database"
	"github.com/ksred/dbmigrator/internal/migrator"
	"github.com/ksred/dbmigrator/internal/utils"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global state set during PersistentPreRunE
	cfg    *config.Config
	logger zerolog.Logger

	// Persistent flags
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "dbmigrator",
	Short: "Apply and roll back SQL migration scripts",
	Long: `dbmigrator - SQL migration engine

Applies ordered SQL scripts from an apply directory in one transaction, records
them in the applied_scripts ledger and rolls them back with paired
<name>_Rollback.sql scripts. Every change is preceded by a database backup.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Commands that never touch the database or config
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "hash-key" {
			return nil
		}

		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return cli.ConfigError("loading configuration", err)
		}
		if logLevel != "" {
			cfg.Server.LogLevel = logLevel
		}

		logger = utils.SetupGlobalLogger(utils.LoggerConfig{
			Level:      cfg.Server.LogLevel,
			Pretty:     cfg.Server.Debug,
			CallerInfo: cfg.Server.Debug,
			LogFile:    os.Getenv("LOG_FILE"),
		})
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: auto-discover dbmigrator.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override server.log_level")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(hashKeyCmd)
}

// openEngine connects to the configured database, creates the working
// directories and wires the engine. The caller closes the database.
func openEngine(ctx context.Context) (*migrator.Engine, *database.Database, error) {
	if err := migrator.EnsureDirectories(cfg.Migrator); err != nil {
		return nil, nil, cli.GeneralError("creating directories", err)
	}

	db := database.NewDatabase(cfg.Database, logger)

	connectCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := db.Connect(connectCtx); err != nil {
		return nil, nil, cli.DBConnectError("connecting to database", err)
	}
	if err := db.Health(connectCtx); err != nil {
		db.Close()
		return nil, nil, cli.DBConnectError("checking database", err)
	}

	logger.Info().
		Str("driver", cfg.Database.Driver).
		Str("database", cfg.Database.DBName).
		Msg("Database connection established")

	return migrator.NewFromConfig(cfg, db.DB(), logger), db, nil
}

func closeDatabase(db *database.Database) {
	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close database connection")
	}
}
