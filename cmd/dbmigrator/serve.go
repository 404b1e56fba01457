package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ksred/dbmigrator/internal/api"
	"github.com/ksred/dbmigrator/internal/cli"
	"github.com/ksred/dbmigrator/internal/migrator"
	"github.com/spf13/cobra"

	// Import swagger docs
	_ "github.com/ksred/dbmigrator/docs"
)

var skipStartupApply bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP endpoints",
	Long: `Start the HTTP server. Pending scripts are applied first when
migrator.auto_apply_on_startup is set; a failure there is logged and the
server still starts. Migration endpoints are served only when
http.enable_migration_endpoints is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info().
			Int("port", cfg.HTTP.Port).
			Bool("migration_endpoints", cfg.HTTP.EnableMigrationEndpoints).
			Msg("Starting dbmigrator HTTP server")

		engine, db, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeDatabase(db)

		if cfg.Migrator.AutoApplyOnStartup && !skipStartupApply {
			migrator.RunOnStartup(ctx, engine, logger)
		} else {
			logger.Warn().Msg("Skipping startup migration")
		}

		server, err := api.NewServer(cfg, db, engine, logger)
		if err != nil {
			return cli.ConfigError("creating HTTP server", err)
		}

		serverErrChan := make(chan error, 1)
		go func() {
			if err := server.Start(cfg.HTTP.Port); err != nil {
				serverErrChan <- err
			}
		}()

		var serveErr error
		select {
		case <-ctx.Done():
			logger.Info().Msg("Received shutdown signal")
		case err := <-serverErrChan:
			logger.Error().Err(err).Msg("HTTP server error")
			serveErr = cli.GeneralError("serving HTTP", err)
		}

		logger.Info().Msg("Starting graceful shutdown")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to gracefully shutdown HTTP server")
		}

		logger.Info().Msg("Shutdown complete")
		return serveErr
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipStartupApply, "skip-migrations", false, "do not apply pending scripts on startup")
}
