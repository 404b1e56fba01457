package migrator

import (
	"context"
	"fmt"
	"os"

	"github.com/ksred/dbmigrator/internal/config"
	"github.com/rs/zerolog"
)

// Applier is the part of the engine the startup hook needs
type Applier interface {
	ApplyPendingScripts(ctx context.Context) error
}

// RunOnStartup applies pending scripts while a host starts. Failures are
// logged and swallowed so the host keeps serving; the ledger shows what ran.
func RunOnStartup(ctx context.Context, applier Applier, logger zerolog.Logger) {
	logger.Info().Msg("Applying pending migrations on startup")
	if err := applier.ApplyPendingScripts(ctx); err != nil {
		logger.Error().Err(err).Msg("Startup migration failed")
		return
	}
	logger.Info().Msg("Startup migration finished")
}

// EnsureDirectories creates the script, backup and export directories
func EnsureDirectories(cfg config.Migrator) error {
	for _, dir := range []string{
		cfg.ApplyScriptsFolder,
		cfg.RollbackScriptsFolder,
		cfg.BackupsFolder,
		cfg.ExportsFolder,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
