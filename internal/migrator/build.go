package migrator

import (
	"path/filepath"
	"strings"

	"github.com/ksred/dbmigrator/internal/backup"
	"github.com/ksred/dbmigrator/internal/config"
	"github.com/ksred/dbmigrator/internal/ledger"
	"github.com/ksred/dbmigrator/internal/scripts"
	"github.com/ksred/dbmigrator/internal/snapshot"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// NewFromConfig wires an engine with the production collaborators for the
// configured driver: pg_dump and a pgx bulk channel for PostgreSQL, a file
// copy and no bulk channel for SQLite.
func NewFromConfig(cfg *config.Config, db *gorm.DB, logger zerolog.Logger) *Engine {
	var (
		runner backup.Runner
		dialer snapshot.Dialer
	)
	name := cfg.Database.DBName
	if cfg.Database.Driver == config.DriverSQLite {
		runner = backup.NewFileCopyRunner(cfg.Database.DBName)
		name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	} else {
		runner = backup.NewPgDumpRunner(cfg.Migrator.PgDumpPath, cfg.Database)
		dialer = snapshot.NewPgxDialer(cfg.DatabaseURL())
	}

	return New(
		db,
		scripts.NewRepository(cfg.Migrator.ApplyScriptsFolder, cfg.Migrator.RollbackScriptsFolder),
		ledger.New(),
		backup.NewAgent(runner, cfg.Migrator.BackupsFolder, name, logger),
		snapshot.NewAgent(dialer, cfg.Migrator.ExportsFolder, logger),
		OptionsFromConfig(cfg.Migrator),
		logger,
	)
}
