// Package migrator orchestrates applying and rolling back SQL scripts with a
// backup and snapshot safety net around every mutation.
package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/dbmigrator/internal/backup"
	"github.com/ksred/dbmigrator/internal/config"
	"github.com/ksred/dbmigrator/internal/database"
	"github.com/ksred/dbmigrator/internal/ledger"
	"github.com/ksred/dbmigrator/internal/models"
	"github.com/ksred/dbmigrator/internal/scripts"
	"github.com/ksred/dbmigrator/internal/snapshot"
	"github.com/ksred/dbmigrator/internal/utils"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Backup labels
const (
	LabelBeforeApply    = "before_apply"
	LabelBeforeRollback = "before_rollback"
)

// Backuper takes full database backups
type Backuper interface {
	Backup(ctx context.Context, label string) (backup.Result, error)
}

// Snapshotter exports tables before a rollback and merges them back after it
type Snapshotter interface {
	Export(ctx context.Context, tables []string) (*snapshot.Snapshot, error)
	Restore(ctx context.Context, snap *snapshot.Snapshot) error
}

// Options tune the engine
type Options struct {
	TablesToExport      []string
	UnknownTargetPolicy string
	// OperationTimeout bounds a whole apply or rollback; zero means no limit
	OperationTimeout time.Duration
}

// OptionsFromConfig extracts engine options from the migrator config
func OptionsFromConfig(cfg config.Migrator) Options {
	return Options{
		TablesToExport:      cfg.TablesToExport,
		UnknownTargetPolicy: cfg.UnknownTargetPolicy,
		OperationTimeout:    cfg.OperationTimeout,
	}
}

// Status is a read-only view of the migration state
type Status struct {
	LedgerExists bool                   `json:"ledger_exists"`
	Applied      []models.AppliedScript `json:"applied"`
	Pending      []scripts.ScriptRef    `json:"pending"`
}

// Engine applies pending scripts and rolls back applied ones. The ledger is
// the only source for what has been applied.
type Engine struct {
	db        *gorm.DB
	repo      *scripts.Repository
	ledger    *ledger.Ledger
	backups   Backuper
	snapshots Snapshotter
	opts      Options
	logger    zerolog.Logger
}

// New creates an engine. snapshots may be nil when no tables are exported.
func New(db *gorm.DB, repo *scripts.Repository, l *ledger.Ledger, backups Backuper, snapshots Snapshotter, opts Options, logger zerolog.Logger) *Engine {
	if opts.UnknownTargetPolicy == "" {
		opts.UnknownTargetPolicy = config.UnknownTargetAll
	}
	return &Engine{
		db:        db,
		repo:      repo,
		ledger:    l,
		backups:   backups,
		snapshots: snapshots,
		opts:      opts,
		logger:    utils.Component(logger, "migrator"),
	}
}

// ApplyPendingScripts runs every forward script not yet in the ledger, in file
// name order, inside one transaction. With nothing pending it returns nil
// without taking a backup or opening a transaction.
func (e *Engine) ApplyPendingScripts(ctx context.Context) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if err := e.ping(ctx); err != nil {
		return err
	}

	applied, err := e.ledger.ListApplied(ctx, e.db)
	if err != nil {
		if !errors.Is(err, ledger.ErrTableMissing) {
			return fmt.Errorf("read ledger: %w", err)
		}
		e.logger.Info().Msg("Ledger table not found, treating history as empty")
	}

	pending, err := e.repo.ListPending(ledger.AppliedNames(applied))
	if err != nil {
		return fmt.Errorf("list pending scripts: %w", err)
	}
	if len(pending) == 0 {
		e.logger.Info().Int("applied", len(applied)).Msg("No pending scripts")
		return nil
	}

	e.logger.Info().Int("pending", len(pending)).Msg("Applying pending scripts")

	// Best effort: a failed or skipped backup does not stop the apply
	if result, err := e.backups.Backup(ctx, LabelBeforeApply); err != nil {
		e.logger.Warn().Err(err).Msg("Backup before apply failed, continuing without one")
	} else if result.Skipped {
		e.logger.Warn().Msg("Backup before apply skipped, dump utility unavailable")
	}

	start := time.Now()
	err = e.inTransaction(ctx, func(tx *gorm.DB) error {
		for _, script := range pending {
			if err := e.applyScript(ctx, tx, script); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("Apply aborted, transaction rolled back")
		return err
	}

	e.logger.Info().
		Int("applied", len(pending)).
		Dur("duration", time.Since(start)).
		Msg("Pending scripts applied")
	return nil
}

func (e *Engine) applyScript(ctx context.Context, tx *gorm.DB, script scripts.ScriptRef) error {
	text, err := scripts.Read(script.Path)
	if err != nil {
		return &ScriptError{Script: script.Name, Err: err}
	}

	start := time.Now()
	if err := execScript(ctx, tx, text); err != nil {
		return &ScriptError{Script: script.Name, Err: err}
	}

	if _, err := e.ledger.Record(ctx, tx, script.Name, script.MigrationName); err != nil {
		if !errors.Is(err, ledger.ErrTableMissing) {
			return fmt.Errorf("record %s: %w", script.Name, err)
		}
		e.logger.Warn().
			Str("script", script.Name).
			Msg("Ledger table does not exist yet, script not recorded")
	}

	e.logger.Info().
		Str("script", script.Name).
		Dur("duration", time.Since(start)).
		Msg("Script applied")
	return nil
}

// rollbackStep pairs a ledger record with its reverse script
type rollbackStep struct {
	record models.AppliedScript
	path   string
}

// RollbackToMigration undoes every migration applied after target, most
// recent first. target "all" or "" undoes the whole history. The configured
// tables are exported and a backup is taken before anything is changed; after
// commit the export is merged back.
func (e *Engine) RollbackToMigration(ctx context.Context, target string) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if err := e.ping(ctx); err != nil {
		return err
	}

	applied, err := e.ledger.ListApplied(ctx, e.db)
	if err != nil {
		if errors.Is(err, ledger.ErrTableMissing) {
			return fmt.Errorf("%w: %w", ErrLedgerMissing, err)
		}
		return fmt.Errorf("read ledger: %w", err)
	}

	set, widened, err := rollbackSet(applied, target, e.opts.UnknownTargetPolicy)
	if err != nil {
		return err
	}
	if widened {
		e.logger.Warn().
			Str("target", target).
			Msg("Rollback target not in ledger, rolling back all migrations")
	}
	if len(set) == 0 {
		return ErrNothingToRollBack
	}

	// Every reverse script must exist before anything is exported or changed
	steps := make([]rollbackStep, 0, len(set))
	for _, record := range set {
		path, err := e.repo.ResolveRollbackScript(record.MigrationName)
		if err != nil {
			return &MissingReverseScriptError{Migration: record.MigrationName, Err: err}
		}
		steps = append(steps, rollbackStep{record: record, path: path})
	}

	e.logger.Info().
		Str("target", target).
		Int("migrations", len(steps)).
		Msg("Rolling back migrations")

	snap, err := e.export(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshot, err)
	}

	result, err := e.backups.Backup(ctx, LabelBeforeRollback)
	if err != nil {
		return fmt.Errorf("backup before rollback: %w", err)
	}
	if result.Skipped {
		return fmt.Errorf("%w: rollback requires a backup", ErrBackupUnavailable)
	}

	start := time.Now()
	err = e.inTransaction(ctx, func(tx *gorm.DB) error {
		for _, step := range steps {
			if err := e.reverseScript(ctx, tx, step); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("snapshot", snapshotID(snap)).
			Msg("Rollback aborted, transaction rolled back; snapshot kept on disk")
		return err
	}

	e.logger.Info().
		Int("rolled_back", len(steps)).
		Dur("duration", time.Since(start)).
		Msg("Rollback committed")

	if e.snapshots != nil {
		if err := e.snapshots.Restore(ctx, snap); err != nil {
			e.logger.Error().
				Err(err).
				Str("snapshot", snapshotID(snap)).
				Msg("Rollback committed but snapshot restore failed")
			return fmt.Errorf("%w: rollback to %q is committed, reload snapshot %s by hand: %w",
				ErrRestore, target, snapshotID(snap), err)
		}
	}

	return nil
}

func (e *Engine) reverseScript(ctx context.Context, tx *gorm.DB, step rollbackStep) error {
	name := step.record.MigrationName + scripts.RollbackSuffix + scripts.Extension

	text, err := scripts.Read(step.path)
	if err != nil {
		return &ScriptError{Script: name, Err: err}
	}
	if err := execScript(ctx, tx, text); err != nil {
		return &ScriptError{Script: name, Err: err}
	}
	if err := e.ledger.Remove(ctx, tx, step.record); err != nil {
		return err
	}

	e.logger.Info().
		Str("migration", step.record.MigrationName).
		Str("script", name).
		Msg("Migration rolled back")
	return nil
}

// Status reports the ledger contents and the scripts still pending
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	if err := e.ping(ctx); err != nil {
		return nil, err
	}

	status := &Status{LedgerExists: true}
	applied, err := e.ledger.ListApplied(ctx, e.db)
	if err != nil {
		if !errors.Is(err, ledger.ErrTableMissing) {
			return nil, fmt.Errorf("read ledger: %w", err)
		}
		status.LedgerExists = false
	}
	status.Applied = applied
	if status.Applied == nil {
		status.Applied = []models.AppliedScript{}
	}

	status.Pending, err = e.repo.ListPending(ledger.AppliedNames(applied))
	if err != nil {
		return nil, fmt.Errorf("list pending scripts: %w", err)
	}
	return status, nil
}

func (e *Engine) export(ctx context.Context) (*snapshot.Snapshot, error) {
	if e.snapshots == nil {
		if len(e.opts.TablesToExport) > 0 {
			return nil, snapshot.ErrNoBulkChannel
		}
		return nil, nil
	}
	return e.snapshots.Export(ctx, e.opts.TablesToExport)
}

// inTransaction runs fn in one transaction. Every exit path other than a
// successful commit rolls back, including a panic inside fn.
func (e *Engine) inTransaction(ctx context.Context, fn func(tx *gorm.DB) error) (err error) {
	tx := e.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin transaction: %w", tx.Error)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback().Error; rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			e.logger.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit().Error; err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (e *Engine) ping(ctx context.Context) error {
	if err := database.Ping(ctx, e.db); err != nil {
		return &ConnectivityError{Err: err}
	}
	return nil
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.OperationTimeout > 0 {
		return context.WithTimeout(ctx, e.opts.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// execScript runs text verbatim on the transaction's connection. It may hold
// several statements, so it bypasses gorm's statement building.
func execScript(ctx context.Context, tx *gorm.DB, text string) error {
	_, err := tx.Statement.ConnPool.ExecContext(ctx, text)
	return err
}

func snapshotID(snap *snapshot.Snapshot) string {
	if snap == nil {
		return ""
	}
	return snap.ID
}
