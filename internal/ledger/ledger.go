// Package ledger reads and writes the applied_scripts table, the source of
// truth for which migrations have been committed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ksred/dbmigrator/internal/config"
	"github.com/ksred/dbmigrator/internal/models"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// undefinedTable is the PostgreSQL SQLSTATE for a missing relation
const undefinedTable = "42P01"

// ErrTableMissing is returned while the ledger table has not been created yet
var ErrTableMissing = errors.New("ledger table does not exist")

// Ledger records applied migrations. Record and Remove take the caller's
// transaction so ledger changes commit or abort with the scripts.
type Ledger struct {
	now func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides the timestamp source for AppliedOn
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Exists reports whether the ledger table is present
func (l *Ledger) Exists(ctx context.Context, db *gorm.DB) bool {
	return db.WithContext(ctx).Migrator().HasTable(&models.AppliedScript{})
}

// ListApplied returns every ledger row ordered by AppliedOn, then ID. It
// returns ErrTableMissing when the table has not been created.
func (l *Ledger) ListApplied(ctx context.Context, db *gorm.DB) ([]models.AppliedScript, error) {
	var rows []models.AppliedScript
	err := db.WithContext(ctx).
		Order("applied_on ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		if IsUndefinedTable(err) {
			return nil, fmt.Errorf("%w: %v", ErrTableMissing, err)
		}
		return nil, fmt.Errorf("list applied scripts: %w", err)
	}
	return rows, nil
}

// Record inserts a ledger row inside tx. The table is probed first rather
// than letting the insert fail: on PostgreSQL a failed statement poisons
// the whole transaction.
func (l *Ledger) Record(ctx context.Context, tx *gorm.DB, scriptName, migrationName string) (*models.AppliedScript, error) {
	if !l.Exists(ctx, tx) {
		return nil, ErrTableMissing
	}

	record := &models.AppliedScript{
		ScriptName:    scriptName,
		MigrationName: migrationName,
		AppliedOn:     l.now(),
	}
	if err := tx.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("record %s: %w", migrationName, err)
	}
	return record, nil
}

// Remove deletes a ledger row inside tx. A row that is already gone means a
// concurrent rollback got there first and is reported as an error.
func (l *Ledger) Remove(ctx context.Context, tx *gorm.DB, record models.AppliedScript) error {
	result := tx.WithContext(ctx).Delete(&models.AppliedScript{}, record.ID)
	if result.Error != nil {
		return fmt.Errorf("remove %s: %w", record.MigrationName, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("remove %s: ledger row %d no longer exists", record.MigrationName, record.ID)
	}
	return nil
}

// AppliedNames returns the set of logical names in records
func AppliedNames(records []models.AppliedScript) map[string]struct{} {
	names := make(map[string]struct{}, len(records))
	for _, r := range records {
		names[r.MigrationName] = struct{}{}
	}
	return names
}

// IsUndefinedTable reports whether err is a "relation does not exist" error
// from any of the supported drivers.
func IsUndefinedTable(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == undefinedTable
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == undefinedTable
	}

	return strings.Contains(strings.ToLower(err.Error()), "no such table")
}

// BootstrapSQL returns DDL that creates the ledger table. A project's first
// forward script is expected to contain it.
func BootstrapSQL(driver string) string {
	if driver == config.DriverSQLite {
		return `CREATE TABLE IF NOT EXISTS applied_scripts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	script_name VARCHAR(255) NOT NULL,
	migration_name VARCHAR(255) NOT NULL,
	applied_on DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_applied_scripts_migration_name ON applied_scripts (migration_name);
`
	}
	return `CREATE TABLE IF NOT EXISTS applied_scripts (
	id SERIAL PRIMARY KEY,
	script_name VARCHAR(255) NOT NULL,
	migration_name VARCHAR(255) NOT NULL,
	applied_on TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_applied_scripts_migration_name ON applied_scripts (migration_name);
`
}
