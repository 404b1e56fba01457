// Package snapshot exports configured tables to CSV before a rollback and
// merges them back afterwards.
package snapshot

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ksred/dbmigrator/internal/utils"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// TimestampLayout formats the UTC timestamp in export file names
const TimestampLayout = "20060102_150405"

const chunkSize = 64 * 1024

// stagingTable is session-local and dropped when its transaction commits
const stagingTable = "dbmigrator_restore_staging"

const undefinedTable = "42P01"

// ErrNoBulkChannel is returned when tables are configured but the driver has
// no bulk copy channel
var ErrNoBulkChannel = errors.New("database driver has no bulk copy channel")

// ErrTableMissing is returned by Columns when the table no longer exists
var ErrTableMissing = errors.New("table does not exist")

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// BulkConn is a dedicated connection speaking the database's bulk copy
// protocol. It is never shared with the engine's transaction.
type BulkConn interface {
	// Exec runs sql and returns the rows affected
	Exec(ctx context.Context, sql string) (int64, error)
	// CopyOut streams the output of a COPY ... TO STDOUT statement into w
	CopyOut(ctx context.Context, w io.Writer, sql string) (int64, error)
	// CopyIn feeds r to a COPY ... FROM STDIN statement
	CopyIn(ctx context.Context, r io.Reader, sql string) (int64, error)
	// Columns lists the live columns of table in ordinal order
	Columns(ctx context.Context, table string) ([]Column, error)
	Close(ctx context.Context) error
}

// Dialer opens bulk connections to the engine's database
type Dialer interface {
	Open(ctx context.Context) (BulkConn, error)
}

// Column is one live column of a table. Generated columns are computed by
// the database and never inserted.
type Column struct {
	Name      string
	Generated bool
}

// File is one exported table
type File struct {
	Table string
	Path  string
}

// Snapshot is the set of files written by one Export
type Snapshot struct {
	ID    string
	Files []File
}

// Empty reports whether the snapshot holds no tables
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Files) == 0
}

// Agent exports and restores table snapshots
type Agent struct {
	dialer Dialer
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

// NewAgent creates a snapshot agent writing into dir. dialer may be nil for
// drivers without a bulk channel, in which case only empty snapshots work.
func NewAgent(dialer Dialer, dir string, logger zerolog.Logger) *Agent {
	return &Agent{
		dialer: dialer,
		dir:    dir,
		logger: utils.Component(logger, "snapshot"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Export writes every table to export_<timestamp>_<table>.csv. With no tables
// it returns an empty snapshot without touching the database.
func (a *Agent) Export(ctx context.Context, tables []string) (*Snapshot, error) {
	snap := &Snapshot{ID: a.now().UTC().Format(TimestampLayout)}
	if len(tables) == 0 {
		return snap, nil
	}

	if a.dialer == nil {
		return nil, ErrNoBulkChannel
	}
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return nil, fmt.Errorf("create exports directory: %w", err)
	}
	id, err := a.freeID(snap.ID)
	if err != nil {
		return nil, fmt.Errorf("read exports directory: %w", err)
	}
	snap.ID = id

	conn, err := a.dialer.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open bulk connection: %w", err)
	}
	defer a.closeConn(conn)

	for _, table := range tables {
		path := filepath.Join(a.dir, fmt.Sprintf("export_%s_%s.csv", snap.ID, fileSafe(table)))

		start := time.Now()
		rows, err := a.exportTable(ctx, conn, table, path)
		if err != nil {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				a.logger.Warn().Err(rmErr).Str("path", path).Msg("Failed to remove partial export")
			}
			return snap, fmt.Errorf("export %s: %w", table, err)
		}

		snap.Files = append(snap.Files, File{Table: table, Path: path})
		a.logger.Info().
			Str("table", table).
			Str("path", path).
			Int64("rows", rows).
			Dur("duration", time.Since(start)).
			Msg("Table exported")
	}

	return snap, nil
}

// freeID returns base, or base with a numeric suffix when an earlier export
// in the same second already used it
func (a *Agent) freeID(base string) (string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return "", err
	}
	taken := func(id string) bool {
		prefix := "export_" + id + "_"
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), prefix) {
				return true
			}
		}
		return false
	}

	id := base
	for n := 2; taken(id); n++ {
		id = fmt.Sprintf("%s_%d", base, n)
	}
	return id, nil
}

func (a *Agent) exportTable(ctx context.Context, conn BulkConn, table, path string) (int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return 0, err
	}

	buffered := bufio.NewWriterSize(file, chunkSize)
	query := fmt.Sprintf("COPY (SELECT * FROM %s) TO STDOUT WITH (FORMAT csv, HEADER true)", QuoteTable(table))

	rows, err := conn.CopyOut(ctx, buffered, query)
	if err == nil {
		err = buffered.Flush()
	}
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	return rows, err
}

// Restore merges every file of snap back into its table. Rows whose key
// already exists are left untouched. Each table is restored in its own
// transaction on the bulk connection; a failing table does not stop the
// others and all failures are returned together. Tables that no longer
// exist are skipped.
func (a *Agent) Restore(ctx context.Context, snap *Snapshot) error {
	if snap.Empty() {
		return nil
	}
	if a.dialer == nil {
		return ErrNoBulkChannel
	}

	conn, err := a.dialer.Open(ctx)
	if err != nil {
		return fmt.Errorf("open bulk connection: %w", err)
	}
	defer a.closeConn(conn)

	var errs []error
	for _, f := range snap.Files {
		start := time.Now()
		inserted, err := a.restoreFile(ctx, conn, f)
		if err != nil {
			if isTableMissing(err) {
				a.logger.Warn().
					Str("table", f.Table).
					Str("path", f.Path).
					Msg("Table no longer exists, export not restored")
				continue
			}
			a.logger.Error().Err(err).Str("table", f.Table).Msg("Table restore failed")
			errs = append(errs, fmt.Errorf("restore %s from %s: %w", f.Table, f.Path, err))
			continue
		}
		a.logger.Info().
			Str("table", f.Table).
			Int64("rows_inserted", inserted).
			Dur("duration", time.Since(start)).
			Msg("Table restored")
	}

	return errors.Join(errs...)
}

func (a *Agent) restoreFile(ctx context.Context, conn BulkConn, f File) (int64, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	columns, err := readHeader(file)
	if err != nil {
		if errors.Is(err, io.EOF) {
			a.logger.Warn().Str("path", f.Path).Msg("Export file is empty, nothing to restore")
			return 0, nil
		}
		return 0, fmt.Errorf("read header: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	current, err := conn.Columns(ctx, f.Table)
	if err != nil {
		return 0, fmt.Errorf("list columns: %w", err)
	}
	if len(current) == 0 {
		return 0, fmt.Errorf("list columns: %w", ErrTableMissing)
	}
	merged, dropped := splitColumns(columns, current)
	if len(merged) == 0 {
		return 0, fmt.Errorf("no exported column exists in %s any more", f.Table)
	}
	if len(dropped) > 0 {
		a.logger.Warn().
			Str("table", f.Table).
			Strs("columns", dropped).
			Msg("Exported columns no longer in table, their values are not restored")
	}

	target := QuoteTable(f.Table)
	staging := pq.QuoteIdentifier(stagingTable)
	loadCols := quoteColumns(columns)
	mergeCols := quoteColumns(merged)

	if _, err := conn.Exec(ctx, "BEGIN"); err != nil {
		return 0, err
	}

	inserted, err := func() (int64, error) {
		create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", staging, target)
		if _, err := conn.Exec(ctx, create); err != nil {
			return 0, fmt.Errorf("create staging table: %w", err)
		}
		// Columns the table lost since the export are loaded as text and left behind
		for _, col := range dropped {
			alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s text", staging, pq.QuoteIdentifier(col))
			if _, err := conn.Exec(ctx, alter); err != nil {
				return 0, fmt.Errorf("extend staging table: %w", err)
			}
		}

		copyIn := fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv, HEADER true)", staging, loadCols)
		if _, err := conn.CopyIn(ctx, bufio.NewReaderSize(file, chunkSize), copyIn); err != nil {
			return 0, fmt.Errorf("load staging table: %w", err)
		}

		// Exported identity values are kept, including GENERATED ALWAYS ones
		merge := fmt.Sprintf("INSERT INTO %s (%s) OVERRIDING SYSTEM VALUE SELECT %s FROM %s ON CONFLICT DO NOTHING",
			target, mergeCols, mergeCols, staging)
		n, err := conn.Exec(ctx, merge)
		if err != nil {
			return 0, fmt.Errorf("merge staged rows: %w", err)
		}

		if _, err := conn.Exec(ctx, "COMMIT"); err != nil {
			return 0, fmt.Errorf("commit: %w", err)
		}
		return n, nil
	}()
	if err != nil {
		// The caller's context may already be done
		rbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, rbErr := conn.Exec(rbCtx, "ROLLBACK"); rbErr != nil {
			a.logger.Warn().Err(rbErr).Str("table", f.Table).Msg("Failed to roll back restore")
		}
		return 0, err
	}

	return inserted, nil
}

func (a *Agent) closeConn(conn BulkConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close bulk connection")
	}
}

// readHeader returns the column names of a CSV export
func readHeader(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("empty header")
	}
	return header, nil
}

// QuoteTable quotes a possibly schema-qualified table name
func QuoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// splitColumns partitions exported columns into those the table still has
// and those it has lost. Generated columns are in neither list: the staging
// table has them and the database recomputes them on insert.
func splitColumns(exported []string, current []Column) (merged, dropped []string) {
	present := make(map[string]Column, len(current))
	for _, c := range current {
		present[c.Name] = c
	}
	for _, name := range exported {
		c, ok := present[name]
		switch {
		case !ok:
			dropped = append(dropped, name)
		case !c.Generated:
			merged = append(merged, name)
		}
	}
	return merged, dropped
}

func isTableMissing(err error) bool {
	if errors.Is(err, ErrTableMissing) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}

func quoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

func fileSafe(table string) string {
	return unsafeFileChars.ReplaceAllString(table, "_")
}
