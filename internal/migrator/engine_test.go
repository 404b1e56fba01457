package migrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/dbmigrator/internal/backup"
	"github.com/ksred/dbmigrator/internal/config"
	"github.com/ksred/dbmigrator/internal/ledger"
	"github.com/ksred/dbmigrator/internal/models"
	"github.com/ksred/dbmigrator/internal/scripts"
	"github.com/ksred/dbmigrator/internal/snapshot"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// recordingBackuper delegates to a real agent and records each label
type recordingBackuper struct {
	agent  *backup.Agent
	events *[]string
}

func (r *recordingBackuper) Backup(ctx context.Context, label string) (backup.Result, error) {
	*r.events = append(*r.events, "backup:"+label)
	return r.agent.Backup(ctx, label)
}

type fakeSnapshotter struct {
	events     *[]string
	exportErr  error
	restoreErr error
	onRestore  func()
	exported   []string
	restored   *snapshot.Snapshot
}

func (f *fakeSnapshotter) Export(_ context.Context, tables []string) (*snapshot.Snapshot, error) {
	*f.events = append(*f.events, "export")
	f.exported = tables
	if f.exportErr != nil {
		return nil, f.exportErr
	}
	snap := &snapshot.Snapshot{ID: "20240309_140507"}
	for _, t := range tables {
		snap.Files = append(snap.Files, snapshot.File{Table: t, Path: "export_20240309_140507_" + t + ".csv"})
	}
	return snap, nil
}

func (f *fakeSnapshotter) Restore(_ context.Context, snap *snapshot.Snapshot) error {
	*f.events = append(*f.events, "restore")
	f.restored = snap
	if f.onRestore != nil {
		f.onRestore()
	}
	return f.restoreErr
}

type harness struct {
	t           *testing.T
	applyDir    string
	rollbackDir string
	db          *gorm.DB
	runner      *backup.StubRunner
	snapshots   *fakeSnapshotter
	events      []string
	opts        Options
	engine      *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "engine.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	h := &harness{
		t:           t,
		applyDir:    filepath.Join(dir, "apply"),
		rollbackDir: filepath.Join(dir, "rollback"),
		db:          db,
		runner:      &backup.StubRunner{Available: true, Content: []byte("-- dump\n")},
		opts: Options{
			TablesToExport:      []string{"items"},
			UnknownTargetPolicy: config.UnknownTargetAll,
		},
	}
	h.snapshots = &fakeSnapshotter{events: &h.events}
	require.NoError(t, os.MkdirAll(h.applyDir, 0755))
	require.NoError(t, os.MkdirAll(h.rollbackDir, 0755))
	h.build()
	return h
}

// build recreates the engine so option changes take effect
func (h *harness) build() {
	agent := backup.NewAgent(h.runner, filepath.Join(h.t.TempDir(), "backups"), "engine", zerolog.Nop())
	h.engine = New(
		h.db,
		scripts.NewRepository(h.applyDir, h.rollbackDir),
		ledger.New(),
		&recordingBackuper{agent: agent, events: &h.events},
		h.snapshots,
		h.opts,
		zerolog.Nop(),
	)
}

func (h *harness) writeApply(name, sql string) {
	h.t.Helper()
	require.NoError(h.t, os.WriteFile(filepath.Join(h.applyDir, name), []byte(sql), 0644))
}

func (h *harness) writeRollback(migration, sql string) {
	h.t.Helper()
	name := migration + scripts.RollbackSuffix + scripts.Extension
	require.NoError(h.t, os.WriteFile(filepath.Join(h.rollbackDir, name), []byte(sql), 0644))
}

// bootstrap creates the ledger and an event log table outside any script
func (h *harness) bootstrap() {
	h.t.Helper()
	require.NoError(h.t, h.db.Exec(ledger.BootstrapSQL(config.DriverSQLite)).Error)
	require.NoError(h.t, h.db.Exec(`CREATE TABLE event_log (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)`).Error)
}

// migration writes a forward script logging name and its reverse script
// logging undo_name
func (h *harness) migration(name string) {
	h.t.Helper()
	h.writeApply(name+".sql", "INSERT INTO event_log (name) VALUES ('"+name+"');")
	h.writeRollback(name, "INSERT INTO event_log (name) VALUES ('undo_"+name+"');")
}

func (h *harness) eventLog() []string {
	h.t.Helper()
	var names []string
	require.NoError(h.t, h.db.Table("event_log").Order("id").Pluck("name", &names).Error)
	return names
}

func (h *harness) ledgerNames() []string {
	h.t.Helper()
	rows, err := ledger.New().ListApplied(context.Background(), h.db)
	require.NoError(h.t, err)
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.MigrationName)
	}
	return names
}

func (h *harness) hasTable(name string) bool {
	return h.db.Migrator().HasTable(name)
}

func TestApply_OrdersByFileName(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	// Written out of order on purpose
	h.migration("010_c")
	h.migration("001_a")
	h.migration("002_b")

	require.NoError(t, h.engine.ApplyPendingScripts(context.Background()))

	assert.Equal(t, []string{"001_a", "002_b", "010_c"}, h.eventLog())
	assert.Equal(t, []string{"001_a", "002_b", "010_c"}, h.ledgerNames())
	assert.Equal(t, []string{"backup:before_apply"}, h.events)
}

func TestApply_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	h.migration("001_a")
	h.migration("002_b")

	require.NoError(t, h.engine.ApplyPendingScripts(context.Background()))
	first := h.ledgerNames()

	require.NoError(t, h.engine.ApplyPendingScripts(context.Background()))

	assert.Equal(t, first, h.ledgerNames())
	assert.Equal(t, []string{"001_a", "002_b"}, h.eventLog())
	// No backup when nothing is pending
	assert.Equal(t, 1, h.runner.Calls())
}

func TestApply_OnlyNewScriptsRun(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	h.migration("001_a")
	require.NoError(t, h.engine.ApplyPendingScripts(context.Background()))

	h.migration("002_b")
	require.NoError(t, h.engine.ApplyPendingScripts(context.Background()))

	assert.Equal(t, []string{"001_a", "002_b"}, h.eventLog())
	assert.Equal(t, []string{"001_a", "002_b"}, h.ledgerNames())
}

func TestApply_AllOrNothing(t *testing.T) {
	h := newHarness(t)
	h.writeApply("000_init.sql", ledger.BootstrapSQL(config.DriverSQLite))
	h.writeApply("001_items.sql", `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT);`)
	h.writeApply("002_seed.sql", `INSERT INTO items (id, name) VALUES (1, 'a'), (2, 'b');`)
	h.writeApply("003_broken.sql", `INSERT INTO no_such_table VALUES (1);`)

	err := h.engine.ApplyPendingScripts(context.Background())
	require.Error(t, err)
	assert.True(t, IsScriptError(err))

	var scriptErr *ScriptError
	require.True(t, errors.As(err, &scriptErr))
	assert.Equal(t, "003_broken.sql", scriptErr.Script)

	// Nothing from 000-002 survived, not even the ledger table
	assert.False(t, h.hasTable("items"))
	assert.False(t, h.hasTable(models.AppliedScriptsTable))
}

func TestApply_LedgerBootstrap(t *testing.T) {
	h := newHarness(t)

	// A probe with nothing pending never creates the ledger
	require.NoError(t, h.engine.ApplyPendingScripts(context.Background()))
	assert.False(t, h.hasTable(models.AppliedScriptsTable))
	assert.Equal(t, 0, h.runner.Calls())

	h.writeApply("000_init.sql", ledger.BootstrapSQL(config.DriverSQLite))
	h.writeApply("001_items.sql", `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT);`)

	require.NoError(t, h.engine.ApplyPendingScripts(context.Background()))

	// The script creating the ledger is recorded in its own run
	assert.Equal(t, []string{"000_init", "001_items"}, h.ledgerNames())
}

func TestApply_RecordSkippedWhileLedgerMissing(t *testing.T) {
	h := newHarness(t)
	h.writeApply("001_items.sql", `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT);`)

	require.NoError(t, h.engine.ApplyPendingScripts(context.Background()))

	assert.True(t, h.hasTable("items"))
	assert.False(t, h.hasTable(models.AppliedScriptsTable))
}

func TestApply_BackupProblemsAreNotFatal(t *testing.T) {
	testCases := []struct {
		name   string
		runner *backup.StubRunner
	}{
		{name: "tool failure", runner: &backup.StubRunner{Available: true, Err: errors.New("exit status 1")}},
		{name: "tool unavailable", runner: &backup.StubRunner{Available: false}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.runner = tc.runner
			h.build()
			h.bootstrap()
			h.migration("001_a")

			require.NoError(t, h.engine.ApplyPendingScripts(context.Background()))
			assert.Equal(t, []string{"001_a"}, h.ledgerNames())
		})
	}
}

func TestApply_Unreachable(t *testing.T) {
	h := newHarness(t)
	h.migration("001_a")

	sqlDB, err := h.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	err = h.engine.ApplyPendingScripts(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectivityError(err))
	assert.Equal(t, 0, h.runner.Calls())
}

func TestApply_Cancelled(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	h.migration("001_a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, h.engine.ApplyPendingScripts(ctx))
	assert.Empty(t, h.ledgerNames())
}

func TestApply_OperationTimeout(t *testing.T) {
	h := newHarness(t)
	h.opts.OperationTimeout = time.Nanosecond
	h.build()
	h.bootstrap()
	h.migration("001_a")

	require.Error(t, h.engine.ApplyPendingScripts(context.Background()))
	assert.Empty(t, h.ledgerNames())
}

// appliedThree applies 001_m1, 002_m2, 003_m3 and clears recorded events
func appliedThree(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.bootstrap()
	h.migration("001_m1")
	h.migration("002_m2")
	h.migration("003_m3")
	require.NoError(t, h.engine.ApplyPendingScripts(context.Background()))
	h.events = nil
	return h
}

func TestRollback_LedgerDriven(t *testing.T) {
	h := appliedThree(t)

	var ledgerAtRestore []string
	h.snapshots.onRestore = func() { ledgerAtRestore = h.ledgerNames() }

	require.NoError(t, h.engine.RollbackToMigration(context.Background(), "001_m1"))

	assert.Equal(t, []string{"001_m1", "002_m2", "003_m3", "undo_003_m3", "undo_002_m2"}, h.eventLog())
	assert.Equal(t, []string{"001_m1"}, h.ledgerNames())

	// Export and backup precede the mutation; restore follows the commit
	assert.Equal(t, []string{"export", "backup:before_rollback", "restore"}, h.events)
	assert.Equal(t, []string{"items"}, h.snapshots.exported)
	assert.Equal(t, "20240309_140507", h.snapshots.restored.ID)
	assert.Equal(t, []string{"001_m1"}, ledgerAtRestore)
}

func TestRollback_IgnoresFilesystemForHistory(t *testing.T) {
	h := appliedThree(t)

	// Forward scripts disappearing from disk does not change what is undone
	require.NoError(t, os.Remove(filepath.Join(h.applyDir, "002_m2.sql")))
	require.NoError(t, os.Remove(filepath.Join(h.applyDir, "003_m3.sql")))

	require.NoError(t, h.engine.RollbackToMigration(context.Background(), "001_m1"))
	assert.Equal(t, []string{"001_m1"}, h.ledgerNames())
}

func TestRollback_All(t *testing.T) {
	for _, target := range []string{AllMigrations, ""} {
		t.Run("target "+target, func(t *testing.T) {
			h := appliedThree(t)

			require.NoError(t, h.engine.RollbackToMigration(context.Background(), target))

			assert.Empty(t, h.ledgerNames())
			assert.Equal(t, []string{
				"001_m1", "002_m2", "003_m3",
				"undo_003_m3", "undo_002_m2", "undo_001_m1",
			}, h.eventLog())
		})
	}
}

func TestRollback_MissingReverseScript(t *testing.T) {
	h := appliedThree(t)
	require.NoError(t, os.Remove(filepath.Join(h.rollbackDir, "002_m2_Rollback.sql")))

	err := h.engine.RollbackToMigration(context.Background(), "001_m1")
	require.Error(t, err)
	assert.True(t, IsMissingReverseScript(err))
	assert.True(t, errors.Is(err, scripts.ErrNotFound))

	var missing *MissingReverseScriptError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "002_m2", missing.Migration)

	assert.Equal(t, []string{"001_m1", "002_m2", "003_m3"}, h.ledgerNames())
	assert.Equal(t, []string{"001_m1", "002_m2", "003_m3"}, h.eventLog())
	assert.Empty(t, h.events)
}

func TestRollback_FailingReverseScriptRollsBackEverything(t *testing.T) {
	h := appliedThree(t)
	h.writeRollback("002_m2", `DELETE FROM no_such_table;`)

	err := h.engine.RollbackToMigration(context.Background(), "001_m1")
	require.Error(t, err)
	assert.True(t, IsScriptError(err))

	var scriptErr *ScriptError
	require.True(t, errors.As(err, &scriptErr))
	assert.Equal(t, "002_m2_Rollback.sql", scriptErr.Script)

	// 003's undo ran first and was rolled back with the rest
	assert.Equal(t, []string{"001_m1", "002_m2", "003_m3"}, h.ledgerNames())
	assert.Equal(t, []string{"001_m1", "002_m2", "003_m3"}, h.eventLog())
	assert.Equal(t, []string{"export", "backup:before_rollback"}, h.events)
}

func TestRollback_LedgerMissing(t *testing.T) {
	h := newHarness(t)

	err := h.engine.RollbackToMigration(context.Background(), AllMigrations)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLedgerMissing))
	assert.True(t, errors.Is(err, ledger.ErrTableMissing))
}

func TestRollback_NothingToRollBack(t *testing.T) {
	t.Run("target is the latest migration", func(t *testing.T) {
		h := appliedThree(t)
		err := h.engine.RollbackToMigration(context.Background(), "003_m3")
		assert.True(t, IsNothingToRollBack(err))
		assert.Empty(t, h.events)
	})

	t.Run("empty ledger", func(t *testing.T) {
		h := newHarness(t)
		h.bootstrap()
		err := h.engine.RollbackToMigration(context.Background(), AllMigrations)
		assert.True(t, IsNothingToRollBack(err))
	})
}

func TestRollback_UnknownTarget(t *testing.T) {
	t.Run("all policy rolls back everything", func(t *testing.T) {
		h := appliedThree(t)
		require.NoError(t, h.engine.RollbackToMigration(context.Background(), "999_missing"))
		assert.Empty(t, h.ledgerNames())
	})

	t.Run("reject policy changes nothing", func(t *testing.T) {
		h := appliedThree(t)
		h.opts.UnknownTargetPolicy = config.UnknownTargetReject
		h.build()

		err := h.engine.RollbackToMigration(context.Background(), "999_missing")
		require.Error(t, err)
		assert.True(t, IsUnknownTarget(err))
		assert.Equal(t, []string{"001_m1", "002_m2", "003_m3"}, h.ledgerNames())
		assert.Empty(t, h.events)
	})
}

func TestRollback_BackupIsMandatory(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		h := appliedThree(t)
		h.runner.Available = false

		err := h.engine.RollbackToMigration(context.Background(), "001_m1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackupUnavailable))
		assert.Equal(t, []string{"001_m1", "002_m2", "003_m3"}, h.ledgerNames())
	})

	t.Run("tool failure", func(t *testing.T) {
		h := appliedThree(t)
		h.runner.Err = errors.New("exit status 1")

		err := h.engine.RollbackToMigration(context.Background(), "001_m1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, backup.ErrToolFailure))
		assert.Equal(t, []string{"001_m1", "002_m2", "003_m3"}, h.ledgerNames())
		assert.NotContains(t, h.events, "restore")
	})
}

func TestRollback_ExportFailureStopsBeforeBackup(t *testing.T) {
	h := appliedThree(t)
	h.snapshots.exportErr = errors.New("copy failed")

	err := h.engine.RollbackToMigration(context.Background(), "001_m1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSnapshot))
	assert.Equal(t, []string{"export"}, h.events)
	assert.Equal(t, []string{"001_m1", "002_m2", "003_m3"}, h.ledgerNames())
}

func TestRollback_RestoreFailureAfterCommit(t *testing.T) {
	h := appliedThree(t)
	h.snapshots.restoreErr = errors.New("merge failed")

	err := h.engine.RollbackToMigration(context.Background(), "001_m1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRestore))
	assert.Contains(t, err.Error(), "is committed")

	// The rollback itself stands
	assert.Equal(t, []string{"001_m1"}, h.ledgerNames())
}

func TestRollback_WithoutSnapshotter(t *testing.T) {
	h := appliedThree(t)
	h.engine.snapshots = nil

	err := h.engine.RollbackToMigration(context.Background(), "001_m1")
	assert.ErrorIs(t, err, snapshot.ErrNoBulkChannel)

	h.engine.opts.TablesToExport = nil
	require.NoError(t, h.engine.RollbackToMigration(context.Background(), "001_m1"))
	assert.Equal(t, []string{"001_m1"}, h.ledgerNames())
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.writeApply("000_init.sql", ledger.BootstrapSQL(config.DriverSQLite))
	h.writeApply("001_items.sql", `CREATE TABLE items (id INTEGER PRIMARY KEY);`)

	status, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.LedgerExists)
	assert.Empty(t, status.Applied)
	require.Len(t, status.Pending, 2)
	assert.Equal(t, "000_init", status.Pending[0].MigrationName)

	require.NoError(t, h.engine.ApplyPendingScripts(context.Background()))
	h.writeApply("002_more.sql", `CREATE TABLE more (id INTEGER PRIMARY KEY);`)

	status, err = h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.LedgerExists)
	require.Len(t, status.Applied, 2)
	assert.Equal(t, "001_items.sql", status.Applied[1].ScriptName)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, "002_more.sql", status.Pending[0].Name)
}
