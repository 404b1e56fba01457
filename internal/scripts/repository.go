// Package scripts lists forward and reverse SQL scripts from the two script
// directories. It holds no state and never writes to disk.
package scripts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ksred/dbmigrator/internal/models"
)

// Extension is the file extension of a script, compared case-insensitively
const Extension = ".sql"

// RollbackSuffix is appended to a logical migration name to name its reverse script
const RollbackSuffix = "_Rollback"

// ErrNotFound is returned when a reverse script does not exist
var ErrNotFound = errors.New("script not found")

// ScriptRef points at one forward script on disk
type ScriptRef struct {
	// Name is the file name, e.g. 001_create_users.sql
	Name string `json:"name"`
	// MigrationName is the file name without extension
	MigrationName string `json:"migration_name"`
	// Path is the full path of the file
	Path string `json:"path"`
}

// Repository reads scripts from the apply and rollback directories
type Repository struct {
	applyDir    string
	rollbackDir string
}

// NewRepository creates a repository over the two script directories
func NewRepository(applyDir, rollbackDir string) *Repository {
	return &Repository{
		applyDir:    applyDir,
		rollbackDir: rollbackDir,
	}
}

// ListAll returns every forward script sorted by file name. A missing apply
// directory yields an empty list.
func (r *Repository) ListAll() ([]ScriptRef, error) {
	entries, err := os.ReadDir(r.applyDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []ScriptRef{}, nil
		}
		return nil, fmt.Errorf("read apply directory %s: %w", r.applyDir, err)
	}

	refs := make([]ScriptRef, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !isScript(name) {
			continue
		}
		refs = append(refs, ScriptRef{
			Name:          name,
			MigrationName: models.MigrationNameOf(name),
			Path:          filepath.Join(r.applyDir, name),
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Name < refs[j].Name
	})

	return refs, nil
}

// ListPending returns forward scripts whose logical name is not in applied,
// in file name order.
func (r *Repository) ListPending(applied map[string]struct{}) ([]ScriptRef, error) {
	all, err := r.ListAll()
	if err != nil {
		return nil, err
	}

	pending := make([]ScriptRef, 0, len(all))
	for _, ref := range all {
		if _, ok := applied[ref.MigrationName]; ok {
			continue
		}
		pending = append(pending, ref)
	}
	return pending, nil
}

// ResolveRollbackScript returns the path of <migrationName>_Rollback.sql in
// the rollback directory, or ErrNotFound.
func (r *Repository) ResolveRollbackScript(migrationName string) (string, error) {
	want := migrationName + RollbackSuffix + Extension

	entries, err := os.ReadDir(r.rollbackDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, want)
		}
		return "", fmt.Errorf("read rollback directory %s: %w", r.rollbackDir, err)
	}

	// Exact match wins over a case-insensitive one
	var fallback string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if entry.Name() == want {
			return filepath.Join(r.rollbackDir, entry.Name()), nil
		}
		if fallback == "" && strings.EqualFold(entry.Name(), want) {
			fallback = filepath.Join(r.rollbackDir, entry.Name())
		}
	}
	if fallback != "" {
		return fallback, nil
	}

	return "", fmt.Errorf("%w: %s", ErrNotFound, want)
}

// Read returns the raw text of a script
func Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script %s: %w", path, err)
	}
	return string(data), nil
}

func isScript(name string) bool {
	return strings.EqualFold(filepath.Ext(name), Extension)
}
