// Package backup takes full-database dumps before the engine mutates schema.
package backup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ksred/dbmigrator/internal/utils"
	"github.com/rs/zerolog"
)

// TimestampLayout formats the UTC timestamp in artifact names (yyyyMMdd_HHmmss)
const TimestampLayout = "20060102_150405"

// chunkSize bounds the buffer between the dump stream and the artifact file
const chunkSize = 64 * 1024

var (
	// ErrToolFailure is returned when the dump utility exists but fails
	ErrToolFailure = errors.New("backup tool failed")

	unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

// Runner abstracts the external dump utility
type Runner interface {
	// IsAvailable probes whether the utility can be executed on this host
	IsAvailable() bool
	// Dump streams a full dump of the database to w
	Dump(ctx context.Context, w io.Writer) error
	// Extension is the artifact file extension, including the dot
	Extension() string
}

// Result describes one Backup call
type Result struct {
	// Skipped is true when the dump utility is not installed
	Skipped  bool
	Path     string
	Bytes    int64
	Duration time.Duration
}

// ToolError carries the failure of a dump run
type ToolError struct {
	Label string
	Err   error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("backup %q failed: %v", e.Label, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is matches ErrToolFailure
func (e *ToolError) Is(target error) bool {
	return target == ErrToolFailure
}

// Agent writes dump artifacts named <database>_<label>_<timestamp><ext>
type Agent struct {
	runner   Runner
	dir      string
	database string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewAgent creates a backup agent writing into dir
func NewAgent(runner Runner, dir, database string, logger zerolog.Logger) *Agent {
	return &Agent{
		runner:   runner,
		dir:      dir,
		database: database,
		logger:   utils.Component(logger, "backup"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Backup dumps the database into a new artifact. It returns a skipped result,
// not an error, when the dump utility is unavailable; whether that is
// acceptable is the caller's decision.
func (a *Agent) Backup(ctx context.Context, label string) (Result, error) {
	if !a.runner.IsAvailable() {
		a.logger.Warn().Str("label", label).Msg("Dump utility not available, backup skipped")
		return Result{Skipped: true}, nil
	}

	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return Result{}, &ToolError{Label: label, Err: fmt.Errorf("create backups directory: %w", err)}
	}

	path := a.artifactPath(label)
	start := time.Now()

	a.logger.Info().Str("label", label).Str("path", path).Msg("Creating database backup")

	written, err := a.writeArtifact(ctx, path)
	if err != nil {
		// A partial dump is worse than none; completed artifacts are never removed
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			a.logger.Warn().Err(rmErr).Str("path", path).Msg("Failed to remove partial backup")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("backup %q cancelled: %w", label, ctxErr)
		}
		return Result{}, &ToolError{Label: label, Err: err}
	}

	result := Result{
		Path:     path,
		Bytes:    written,
		Duration: time.Since(start),
	}
	a.logger.Info().
		Str("path", path).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("Database backup completed")

	return result, nil
}

// ArtifactName builds the artifact file name for label at the current time
func (a *Agent) ArtifactName(label string) string {
	return fmt.Sprintf("%s_%s_%s%s",
		sanitize(a.database),
		sanitize(label),
		a.now().UTC().Format(TimestampLayout),
		a.runner.Extension())
}

// artifactPath returns a path for label that no artifact uses yet. Names
// have one-second resolution, so a later backup in the same second gets a
// numeric suffix.
func (a *Agent) artifactPath(label string) string {
	name := a.ArtifactName(label)
	ext := a.runner.Extension()
	stem := strings.TrimSuffix(name, ext)

	path := filepath.Join(a.dir, name)
	for n := 2; exists(path); n++ {
		path = filepath.Join(a.dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}
	return path
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func (a *Agent) writeArtifact(ctx context.Context, path string) (int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("create artifact: %w", err)
	}

	counter := &countingWriter{w: file}
	buffered := bufio.NewWriterSize(counter, chunkSize)

	dumpErr := a.runner.Dump(ctx, buffered)
	if dumpErr == nil {
		dumpErr = buffered.Flush()
	}
	if dumpErr == nil {
		dumpErr = file.Sync()
	}
	closeErr := file.Close()

	if dumpErr != nil {
		return counter.n, dumpErr
	}
	if closeErr != nil {
		return counter.n, fmt.Errorf("close artifact: %w", closeErr)
	}
	return counter.n, nil
}

func sanitize(s string) string {
	s = strings.Trim(unsafeLabel.ReplaceAllString(strings.TrimSpace(s), "_"), "_")
	if s == "" {
		return "db"
	}
	return s
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
