package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/dbmigrator/internal/config"
)

// stderrLimit caps how much pg_dump diagnostics are kept for the error
const stderrLimit = 4 * 1024

const waitDelay = 10 * time.Second

// PgDumpRunner runs pg_dump against the configured database
type PgDumpRunner struct {
	path string
	db   config.Database
}

// NewPgDumpRunner creates a runner invoking the binary at path (looked up on
// PATH when it has no separator)
func NewPgDumpRunner(path string, db config.Database) *PgDumpRunner {
	if path == "" {
		path = "pg_dump"
	}
	return &PgDumpRunner{path: path, db: db}
}

// IsAvailable probes the binary without running it
func (r *PgDumpRunner) IsAvailable() bool {
	_, err := exec.LookPath(r.path)
	return err == nil
}

// Extension of plain-format dumps
func (r *PgDumpRunner) Extension() string {
	return ".sql"
}

// Dump streams a plain SQL dump to w. Cancelling ctx kills the process.
func (r *PgDumpRunner) Dump(ctx context.Context, w io.Writer) error {
	cmd := exec.CommandContext(ctx, r.path, r.Args()...)
	cmd.Env = append(os.Environ(), r.env()...)
	cmd.Stdout = w
	// Children that inherit the pipes must not keep Wait blocked after a kill
	cmd.WaitDelay = waitDelay

	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", r.path, err, msg)
		}
		return fmt.Errorf("%s: %w", r.path, err)
	}
	return nil
}

// Args returns the pg_dump command line. The password is passed through the
// environment so it never shows up in the process list.
func (r *PgDumpRunner) Args() []string {
	return []string{
		"--host", r.db.Host,
		"--port", strconv.Itoa(r.db.Port),
		"--username", r.db.User,
		"--dbname", r.db.DBName,
		"--format", "plain",
		"--no-password",
	}
}

func (r *PgDumpRunner) env() []string {
	env := []string{}
	if r.db.Password != "" {
		env = append(env, "PGPASSWORD="+r.db.Password)
	}
	if r.db.SSLMode != "" {
		env = append(env, "PGSSLMODE="+r.db.SSLMode)
	}
	return env
}

// limitedBuffer keeps the first limit bytes written to it
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
