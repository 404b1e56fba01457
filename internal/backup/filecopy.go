package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileCopyRunner backs up a file-based database (SQLite) by streaming a copy
// of the database file
type FileCopyRunner struct {
	path string
}

// NewFileCopyRunner creates a runner copying the database file at path
func NewFileCopyRunner(path string) *FileCopyRunner {
	return &FileCopyRunner{path: path}
}

// IsAvailable reports whether the database file exists
func (r *FileCopyRunner) IsAvailable() bool {
	info, err := os.Stat(r.path)
	return err == nil && info.Mode().IsRegular()
}

func (r *FileCopyRunner) Extension() string {
	if ext := filepath.Ext(r.path); ext != "" {
		return ext
	}
	return ".db"
}

// Dump copies the database file to w in chunks, checking ctx between them
func (r *FileCopyRunner) Dump(ctx context.Context, w io.Writer) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open database file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
